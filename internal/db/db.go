package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Ping reports whether the database answers within the context deadline.
func Ping(ctx context.Context, db *sqlx.DB) error {
	return db.PingContext(ctx)
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            image TEXT NOT NULL DEFAULT '',
            friends TEXT[] NOT NULL DEFAULT '{}',
            friend_requests TEXT[] NOT NULL DEFAULT '{}',
            sent_friend_requests TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            participants TEXT[] NOT NULL,
            last_message_id TEXT,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS conversations_participants_idx ON conversations USING GIN (participants);`,
		`CREATE TABLE IF NOT EXISTS messages (
            seq BIGSERIAL PRIMARY KEY,
            id TEXT NOT NULL UNIQUE,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            images TEXT[] NOT NULL DEFAULT '{}',
            videos TEXT[] NOT NULL DEFAULT '{}',
            audios TEXT[] NOT NULL DEFAULT '{}',
            client_message_id TEXT,
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE (conversation_id, client_message_id)
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_seq_idx ON messages (conversation_id, seq);`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
