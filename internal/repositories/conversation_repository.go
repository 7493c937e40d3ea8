package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, participantIDs []string) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	FindConversation(ctx context.Context, participantIDs []string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateConversation always inserts a new conversation for the given participants.
func (r *ConversationRepo) CreateConversation(ctx context.Context, participantIDs []string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.QueryRowxContext(ctx, `INSERT INTO conversations (id, participants, created_at) VALUES ($1, $2, $3)
        RETURNING id, participants, last_message_id, last_message_at, created_at`,
		uuid.NewString(), pq.StringArray(participantIDs), time.Now().UTC()).StructScan(&conv)
	return conv, err
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, participants, last_message_id, last_message_at, created_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// FindConversation returns the oldest conversation whose participant set equals participantIDs.
func (r *ConversationRepo) FindConversation(ctx context.Context, participantIDs []string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT id, participants, last_message_id, last_message_at, created_at FROM conversations
        WHERE participants @> $1 AND participants <@ $1
        ORDER BY created_at ASC LIMIT 1`, pq.StringArray(participantIDs))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListConversations returns the conversations a user participates in, most recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `SELECT c.id, c.participants, c.last_message_id, c.last_message_at, c.created_at, m.text AS last_message_text
        FROM conversations c
        LEFT JOIN messages m ON m.id = c.last_message_id
        WHERE $1 = ANY(c.participants)
        ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`
	var result []models.ConversationSummary
	if err := r.db.SelectContext(ctx, &result, query, userID); err != nil {
		return nil, err
	}
	return result, nil
}
