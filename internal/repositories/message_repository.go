package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, conversation_id, user_id, text, images, videos, audios, client_message_id, read, created_at`

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, conversationID string, authorID string, body models.MessageBody) (models.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	DeleteMessages(ctx context.Context, conversationID string) (int64, error)
	MarkRead(ctx context.Context, conversationID string, messageID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

// AppendMessage stores a message, moves the conversation's last-message pointer and
// reports whether a new row was written. A body whose client message id was already
// stored for the conversation returns the stored message with created=false.
func (r *MessageRepo) AppendMessage(ctx context.Context, conversationID string, authorID string, body models.MessageBody) (models.Message, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer tx.Rollback()

	// The row lock serializes appends per conversation across processes.
	var last sql.NullTime
	err = tx.GetContext(ctx, &last, `SELECT last_message_at FROM conversations WHERE id=$1 FOR UPDATE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, ErrConversationNotFound
	}
	if err != nil {
		return models.Message{}, false, err
	}

	var clientID *string
	if body.ClientMessageID != "" {
		var existing models.Message
		err := tx.GetContext(ctx, &existing, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 AND client_message_id=$2`, conversationID, body.ClientMessageID)
		if err == nil {
			return existing, false, tx.Commit()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, false, err
		}
		clientID = &body.ClientMessageID
	}

	ts := r.now().UTC().Truncate(time.Microsecond)
	if last.Valid && ts.Before(last.Time) {
		ts = last.Time.UTC()
	}

	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		UserID:          authorID,
		Text:            body.Text,
		Images:          nonNil(body.Images),
		Videos:          nonNil(body.Videos),
		Audios:          nonNil(body.Audios),
		ClientMessageID: clientID,
		Timestamp:       ts,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Text, msg.Images, msg.Videos, msg.Audios, msg.ClientMessageID, msg.Timestamp); err != nil {
		return models.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_id=$2, last_message_at=$3 WHERE id=$1`, conversationID, msg.ID, msg.Timestamp); err != nil {
		return models.Message{}, false, fmt.Errorf("update last message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// ListMessages returns the conversation history in send order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`, conversationID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrConversationNotFound
	}

	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY seq ASC`, conversationID)
	return msgs, err
}

// DeleteMessages removes every message of a conversation and clears its last-message pointer.
func (r *MessageRepo) DeleteMessages(ctx context.Context, conversationID string) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_id=NULL WHERE id=$1`, conversationID)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, ErrConversationNotFound
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// MarkRead sets the read flag of a single message.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, messageID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE WHERE id=$1 AND conversation_id=$2`, messageID, conversationID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func nonNil(values pq.StringArray) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return values
}
