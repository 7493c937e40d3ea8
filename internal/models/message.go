package models

import (
	"time"

	"github.com/lib/pq"
)

// MessageBody is the client supplied part of a message.
type MessageBody struct {
	Text            string         `json:"text"`
	Images          pq.StringArray `json:"images,omitempty"`
	Videos          pq.StringArray `json:"videos,omitempty"`
	Audios          pq.StringArray `json:"audios,omitempty"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
}

// Empty reports whether the body carries neither text nor media.
func (b MessageBody) Empty() bool {
	return b.Text == "" && len(b.Images) == 0 && len(b.Videos) == 0 && len(b.Audios) == 0
}

// Message represents a persisted conversation message.
type Message struct {
	ID              string         `db:"id" json:"id"`
	ConversationID  string         `db:"conversation_id" json:"conversation_id"`
	UserID          string         `db:"user_id" json:"user_id"`
	Text            string         `db:"text" json:"text"`
	Images          pq.StringArray `db:"images" json:"images"`
	Videos          pq.StringArray `db:"videos" json:"videos"`
	Audios          pq.StringArray `db:"audios" json:"audios"`
	ClientMessageID *string        `db:"client_message_id" json:"client_message_id,omitempty"`
	Read            bool           `db:"read" json:"read"`
	Timestamp       time.Time      `db:"created_at" json:"timestamp"`
}
