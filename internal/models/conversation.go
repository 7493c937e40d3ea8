package models

import (
	"time"

	"github.com/lib/pq"
)

// Conversation is a thread with a fixed participant set.
type Conversation struct {
	ID            string         `db:"id" json:"id"`
	Participants  pq.StringArray `db:"participants" json:"participants"`
	LastMessageID *string        `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageAt *time.Time     `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is the list view of a conversation for one user.
type ConversationSummary struct {
	Conversation
	LastMessageText *string `db:"last_message_text" json:"last_message_text,omitempty"`
}
