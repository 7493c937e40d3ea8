package models

import "encoding/json"

// Inbound event names.
const (
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventMessage           = "message"
	EventTyping            = "typing"
	EventUserTypingLegacy  = "userTyping"
	EventCreateChat        = "createChat"
	EventOnline            = "online"
	EventOffline           = "offline"
	EventIsRecipientOnline = "isRecipientOnline"
)

// Outbound event names.
const (
	EventNewChat     = "newChat"
	EventUserOnline  = "userOnline"
	EventUserOffline = "userOffline"
	EventUserTyping  = "userTyping"
	EventError       = "error"

	EventFriendRequest         = "friendRequest"
	EventFriendRequestAccepted = "friendRequestAccepted"
)

// Frame is the envelope exchanged over websocket connections.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound notification before encoding.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Encode renders the event as a websocket frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SendMessagePayload is the body of an inbound message event.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	MessageBody
}

// TypingPayload is the body of an inbound typing event.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	Status         bool   `json:"status"`
}

// TypingNotice is the outbound typing indicator.
type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Status         bool   `json:"status"`
}

// CreateChatPayload is the body of an inbound createChat event.
type CreateChatPayload struct {
	ParticipantIDs []string `json:"participant_ids"`
	ReuseExisting  bool     `json:"reuse_existing,omitempty"`
}

// ErrorPayload is reported to the originating connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FriendNotice tells a user about a friend-request change made by another user.
type FriendNotice struct {
	UserID string `json:"user_id"`
}
