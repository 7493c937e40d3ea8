package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// memStore is an in-memory conversation and message store for exercising the core end to end.
type memStore struct {
	mu         sync.Mutex
	convs      map[string]models.Conversation
	msgs       map[string][]models.Message
	seq        int
	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]models.Conversation),
		msgs:  make(map[string][]models.Message),
	}
}

func (s *memStore) addConversation(id string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = models.Conversation{ID: id, Participants: participants, CreatedAt: time.Now()}
}

func (s *memStore) CreateConversation(_ context.Context, participantIDs []string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	conv := models.Conversation{ID: fmt.Sprintf("conv-%d", s.seq), Participants: participantIDs, CreatedAt: time.Now()}
	s.convs[conv.ID] = conv
	return conv, nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return conv, nil
}

func (s *memStore) FindConversation(_ context.Context, participantIDs []string) (models.Conversation, error) {
	return models.Conversation{}, repositories.ErrConversationNotFound
}

func (s *memStore) ListConversations(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	return nil, nil
}

func (s *memStore) AppendMessage(_ context.Context, conversationID, authorID string, body models.MessageBody) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return models.Message{}, false, errors.New("store unreachable")
	}
	if _, ok := s.convs[conversationID]; !ok {
		return models.Message{}, false, repositories.ErrConversationNotFound
	}
	history := s.msgs[conversationID]
	if body.ClientMessageID != "" {
		for _, m := range history {
			if m.ClientMessageID != nil && *m.ClientMessageID == body.ClientMessageID {
				return m, false, nil
			}
		}
	}
	ts := time.Now()
	if n := len(history); n > 0 && ts.Before(history[n-1].Timestamp) {
		ts = history[n-1].Timestamp
	}
	s.seq++
	msg := models.Message{
		ID:             fmt.Sprintf("msg-%d", s.seq),
		ConversationID: conversationID,
		UserID:         authorID,
		Text:           body.Text,
		Timestamp:      ts,
	}
	if body.ClientMessageID != "" {
		id := body.ClientMessageID
		msg.ClientMessageID = &id
	}
	s.msgs[conversationID] = append(history, msg)
	return msg, true, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, repositories.ErrConversationNotFound
	}
	return append([]models.Message{}, s.msgs[conversationID]...), nil
}

func (s *memStore) DeleteMessages(_ context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.msgs[conversationID])
	delete(s.msgs, conversationID)
	return int64(n), nil
}

func (s *memStore) MarkRead(_ context.Context, conversationID, messageID string) error {
	return nil
}
