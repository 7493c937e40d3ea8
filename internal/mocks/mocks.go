package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateConversation(ctx context.Context, participantIDs []string) (models.Conversation, error) {
	args := m.Called(ctx, participantIDs)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) FindConversation(ctx context.Context, participantIDs []string) (models.Conversation, error) {
	args := m.Called(ctx, participantIDs)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, conversationID string, authorID string, body models.MessageBody) (models.Message, bool, error) {
	args := m.Called(ctx, conversationID, authorID, body)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteMessages(ctx context.Context, conversationID string) (int64, error) {
	args := m.Called(ctx, conversationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, conversationID string, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)
	return args.Error(0)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) CreateUser(ctx context.Context, name, email, passwordHash, image string) (models.User, error) {
	args := m.Called(ctx, name, email, passwordHash, image)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetUser(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	args := m.Called(ctx, email)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) ListUsersExcept(ctx context.Context, userID string) ([]models.UserProfile, error) {
	args := m.Called(ctx, userID)
	var users []models.UserProfile
	if val := args.Get(0); val != nil {
		users = val.([]models.UserProfile)
	}
	return users, args.Error(1)
}

func (m *UserRepositoryMock) BulkUsers(ctx context.Context, ids []string) ([]models.UserProfile, error) {
	args := m.Called(ctx, ids)
	var users []models.UserProfile
	if val := args.Get(0); val != nil {
		users = val.([]models.UserProfile)
	}
	return users, args.Error(1)
}

func (m *UserRepositoryMock) SendFriendRequest(ctx context.Context, senderID, recipientID string) error {
	args := m.Called(ctx, senderID, recipientID)
	return args.Error(0)
}

func (m *UserRepositoryMock) AcceptFriendRequest(ctx context.Context, senderID, recipientID string) error {
	args := m.Called(ctx, senderID, recipientID)
	return args.Error(0)
}

func (m *UserRepositoryMock) DeclineFriendRequest(ctx context.Context, senderID, recipientID string) error {
	args := m.Called(ctx, senderID, recipientID)
	return args.Error(0)
}

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
	_ repositories.UserRepository         = (*UserRepositoryMock)(nil)
)
