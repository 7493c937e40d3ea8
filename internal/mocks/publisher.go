package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/bus"
	"dm-service/internal/rabbitmq"
)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(ctx context.Context, env bus.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

var (
	_ rabbitmq.Publisher = (*PublisherMock)(nil)
	_ bus.Broadcaster    = (*BroadcasterMock)(nil)
)
