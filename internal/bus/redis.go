package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes envelopes on a Redis channel. Every process, the publisher
// included, delivers what it receives from the subscription, so each connection
// gets an envelope exactly once.
type RedisBus struct {
	client    *redis.Client
	channel   string
	deliverer Deliverer
	pubsub    *redis.PubSub
}

// NewRedisBus constructs a RedisBus.
func NewRedisBus(client *redis.Client, channel string, d Deliverer) *RedisBus {
	return &RedisBus{client: client, channel: channel, deliverer: d}
}

// Broadcast publishes env to all subscribed processes.
func (b *RedisBus) Broadcast(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers the subscription and waits for Redis to confirm it,
// so nothing published after it returns can be missed.
func (b *RedisBus) Subscribe(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	b.pubsub = pubsub
	return nil
}

// Run delivers received envelopes until ctx is cancelled. Subscribe must be called first.
func (b *RedisBus) Run(ctx context.Context) {
	if b.pubsub == nil {
		log.Printf("redis bus: run called without subscription")
		return
	}
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				log.Printf("redis bus: dropping malformed envelope: %v", err)
				continue
			}
			b.deliverer.Deliver(env)
		}
	}
}

func decodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, err
	}
	switch env.Kind {
	case KindRoom, KindUser, KindAll:
	default:
		return Envelope{}, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	if len(env.Frame) == 0 {
		return Envelope{}, fmt.Errorf("envelope without frame")
	}
	return env, nil
}
