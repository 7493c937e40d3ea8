// Package bus carries fan-out envelopes to the process-local connection hub,
// either directly or through a shared Redis channel when several processes serve clients.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"dm-service/internal/models"
)

// Kind selects which connections an envelope is delivered to.
type Kind string

const (
	// KindRoom targets the connections joined to the conversation room Key.
	KindRoom Kind = "room"
	// KindUser targets every connection bound to the user Key.
	KindUser Kind = "user"
	// KindAll targets every live connection.
	KindAll Kind = "all"
)

// Envelope is one fan-out request. Frame is the encoded websocket frame.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	Key    string          `json:"key,omitempty"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// NewEnvelope encodes ev once for all recipients.
func NewEnvelope(kind Kind, key string, ev models.Event) (Envelope, error) {
	frame, err := ev.Encode()
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	return Envelope{Kind: kind, Key: key, Frame: frame}, nil
}

// Deliverer resolves an envelope against the live connections of this process.
type Deliverer interface {
	Deliver(env Envelope) int
}

// Broadcaster hands envelopes to every process that may hold a recipient.
type Broadcaster interface {
	Broadcast(ctx context.Context, env Envelope) error
}

// Local delivers straight to the in-process hub.
type Local struct {
	deliverer Deliverer
}

// NewLocal constructs a single-process broadcaster.
func NewLocal(d Deliverer) *Local {
	return &Local{deliverer: d}
}

// Broadcast delivers env synchronously.
func (l *Local) Broadcast(_ context.Context, env Envelope) error {
	l.deliverer.Deliver(env)
	return nil
}
