// Package presence tracks how many live connections each user holds.
package presence

import (
	"context"
	"log"

	"dm-service/internal/keylock"
)

// Notifier is called once per offline→online and online→offline transition.
type Notifier func(ctx context.Context, userID string, online bool)

// Counter stores live connection counts per user. Incr and Decr must be atomic across
// every registry sharing the counter, so each transition is observed by exactly one caller.
type Counter interface {
	// Incr adds one connection and returns the new count.
	Incr(ctx context.Context, userID string) (int64, error)
	// Decr removes one connection and returns the new count. Entries are deleted at zero;
	// ok is false when userID had no entry and nothing changed.
	Decr(ctx context.Context, userID string) (n int64, ok bool, err error)
	Count(ctx context.Context, userID string) (int64, error)
	// Len returns the number of users with at least one connection.
	Len(ctx context.Context) (int64, error)
}

// Registry derives online/offline edges from a Counter.
type Registry struct {
	counter Counter
	keys    *keylock.Locker
	notify  Notifier
}

// NewRegistry creates a registry over a process-local counter. notify may be nil.
func NewRegistry(notify Notifier) *Registry {
	return NewSharedRegistry(NewLocalCounter(), notify)
}

// NewSharedRegistry creates a registry over counter, which other processes may share.
func NewSharedRegistry(counter Counter, notify Notifier) *Registry {
	return &Registry{
		counter: counter,
		keys:    keylock.New(),
		notify:  notify,
	}
}

// RegisterConnection adds one connection for userID and announces the user online
// when it is the first one. It reports whether the connection was counted.
func (r *Registry) RegisterConnection(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	// Transitions of one user are announced in the order they happen in this process.
	unlock := r.keys.Lock(userID)
	defer unlock()

	n, err := r.counter.Incr(ctx, userID)
	if err != nil {
		log.Printf("presence: register user=%s failed: %v", userID, err)
		return false
	}
	if n == 1 && r.notify != nil {
		r.notify(ctx, userID, true)
	}
	return true
}

// DeregisterConnection removes one connection for userID and announces the user offline
// when it was the last one. Unknown users are ignored.
func (r *Registry) DeregisterConnection(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	unlock := r.keys.Lock(userID)
	defer unlock()

	n, ok, err := r.counter.Decr(ctx, userID)
	if err != nil {
		log.Printf("presence: deregister user=%s failed: %v", userID, err)
		return
	}
	if ok && n == 0 && r.notify != nil {
		r.notify(ctx, userID, false)
	}
}

// IsOnline reports whether userID holds at least one live connection.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	return r.Connections(ctx, userID) > 0
}

// Connections returns the live connection count of userID. Counter errors read as zero.
func (r *Registry) Connections(ctx context.Context, userID string) int {
	n, err := r.counter.Count(ctx, userID)
	if err != nil {
		log.Printf("presence: count user=%s failed: %v", userID, err)
		return 0
	}
	return int(n)
}

// OnlineUsers returns the number of users currently online.
func (r *Registry) OnlineUsers(ctx context.Context) int {
	n, err := r.counter.Len(ctx)
	if err != nil {
		log.Printf("presence: len failed: %v", err)
		return 0
	}
	return int(n)
}
