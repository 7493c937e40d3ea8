package ws

import (
	"log"
	"sync"

	"dm-service/internal/bus"
	"dm-service/internal/observability"
	"dm-service/internal/rooms"
)

// Hub indexes the live connections of this process by connection id and by user id.
// Room membership lives in the rooms.Manager it shares with the coordinator.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	rooms   *rooms.Manager
}

// NewHub creates an empty hub.
func NewHub(roomManager *rooms.Manager) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		byUser:  make(map[string]map[string]*Client),
		rooms:   roomManager,
	}
}

// Register adds a connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	if c.UserID == "" {
		return
	}
	if _, ok := h.byUser[c.UserID]; !ok {
		h.byUser[c.UserID] = make(map[string]*Client)
	}
	h.byUser[c.UserID][c.ID] = c
}

// Unregister removes a connection. It reports false when the connection was not registered.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return false
	}
	delete(h.clients, c.ID)
	if conns, ok := h.byUser[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	return true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver queues env's frame on every matching connection and returns how many accepted it.
// Room members are resolved now, not when the envelope was built. A connection whose send
// buffer is full is closed rather than allowed to stall the others.
func (h *Hub) Deliver(env bus.Envelope) int {
	targets := h.targets(env)
	delivered := 0
	for _, c := range targets {
		if c.ID == env.Except {
			continue
		}
		switch err := c.enqueue(env.Frame); err {
		case nil:
			delivered++
		case errSendBufferFull:
			observability.IncFanoutDropped()
			log.Printf("ws: dropping slow connection conn=%s user=%s", c.ID, c.UserID)
			c.Close()
		}
	}
	observability.AddFanoutDeliveries(string(env.Kind), delivered)
	return delivered
}

func (h *Hub) targets(env bus.Envelope) []*Client {
	var ids []string
	if env.Kind == bus.KindRoom {
		ids = h.rooms.MembersOf(env.Key)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	var result []*Client
	switch env.Kind {
	case bus.KindRoom:
		result = make([]*Client, 0, len(ids))
		for _, id := range ids {
			if c, ok := h.clients[id]; ok {
				result = append(result, c)
			}
		}
	case bus.KindUser:
		conns := h.byUser[env.Key]
		result = make([]*Client, 0, len(conns))
		for _, c := range conns {
			result = append(result, c)
		}
	case bus.KindAll:
		result = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			result = append(result, c)
		}
	}
	return result
}
