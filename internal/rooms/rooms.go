// Package rooms maps conversation ids to the live connections subscribed to them.
package rooms

import "sync"

// Manager keeps a forward index (room → connections) and a reverse index
// (connection → rooms) so a disconnect can release every binding at once.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join subscribes connID to room. It reports false when the binding already existed.
func (m *Manager) Join(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room][connID]; ok {
		return false
	}
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]struct{})
	}
	m.rooms[room][connID] = struct{}{}
	if m.conns[connID] == nil {
		m.conns[connID] = make(map[string]struct{})
	}
	m.conns[connID][room] = struct{}{}
	return true
}

// Leave unsubscribes connID from room. It reports false when there was nothing to remove.
func (m *Manager) Leave(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	m.unbind(connID, room)
	return true
}

// MembersOf returns a snapshot of the connections subscribed to room.
func (m *Manager) MembersOf(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[room]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for connID := range members {
		result = append(result, connID)
	}
	return result
}

// IsMember reports whether connID is subscribed to room.
func (m *Manager) IsMember(connID, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][connID]
	return ok
}

// RoomsOf returns a snapshot of the rooms connID is subscribed to.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	joined := m.conns[connID]
	if len(joined) == 0 {
		return nil
	}
	result := make([]string, 0, len(joined))
	for room := range joined {
		result = append(result, room)
	}
	return result
}

// DropConnection removes connID from every room and returns the rooms it left.
func (m *Manager) DropConnection(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	joined, ok := m.conns[connID]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(joined))
	for room := range joined {
		affected = append(affected, room)
		m.unbind(connID, room)
	}
	return affected
}

// Len returns the number of rooms with at least one member.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) unbind(connID, room string) {
	if members, ok := m.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	if joined, ok := m.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.conns, connID)
		}
	}
}
