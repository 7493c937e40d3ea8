package ws

import (
	"testing"

	"dm-service/internal/bus"
	"dm-service/internal/models"
	"dm-service/internal/rooms"
)

func testClient(id, userID string, buffer int) *Client {
	return newClient(nil, ConnInfo{ConnID: id, UserID: userID}, buffer)
}

func envelope(t *testing.T, kind bus.Kind, key string) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(kind, key, models.Event{Name: "ping", Data: key})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub(rooms.NewManager())
	c := testClient("c1", "u1", 4)

	hub.Register(c)
	if hub.Count() != 1 {
		t.Fatalf("expected one client")
	}
	if !hub.Unregister(c) {
		t.Fatalf("expected first unregister to succeed")
	}
	if hub.Unregister(c) {
		t.Fatalf("expected second unregister to report false")
	}
	if len(hub.byUser) != 0 {
		t.Fatalf("expected user index to be empty")
	}
}

func TestHubDeliverRoomResolvesMembersAtDelivery(t *testing.T) {
	roomManager := rooms.NewManager()
	hub := NewHub(roomManager)
	a, b := testClient("a", "ua", 4), testClient("b", "ub", 4)
	hub.Register(a)
	hub.Register(b)
	roomManager.Join("a", "r1")

	env := envelope(t, bus.KindRoom, "r1")
	roomManager.Join("b", "r1")

	if n := hub.Deliver(env); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	env.Except = "a"
	if n := hub.Deliver(env); n != 1 {
		t.Fatalf("expected 1 delivery with exclusion, got %d", n)
	}
	if len(a.send) != 1 || len(b.send) != 2 {
		t.Fatalf("unexpected queue lengths a=%d b=%d", len(a.send), len(b.send))
	}
}

func TestHubDeliverUserAndAll(t *testing.T) {
	hub := NewHub(rooms.NewManager())
	tab1, tab2, other := testClient("t1", "u1", 4), testClient("t2", "u1", 4), testClient("o", "u2", 4)
	anon := testClient("anon", "", 4)
	for _, c := range []*Client{tab1, tab2, other, anon} {
		hub.Register(c)
	}

	if n := hub.Deliver(envelope(t, bus.KindUser, "u1")); n != 2 {
		t.Fatalf("expected both tabs, got %d", n)
	}
	if n := hub.Deliver(envelope(t, bus.KindAll, "")); n != 4 {
		t.Fatalf("expected every connection, got %d", n)
	}
	if n := hub.Deliver(envelope(t, bus.KindUser, "")); n != 0 {
		t.Fatalf("anonymous connections have no user channel, got %d", n)
	}
}

func TestHubDropsSlowConsumer(t *testing.T) {
	roomManager := rooms.NewManager()
	hub := NewHub(roomManager)
	slow, fast := testClient("slow", "u1", 1), testClient("fast", "u2", 8)
	hub.Register(slow)
	hub.Register(fast)
	roomManager.Join("slow", "r1")
	roomManager.Join("fast", "r1")

	hub.Deliver(envelope(t, bus.KindRoom, "r1"))
	hub.Deliver(envelope(t, bus.KindRoom, "r1"))

	select {
	case <-slow.Done():
	default:
		t.Fatalf("expected slow client to be closed")
	}
	if len(fast.send) != 2 {
		t.Fatalf("fast client should keep receiving, got %d", len(fast.send))
	}
	if n := hub.Deliver(envelope(t, bus.KindRoom, "r1")); n != 1 {
		t.Fatalf("closed client must not count as delivered, got %d", n)
	}
}
