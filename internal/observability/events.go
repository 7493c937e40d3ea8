package observability

import (
	"context"
	"time"
)

// Publisher is the sink for domain events; the rabbitmq package provides one.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Routing keys of the domain event stream.
const (
	RoutingWSEvents      = "ws_events.conversations"
	RoutingMessageEvents = "dm_events.messages"
	RoutingConvEvents    = "dm_events.conversations"
	RoutingFriendEvents  = "dm_events.friends"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends a best-effort event; it is a no-op until SetPublisher is called.
func PublishEvent(ctx context.Context, routingKey, eventType, eventName string, payload interface{}, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	envelope := EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
	err := defaultPublisher.Publish(ctx, routingKey, envelope, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
