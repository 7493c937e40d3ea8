package ws

import (
	"context"
	"time"

	"dm-service/internal/observability"
)

// publishLifecycle records a connect, disconnect or error event for info.
func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event)
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, "ws_events", event, map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
