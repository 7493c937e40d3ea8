package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_http_requests_total",
			Help: "Total number of HTTP requests processed by the dm service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dm_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_ws_events_total",
			Help: "Total number of websocket lifecycle and inbound events.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	messagesPersistedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_messages_persisted_total",
			Help: "Messages appended to the store.",
		},
	)
	persistenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_persistence_failures_total",
			Help: "Store operations that failed and suppressed fan-out.",
		},
		[]string{"operation"},
	)
	fanoutDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_fanout_deliveries_total",
			Help: "Frames queued to live connections, by target kind.",
		},
		[]string{"kind"},
	)
	fanoutDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_fanout_dropped_total",
			Help: "Connections dropped because their send buffer was full.",
		},
	)
	broadcastFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_broadcast_failures_total",
			Help: "Envelopes the broadcast bus failed to accept after a successful write.",
		},
	)
	presenceOnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_presence_online_users",
			Help: "Users holding at least one live connection on this process.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		messagesPersistedTotal,
		persistenceFailuresTotal,
		fanoutDeliveriesTotal,
		fanoutDroppedTotal,
		broadcastFailuresTotal,
		presenceOnlineUsers,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncMessagePersisted() {
	messagesPersistedTotal.Inc()
}

func IncPersistenceFailure(operation string) {
	persistenceFailuresTotal.WithLabelValues(operation).Inc()
}

func AddFanoutDeliveries(kind string, n int) {
	if n > 0 {
		fanoutDeliveriesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

func IncFanoutDropped() {
	fanoutDroppedTotal.Inc()
}

func IncBroadcastFailure() {
	broadcastFailuresTotal.Inc()
}

func SetPresenceOnline(n int) {
	presenceOnlineUsers.Set(float64(n))
}
