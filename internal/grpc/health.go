package grpc

import (
	"context"
	"log"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"dm-service/internal/observability"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "dm.DirectMessages"

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// HealthServer serves grpc.health.v1 and keeps the status in step with a dependency check.
type HealthServer struct {
	server   *grpclib.Server
	health   *health.Server
	check    Checker
	interval time.Duration
}

func NewHealthServer(check Checker, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	server := grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &HealthServer{server: server, health: hs, check: check, interval: interval}
}

// Serve blocks serving on lis until Stop.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Watch runs the check every interval until ctx is done.
func (s *HealthServer) Watch(ctx context.Context) {
	s.refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *HealthServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, s.interval)
		err := s.check(checkCtx)
		cancel()
		if err != nil {
			log.Printf("health: check failed: %v", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
