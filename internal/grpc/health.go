package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"conversation-service/internal/observability"
)

// ServiceName is the health-checked service name.
const ServiceName = "conversation.v1.ConversationService"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer exposes the gRPC health protocol. Status follows the store's reachability.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	store  Pinger
	log    zerolog.Logger
}

// NewHealthServer builds the server. store may be nil for the in-memory driver.
func NewHealthServer(store Pinger, log zerolog.Logger) *HealthServer {
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	h := &HealthServer{
		server: server,
		health: hs,
		store:  store,
		log:    log.With().Str("component", "grpc_health").Logger(),
	}
	h.setServing(true)
	return h
}

// Serve blocks until the listener fails or Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health listening")
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Watch re-checks the store every interval until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	if h.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check pings the store once and updates the serving status.
func (h *HealthServer) Check(ctx context.Context) bool {
	if h.store == nil {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := h.store.PingContext(pingCtx)
	if err != nil {
		h.log.Warn().Err(err).Msg("store unreachable")
	}
	h.setServing(err == nil)
	return err == nil
}

// Stop marks the service as not serving and drains in-flight calls.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

func (h *HealthServer) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}
