package grpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const ServiceName = "physia.scheduling"

type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer reports SERVING while the database answers pings.
type HealthServer struct {
	*health.Server

	db  Pinger
	log zerolog.Logger
}

func NewHealthServer(db Pinger, log zerolog.Logger) *HealthServer {
	h := &HealthServer{
		Server: health.NewServer(),
		db:     db,
		log:    log.With().Str("component", "grpc_health").Logger(),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", status)
	h.SetServingStatus(ServiceName, status)
}

// CheckDatabase pings the database once and records the result.
func (h *HealthServer) CheckDatabase(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.db.PingContext(ctx); err != nil {
		h.log.Warn().Err(err).Msg("database ping failed")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.set(status)
	return status
}

// Watch re-checks the database every interval until ctx is done, then marks
// the server NOT_SERVING for the rest of shutdown.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.CheckDatabase(ctx)
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.CheckDatabase(ctx)
		}
	}
}

// NewServer builds the gRPC server exposing grpc.health.v1.Health.
func NewServer(h *HealthServer, requestTimeout time.Duration) *grpc.Server {
	s := grpc.NewServer(
		grpc.UnaryInterceptor(DefaultRequestTimeoutInterceptor(requestTimeout)),
	)
	healthpb.RegisterHealthServer(s, h.Server)
	return s
}

func DefaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}
