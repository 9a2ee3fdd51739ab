package api

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trend-core/internal/events"
)

// HealthService is the name reported through the gRPC health protocol.
const HealthService = "trend-core.Session"

// HealthServer exposes session liveness to orchestrators over gRPC. It goes
// NOT_SERVING once the kill switch fires or the session stops.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

func NewHealthServer(log zerolog.Logger) *HealthServer {
	h := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.With().Str("component", "grpc-health").Logger(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return h
}

// Watch flips the status from bus events until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, bus *events.Bus) {
	fired, unsubFired := bus.Subscribe(events.EventKillSwitchFired, 4)
	stopped, unsubStopped := bus.Subscribe(events.EventSessionStopped, 4)
	go func() {
		defer unsubFired()
		defer unsubStopped()
		for {
			select {
			case <-ctx.Done():
				return
			case <-fired:
				h.setNotServing("kill switch triggered")
			case <-stopped:
				h.setNotServing("session stopped")
			}
		}
	}()
}

func (h *HealthServer) setNotServing(reason string) {
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	h.log.Warn().Str("reason", reason).Msg("health NOT_SERVING")
}

// Check reports the current status of service.
func (h *HealthServer) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve blocks serving on lis.
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.grpc.Serve(lis)
}

func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
