package grpc

import (
	"context"
	"time"

	"github.com/krobus00/kis-gateway/internal/constant"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultHealthPollInterval = 2 * time.Second

type ConnectionSource interface {
	IsConnected() bool
}

// HealthServer exposes grpc.health.v1 where the gateway service is SERVING
// only while the streaming connection is open.
type HealthServer struct {
	server *health.Server
	source ConnectionSource
}

func NewHealthServer(source ConnectionSource) *HealthServer {
	h := &HealthServer{server: health.NewServer(), source: source}
	h.server.SetServingStatus(constant.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Sync copies the current connection state into the health status.
func (h *HealthServer) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.source.IsConnected() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(constant.HealthServiceName, status)
	return status
}

// Run polls the connection state until ctx is done, then marks every
// service NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := h.Sync()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			if status := h.Sync(); status != last {
				logrus.WithField("status", status.String()).Info("grpc health status changed")
				last = status
			}
		}
	}
}
