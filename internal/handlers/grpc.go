package handlers

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/idot-digital/usersync/internal/logging"
	"github.com/idot-digital/usersync/internal/store"
)

// ServiceName is the name reported through the gRPC health service.
const ServiceName = "usersync"

// HealthReporter keeps the standard gRPC health service in step with the
// user store.
type HealthReporter struct {
	*health.Server
	store    store.Store
	logger   *logging.Logger
	interval time.Duration
}

func NewHealthReporter(st store.Store, logger *logging.Logger, interval time.Duration) *HealthReporter {
	if logger == nil {
		logger = logging.Discard()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthReporter{
		Server:   health.NewServer(),
		store:    st,
		logger:   logger,
		interval: interval,
	}
}

// Probe pings the store once and records the result.
func (h *HealthReporter) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(pingCtx); err != nil {
		h.logger.WarnContext(ctx, "User store unreachable", logging.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.SetServingStatus("", status)
	h.SetServingStatus(ServiceName, status)
	return status
}

// Run checks the store every interval until ctx is done, then marks the
// service as shutting down.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Probe(ctx)
	for {
		select {
		case <-ticker.C:
			h.Probe(ctx)
		case <-ctx.Done():
			h.Shutdown()
			return
		}
	}
}
