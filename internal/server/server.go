package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/idot-digital/usersync/internal/handlers"
	"github.com/idot-digital/usersync/internal/logging"
	"github.com/idot-digital/usersync/internal/middleware"
)

type Options struct {
	RESTPort        int
	GRPCPort        int
	AdminToken      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server runs the public REST listener and the admin gRPC listener.
type Server struct {
	opts       Options
	http       *handlers.HTTPHandlers
	health     *handlers.HealthReporter
	matcher    *middleware.RouteMatcher
	sessions   *middleware.SessionVerifier
	grpcServer *grpc.Server
	logger     *logging.Logger
}

// New wires the listeners. sessions may be nil, in which case every gated
// route answers 401.
func New(opts Options, h *handlers.HTTPHandlers, health *handlers.HealthReporter, matcher *middleware.RouteMatcher, sessions *middleware.SessionVerifier, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	// Create gRPC server with auth interceptors
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(middleware.AdminAuthInterceptor(opts.AdminToken)),
		grpc.StreamInterceptor(middleware.StreamAdminAuthInterceptor(opts.AdminToken)),
	)
	healthpb.RegisterHealthServer(grpcServer, health.Server)

	return &Server{
		opts:       opts,
		http:       h,
		health:     health,
		matcher:    matcher,
		sessions:   sessions,
		grpcServer: grpcServer,
		logger:     logger,
	}
}

// Handler returns the REST handler with every route and middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Add Prometheus metrics endpoint (no auth required)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/webhooks/clerk", middleware.Metrics(s.http.WebhookHandler, "webhook"))
	mux.HandleFunc("/api/users/me", middleware.Metrics(s.http.MeHandler, "get_me"))
	mux.HandleFunc("/healthz", middleware.Metrics(s.http.HealthHandler, "health"))

	return middleware.RequestID(middleware.Session(mux, s.matcher, s.sessions))
}

// GRPCServer exposes the admin server, mainly for in-process tests.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Run serves both listeners until ctx is cancelled or one of them fails,
// then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	restLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.RESTPort))
	if err != nil {
		return fmt.Errorf("failed to listen for REST: %w", err)
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.GRPCPort))
	if err != nil {
		restLis.Close()
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	return s.Serve(ctx, restLis, grpcLis)
}

// Serve is Run on pre-opened listeners.
func (s *Server) Serve(ctx context.Context, restLis, grpcLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("gRPC server listening", "address", grpcLis.Addr().String())
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("failed to serve gRPC: %w", err)
		}
	}()
	go func() {
		s.logger.Info("REST server listening", "address", restLis.Addr().String())
		if err := httpServer.Serve(restLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve REST: %w", err)
		}
	}()
	go s.health.Run(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	s.logger.Info("Shutting down servers")
	shutdownCtx, stop := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("REST shutdown failed", logging.Error(err))
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		s.grpcServer.Stop()
	}
	return runErr
}
