package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idot-digital/usersync/internal/config"
	"github.com/idot-digital/usersync/internal/dispatch"
	"github.com/idot-digital/usersync/internal/events"
	"github.com/idot-digital/usersync/internal/handlers"
	"github.com/idot-digital/usersync/internal/identity"
	"github.com/idot-digital/usersync/internal/logging"
	"github.com/idot-digital/usersync/internal/middleware"
	"github.com/idot-digital/usersync/internal/replay"
	"github.com/idot-digital/usersync/internal/server"
	"github.com/idot-digital/usersync/internal/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper()
			if err := v.BindPFlag("server.rest_port", cmd.Flags().Lookup("rest-port")); err != nil {
				return err
			}
			if err := v.BindPFlag("server.grpc_port", cmd.Flags().Lookup("grpc-port")); err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadFrom(v, path)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().Int("rest-port", 8080, "The REST server port")
	cmd.Flags().Int("grpc-port", 50051, "The gRPC server port")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("usersync"))

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", logging.Error(err))
		return err
	}

	// Initialize user store
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.DSN())
	if err != nil {
		log.Error("Failed to open user store", "driver", cfg.Database.Driver, logging.Error(err))
		return err
	}
	defer st.Close()

	opts := []dispatch.Option{dispatch.WithLogger(log)}

	if cfg.Identity.SecretKey != "" {
		opts = append(opts, dispatch.WithMetadataWriter(identity.NewClient(identity.Config{
			APIURL:    cfg.Identity.APIURL,
			SecretKey: cfg.Identity.SecretKey,
			Timeout:   cfg.Identity.Timeout,
		})))
	} else {
		log.Warn("Identity provider secret key not set, metadata write-back disabled")
	}

	if cfg.Replay.Enabled {
		guard, err := replay.NewRedisGuard(ctx, cfg.Replay.RedisURL, cfg.Replay.TTL)
		if err != nil {
			log.Error("Failed to connect replay guard", logging.Error(err))
			return err
		}
		defer guard.Close()
		opts = append(opts, dispatch.WithReplayGuard(guard))
	}

	if cfg.Events.Enabled {
		publisher, conn, err := events.Connect(events.NATSConfig{
			URL:           cfg.Events.NATSURL,
			Name:          cfg.Events.Name,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		})
		if err != nil {
			log.Error("Failed to connect event publisher", logging.Error(err))
			return err
		}
		defer conn.Drain()
		opts = append(opts, dispatch.WithPublisher(publisher))
	}

	d, err := dispatch.New(dispatch.Config{
		Secret:            cfg.Webhook.Secret,
		Tolerance:         cfg.Webhook.Tolerance,
		SideEffectTimeout: cfg.Webhook.SideEffectTimeout,
	}, st, opts...)
	if err != nil {
		log.Error("Failed to build dispatcher", logging.Error(err))
		return err
	}

	matcher, err := middleware.NewRouteMatcher(cfg.Session.ProtectedRoutes)
	if err != nil {
		return err
	}
	var sessions *middleware.SessionVerifier
	if cfg.Session.PublicKey != "" {
		sessions, err = middleware.NewSessionVerifier(cfg.Session.PublicKey, cfg.Session.Issuer, cfg.Session.Leeway)
		if err != nil {
			log.Error("Invalid session public key", logging.Error(err))
			return err
		}
	} else {
		log.Warn("Session public key not set, protected routes will reject every request")
	}

	srv := server.New(
		server.Options{
			RESTPort:        cfg.Server.RESTPort,
			GRPCPort:        cfg.Server.GRPCPort,
			AdminToken:      cfg.Server.AdminToken,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
		handlers.NewHTTPHandlers(d, st, log, cfg.Server.MaxBodyBytes),
		handlers.NewHealthReporter(st, log, 10*time.Second),
		matcher,
		sessions,
		log,
	)

	if err := srv.Run(ctx); err != nil {
		log.Error("Server stopped", logging.Error(err))
		return fmt.Errorf("server: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
