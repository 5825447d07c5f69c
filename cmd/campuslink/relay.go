// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/campuslink/campuslink/internal/backplane"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/dispatch"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/observability"
	"github.com/campuslink/campuslink/internal/ws"
)

// NewRelayCmd creates the relay subcommand.
func NewRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the realtime relay",
		Long: `Start the relay process which accepts websocket clients, fans out
chat messages, posts and notifications, and serves the notification bridge
for the request handling process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(configFile), cmd.Flags())
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelayWithDeps(ctx, cfg, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

// runRelayWithDeps runs the relay until ctx is done or a listener fails.
// If deps is nil, default implementations are used.
func runRelayWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *RelayDeps) error {
	deps = deps.withDefaults()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger := logging.SetDefault(logging.Options{
		Service:  "campuslink",
		Version:  version,
		Instance: instanceID,
		Format:   cfg.Log.Format,
		Level:    cfg.Log.Level,
		Output:   cmd.ErrOrStderr(),
	})
	logger.Info("starting relay", "addr", cfg.Relay.Addr, "path", cfg.Relay.Path)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var messageStore MessageStore
	if cfg.Database.URL != "" {
		s, err := deps.MessageStoreFactory(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer s.Close()
		messageStore = s
		logger.Info("connected to database")
	} else {
		logger.Warn("no database configured, group messages will be rejected")
	}

	var obsServer ObservabilityServer
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, readinessCheck(ctx, messageStore))
		metrics = obsServer.Metrics()
	}

	bus := deps.BackplaneOpener(ctx, backplane.Options{
		URL:             cfg.Backplane.URL,
		Channel:         cfg.Backplane.Channel,
		ConnectAttempts: cfg.Backplane.ConnectAttempts,
		Metrics:         metrics,
	}, logger)
	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Warn("error closing backplane", "error", err)
			}
		}()
	}

	opts := []core.RelayOption{
		core.WithInstanceID(instanceID),
		core.WithBackplane(bus),
		core.WithMetrics(metrics),
		core.WithLogger(logger),
	}
	if messageStore != nil {
		opts = append(opts, core.WithStore(messageStore))
	}
	relay := core.NewRelay(core.NewRegistry(), core.NewRooms(), opts...)

	wsHandler, err := ws.NewHandler(relay, ws.Config{
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		SendBuffer:     cfg.Relay.SendBuffer,
		RateLimit: ws.RateLimitConfig{
			Burst: cfg.Relay.RateLimit.Burst,
			Rate:  cfg.Relay.RateLimit.Rate,
		},
	}, ws.WithMetrics(metrics), ws.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("invalid relay configuration: %w", err)
	}
	dispatchHandler := dispatch.NewHandler(relay,
		dispatch.WithToken(cfg.Dispatch.Token),
		dispatch.WithHandlerMetrics(metrics),
		dispatch.WithHandlerLogger(logger),
	)

	relayMux := http.NewServeMux()
	relayMux.Handle(cfg.Relay.Path, wsHandler)
	relayMux.Handle("/healthz", wsHandler.HealthHandler())

	errChan := make(chan error, 4)
	var servers []*http.Server

	if cfg.Dispatch.Addr == "" {
		dispatchHandler.Register(relayMux)
	} else {
		dispatchMux := http.NewServeMux()
		dispatchHandler.Register(dispatchMux)
		srv, addr, err := serve(deps, cfg.Dispatch.Addr, dispatchMux, errChan)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Dispatch.Addr, err)
		}
		servers = append(servers, srv)
		logger.Info("notification bridge listening", "addr", addr)
	}

	relaySrv, relayAddr, err := serve(deps, cfg.Relay.Addr, relayMux, errChan)
	if err != nil {
		shutdownServers(servers, logger)
		return fmt.Errorf("failed to listen on %s: %w", cfg.Relay.Addr, err)
	}
	servers = append(servers, relaySrv)

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			shutdownServers(servers, logger)
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	// Backplane failures degrade to single instance inside Run; they never
	// stop the process.
	go relay.Run(ctx)

	cmd.Println("Relay started")
	logger.Info("relay ready", "addr", relayAddr, "instance_id", instanceID)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errChan:
		logger.Error("relay failed, shutting down", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connections did not close before the deadline", "error", err)
	}
	shutdownServers(servers, logger)
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
	cancel()

	logger.Info("shutdown complete")
	return runErr
}

// serve starts an HTTP server on addr and reports serve failures on errChan.
func serve(deps *RelayDeps, addr string, handler http.Handler, errChan chan<- error) (*http.Server, string, error) {
	listener, err := deps.ListenerFactory("tcp", addr)
	if err != nil {
		return nil, "", err //nolint:wrapcheck // wrapped by caller
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server on %s failed: %w", addr, err)
		}
	}()
	return srv, listenerAddr(listener), nil
}

func listenerAddr(l net.Listener) string {
	if l.Addr() == nil {
		return ""
	}
	return l.Addr().String()
}

func shutdownServers(servers []*http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("error stopping http server", "error", err)
		}
	}
}

// readinessCheck reports ready while the message store, if any, answers.
func readinessCheck(ctx context.Context, s MessageStore) observability.ReadinessChecker {
	return func() bool {
		if s == nil {
			return true
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return s.Ping(pingCtx) == nil
	}
}

// monitorServerErrors cancels ctx when a background server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
