package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagstaff/internal/config"
	"github.com/matt-riley/flagstaff/internal/core"
	"github.com/matt-riley/flagstaff/internal/metrics"
	"github.com/matt-riley/flagstaff/internal/middleware"
	"github.com/matt-riley/flagstaff/internal/repository"
	"github.com/matt-riley/flagstaff/internal/server"
	"github.com/matt-riley/flagstaff/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	healthCheckInterval   = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and gRPC health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe boots the server:
//  1. Init logging and tracing.
//  2. Connect to PostgreSQL and wire the service.
//  3. Optionally apply migrations.
//  4. Start the HTTP and gRPC listeners.
//  5. Wait for SIGINT/SIGTERM, then shut both down gracefully.
func runServe(ctx context.Context, cfg config.Config) error {
	log := commandLogger(cfg)

	shutdownTracer, err := tracing.Init(ctx, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.AutoMigrate {
		if err := runMigrations(a.pool); err != nil {
			return err
		}
	}

	m := a.metrics
	metrics.RegisterPoolMetrics(m.Registry, a.pool)

	notifications, err := a.repo.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	notifier := server.NewNotifier()
	go notifier.Run(notifications, invalidateEnvironments(a.environments, m))

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()

	apiHandler := server.NewHTTPHandler(a.svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxBodyBytes(cfg.MaxJSONBodySize),
		server.WithEventBatchSize(cfg.EventBatchSize),
		server.WithNotifier(notifier),
		server.WithStreamObserver(m.StreamOpened),
	)
	httpHandler := newHTTPHandler(apiHandler, server.HealthHandler(a.pool), m.Handler(),
		middleware.NewAPIKeyValidator(a.repo),
		middleware.WithRateLimiter(limiter),
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(m.HTTPMiddleware(middleware.HTTPRequestLogging(log)(httpHandler)), "flagstaff-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer, healthServer := server.NewGRPCServer(log, m)
	go server.WatchHealth(ctx, healthServer, a.pool, healthCheckInterval, log)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr, "version", version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// newHTTPHandler puts the admin API behind bearer auth and leaves health and
// metrics open.
func newHTTPHandler(apiHandler, health, metricsHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protected := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(metrics.Routed(apiHandler))

	mux := http.NewServeMux()
	mux.Handle(server.APIPrefix+"/", protected)
	mux.Handle("GET /healthz", health)
	mux.Handle("GET /metrics", metricsHandler)
	return metrics.Routed(mux)
}

type cacheInvalidator interface {
	Invalidate()
}

type invalidationCounter interface {
	IncEnvironmentCacheInvalidations()
}

// invalidateEnvironments drops cached environments when any server records
// an environment or project change.
func invalidateEnvironments(cache cacheInvalidator, counter invalidationCounter) func(repository.EventNotification) {
	return func(n repository.EventNotification) {
		switch n.Type {
		case core.EventEnvironmentCreated, core.EventProjectCreated, core.EventProjectEnvironmentAdded:
			cache.Invalidate()
			counter.IncEnvironmentCacheInvalidations()
			slog.Debug("environment cache invalidated", "event_id", n.ID, "type", n.Type)
		}
	}
}
