// Package main is the flagstaff server binary.
//
// Commands:
//
//	serve           run the admin API (HTTP) and the gRPC health endpoint
//	migrate         apply database migrations
//	import FILE     apply a YAML state file
//	apikey ...      create, list and revoke API keys
//
// Configuration comes from flagstaff.yaml and the environment; see package
// config.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagstaff/internal/config"
	"github.com/matt-riley/flagstaff/internal/contract"
	"github.com/matt-riley/flagstaff/internal/events"
	"github.com/matt-riley/flagstaff/internal/logging"
	"github.com/matt-riley/flagstaff/internal/metrics"
	"github.com/matt-riley/flagstaff/internal/repository"
	"github.com/matt-riley/flagstaff/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flagstaff",
		Short:         "Feature toggle and strategy lifecycle server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newImportCmd(),
		newAPIKeyCmd(),
	)
	return root
}

// loadConfig reads the --config flag and loads configuration. The flag is
// persistent on the root, so it is looked up through cmd.Flag, which also
// searches inherited flags before they are merged at parse time.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var path string
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app is the wired persistence, event and service graph shared by the
// commands that mutate state.
type app struct {
	log          *slog.Logger
	metrics      *metrics.Metrics
	pool         *pgxpool.Pool
	repo         *repository.PostgresRepository
	environments *repository.CachedEnvironmentStore
	emitter      *events.Emitter
	svc          *service.Service
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	a := &app{log: log, metrics: metrics.New(), pool: pool}
	a.repo = repository.NewPostgresRepository(pool)

	a.environments, err = repository.NewCachedEnvironmentStore(a.repo, cfg.EnvironmentCacheTTL)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.emitter, err = events.NewEmitter(a.repo,
		events.WithLogger(log),
		events.WithRecorder(a.metrics),
		events.WithPoolSize(cfg.EventListenerPoolSize),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init emitter: %w", err)
	}
	if cfg.EventHookURL != "" {
		hookClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: eventHookTimeout}
		a.emitter.Subscribe(events.NewWebhook(cfg.EventHookURL, hookClient, log))
	}

	validator, err := contract.New(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load contract: %w", err)
	}

	a.svc, err = service.New(service.Stores{
		Features:            a.repo,
		FeatureEnvironments: a.repo,
		Strategies:          a.repo,
		Environments:        a.environments,
		Projects:            a.repo,
		Tags:                a.repo,
	}, a.emitter,
		service.WithLogger(log),
		service.WithValidator(validator),
		service.WithMutationRecorder(a.metrics),
		service.WithEnvironmentEnableOverrides(cfg.EnvironmentEnableOverrides),
		service.WithConstraintValuesLimit(cfg.ConstraintValuesLimit),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init service: %w", err)
	}
	return a, nil
}

// Close waits for in-flight event listeners and releases the pool.
func (a *app) Close() {
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			a.log.Error("emitter close error", "error", err)
		}
	}
	if a.environments != nil {
		a.environments.Close()
	}
	a.pool.Close()
}

func commandLogger(cfg config.Config) *slog.Logger {
	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)
	return log
}

const (
	commandTimeout   = 5 * time.Minute
	eventHookTimeout = 5 * time.Second
)
