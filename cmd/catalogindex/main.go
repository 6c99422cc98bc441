package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/livinlefevreloca/catalogindex/internal/api"
	"github.com/livinlefevreloca/catalogindex/internal/backfill"
	"github.com/livinlefevreloca/catalogindex/internal/config"
	"github.com/livinlefevreloca/catalogindex/internal/db"
	"github.com/livinlefevreloca/catalogindex/internal/ledger"
	"github.com/livinlefevreloca/catalogindex/internal/observe"
	"github.com/livinlefevreloca/catalogindex/internal/sapi"
	"github.com/livinlefevreloca/catalogindex/tools/migrator"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML or YAML)")
	runID := flag.String("run-id", "", "Resume this run instead of starting a new one")
	maxPages := flag.Int("max-pages", -1, "Stop after this many pages (0 = no limit, -1 = use config)")
	migrateOnly := flag.Bool("migrate-only", false, "Apply migrations and exit")
	serve := flag.Bool("serve", false, "Keep serving the HTTP API after the backfill")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "config_file", *configFile)
		os.Exit(1)
	}
	if *maxPages >= 0 {
		cfg.Backfill.MaxPages = *maxPages
	}
	if *serve {
		cfg.HTTP.Enabled = true
	}

	// Initialize structured logger
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("database configuration",
		"driver", cfg.Database.Driver,
		"migrations_dir", cfg.Database.MigrationsDir)

	// Open database connection with pool settings
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if !cfg.Database.SkipMigrations {
		if err := migrator.RunMigrations(database.DB, migrator.Source(cfg.Database.MigrationsDir)); err != nil {
			slog.Error("failed to run migrations", "error", err, "migrations_dir", cfg.Database.MigrationsDir)
			os.Exit(1)
		}

		version, err := migrator.GetCurrentVersion(database.DB)
		if err != nil {
			slog.Error("failed to get schema version", "error", err)
			os.Exit(1)
		}
		slog.Info("database schema ready", "version", version)
	} else {
		slog.Info("skipping migrations", "reason", "configured to skip")
	}

	if *migrateOnly {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Events go to the log and, when enabled, to Prometheus
	sinks := []observe.Sink{observe.NewLogSink(logger)}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics := observe.NewMetrics(cfg.Metrics.Namespace)
		sinks = append(sinks, metrics)
		metricsHandler = metrics.Handler()
	}
	sink := observe.Multi(sinks...)

	policy := cfg.SAPI.RetryPolicy()
	policy.OnRetry = func(ctx context.Context, attempt int, err error, wait time.Duration) {
		sink.Emit(ctx, observe.Event{
			Kind:    observe.KindFetchRetry,
			RunID:   observe.RunIDFromContext(ctx),
			Attempt: attempt,
			Wait:    wait,
			Err:     err,
		})
	}
	fetcher := sapi.WithRetry(sapi.NewClient(cfg.SAPI.ClientConfig(), logger), policy)

	worker := backfill.New(database, fetcher, backfill.WithSink(sink))

	base := cfg.Backfill.Query()
	scope := ledger.NewScope(cfg.Backfill.Country, cfg.Backfill.CatalogList(), base)
	opts := backfill.Options{
		MaxPages:      cfg.Backfill.MaxPages,
		ChunkSize:     cfg.Backfill.ChunkSize,
		MaxEmptyPages: cfg.Backfill.MaxEmptyPages,
		Endpoint:      cfg.SAPI.Endpoint,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		server := api.NewServer(database, metricsHandler, logger)
		addr := net.JoinHostPort(cfg.HTTP.Address, strconv.Itoa(cfg.HTTP.Port))
		g.Go(func() error {
			return server.ListenAndServe(gctx, addr)
		})
	}

	g.Go(func() error {
		slog.Info("starting backfill",
			"country", scope.Country,
			"catalogs", scope.CatalogsBundle,
			"fingerprint", scope.ParamsFingerprint,
			"run_id", *runID)

		id, err := worker.RunBackfill(gctx, scope, base, opts, *runID)
		fmt.Println(id)
		if err != nil {
			return fmt.Errorf("backfill run %s: %w", id, err)
		}

		if cfg.HTTP.Enabled {
			slog.Info("backfill finished, serving until interrupted", "run_id", id)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("catalogindex stopped with error", "error", err)
		database.Close()
		os.Exit(1)
	}

	slog.Info("shutting down gracefully")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
