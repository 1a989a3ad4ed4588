// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github-ingest/internal/api"
	"github-ingest/internal/config"
	"github-ingest/internal/github"
	"github-ingest/internal/pipeline"
	"github-ingest/internal/progress"
	"github-ingest/internal/store"
	"github-ingest/internal/syncer"
	"github-ingest/internal/webhook"
)

const (
	eventBuffer     = 64
	shutdownTimeout = 15 * time.Second
	cleanupInterval = time.Hour
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	if config.WatchConfig(func(c *config.Config) {
		setLogLevel(c.LogLevel, logLevel)
		logger.Info("Configuration reloaded", "log_level", c.LogLevel)
	}, func(err error) {
		logger.Warn("Ignoring invalid configuration reload", "error", err)
	}) {
		logger.Info("Watching configuration file for changes")
	}

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize storage and run migrations
	if isPostgres(cfg.DBURL) {
		if err := runMigrations(cfg.DBURL); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
		logger.Info("Database migrations applied successfully")
	}
	st, err := store.New(ctx, cfg.DBURL, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	logger.Info("Store ready")

	// 5. Progress events
	events := progress.NewBroadcaster(eventBuffer, logger)
	if cfg.AMQPURL != "" {
		sink, err := progress.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event sink: %w", err)
		}
		defer sink.Close()
		go events.Forward(ctx, sink)
	}

	// 6. Initialize application components
	ghClient, err := github.NewClient(github.Config{
		Token:             cfg.GithubToken,
		BaseURL:           cfg.GithubBaseURL,
		CacheTTL:          cfg.CacheTTL,
		CacheMaxEntries:   cfg.CacheMaxEntries,
		MaxAttempts:       cfg.APIMaxAttempts,
		BackoffBase:       cfg.APIBackoffBase,
		BackoffFactor:     cfg.APIBackoffFactor,
		BackoffMax:        cfg.APIBackoffMax,
		ResetBuffer:       cfg.APIResetBuffer,
		RequestsPerSecond: cfg.APIRequestsPerSecond,
		Burst:             cfg.APIBurst,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	jobs := pipeline.New(pipeline.Config{
		Workers:    cfg.JobWorkers,
		MaxRetries: cfg.JobMaxRetries,
		RetryBase:  cfg.JobRetryBase,
	}, st, events, logger)

	appSyncer, err := syncer.NewSyncer(ghClient, st, events, logger, syncer.Config{
		Owner:        cfg.GithubOwner,
		OwnerType:    cfg.GithubOwnerType,
		Repositories: cfg.ReposToSync,
		Concurrency:  cfg.SyncConcurrency,
		Lookback:     cfg.SyncLookback,
		SourceTag:    cfg.SyncSourceTag,
		Interval:     cfg.SyncInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}
	if err := appSyncer.RegisterJobs(jobs); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer jobs.Stop()

	// 7. Start the scheduler and job cleanup in separate goroutines
	go appSyncer.Start(ctx, jobs)
	go cleanupJobs(ctx, jobs, cfg.JobRetention, logger)

	// 8. Serve HTTP
	router := api.NewRouter(api.Deps{
		Pipeline:     jobs,
		RateLimits:   ghClient,
		Webhook:      webhook.NewHandler(cfg.WebhookSecret, st, events, logger),
		Events:       events,
		SSEKeepAlive: cfg.SSEKeepAlive,
		JWTSecret:    cfg.AdminJWTSecret,
		JobRetention: cfg.JobRetention,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 9. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}

func cleanupJobs(ctx context.Context, jobs *pipeline.Pipeline, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := jobs.Cleanup(ctx, retention)
			if err != nil {
				logger.Error("Job cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Removed completed jobs", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
