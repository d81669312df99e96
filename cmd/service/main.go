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
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"commit-notifier/internal/api"
	"commit-notifier/internal/config"
	"commit-notifier/internal/database"
	"commit-notifier/internal/events"
	"commit-notifier/internal/formatter"
	"commit-notifier/internal/github"
	"commit-notifier/internal/metrics"
	"commit-notifier/internal/notification"
	"commit-notifier/internal/retention"
	"commit-notifier/internal/retry"
	"commit-notifier/internal/scheduler"
	"commit-notifier/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	if cfg.LogFormat == "text" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	}
	logger.Info("Configuration loaded successfully", "app_env", cfg.AppEnv, "scheduler_enabled", cfg.SchedulerEnabled())

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := database.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.MigrationsPath, cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	store := database.NewStore(dbpool)

	// 5. Initialize external clients
	ghClient, err := github.NewClient(cfg.GithubToken, cfg.GithubBaseURL, logger.With("component", "github"))
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	// sink stays a nil interface without credentials; the scheduler then stays idle
	// and on-demand sends report that notifications are not configured.
	var sink scheduler.Sink
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.TelegramBotToken,
			ChatID:      cfg.TelegramChatID,
			APIURL:      cfg.TelegramAPIURL,
			RatePerSec:  cfg.TelegramRatePerSec,
			SendTimeout: cfg.TelegramSendTimeout,
		}, logger.With("component", "telegram"))
		if err != nil {
			return fmt.Errorf("failed to create telegram sink: %w", err)
		}
		sink = tg
	} else {
		logger.Warn("Telegram credentials not set, notifications are disabled")
	}

	publisher, err := events.New(events.Config{
		Driver:       cfg.EventsDriver,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		AMQPURL:      cfg.AMQPURL,
		AMQPExchange: cfg.AMQPExchange,
	}, logger.With("component", "events"))
	if err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Failed to close event publisher", "error", err)
		}
	}()

	// 6. Initialize application components
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	format := formatter.Options{Mode: formatter.Mode(cfg.NotifyFormat)}
	sched := scheduler.New(scheduler.Config{
		Enabled: cfg.SchedulerEnabled(),
		Credentials: scheduler.Credentials{
			GithubToken:      cfg.GithubToken,
			TelegramBotToken: cfg.TelegramBotToken,
			TelegramChatID:   cfg.TelegramChatID,
		},
		PollingInterval: cfg.PollingInterval(),
		StopTimeout:     cfg.StopTimeout,
		MaxCommits:      cfg.MaxCommitsPerCheck,
		Retry: retry.Policy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		},
		Format:          format,
		NotifyOnFailure: cfg.NotifyOnFailure,
	}, scheduler.Deps{
		Store:     store,
		Locker:    database.NewAdvisoryLock(dbpool, database.SchedulerLockName),
		Source:    ghClient,
		Sink:      sink,
		Publisher: publisher,
	}, logger, m)

	notifier := notification.NewService(store, ghClient, sink, cfg.TestCommitCount, format, logger)

	cleanup, err := retention.New(store, cfg.LedgerRetention(), cfg.LedgerCleanupSpec, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create ledger cleanup job: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Store:     store,
			Scheduler: sched,
			Quota:     ghClient,
			Notifier:  notifier,
			Gatherer:  registry,
			Metrics:   m,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 7. Run everything until a shutdown signal or a fatal server error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	g.Go(func() error {
		cleanup.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping components")

		// The scheduler goes first so an in-flight cycle can finish its sends.
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		select {
		case <-cleanup.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("Ledger cleanup still running at shutdown")
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Application stopped")
	return err
}

func runMigrations(sourceURL, dbURL string) error {
	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
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
