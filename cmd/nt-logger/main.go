package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kal997/nt-notifier/internal/config"
	"github.com/kal997/nt-notifier/internal/keyspace"
	"github.com/kal997/nt-notifier/internal/logger"
	"github.com/kal997/nt-notifier/internal/models"
	"github.com/kal997/nt-notifier/internal/notifier"
	"github.com/kal997/nt-notifier/internal/storage"
)

func main() {

	if value, ok := os.LookupEnv("ENV"); ok && value == "prod" {
		// In Docker/Compose, rely only on provided env vars
	} else {
		// Local dev: force load .env
		if err := godotenv.Overload(); err != nil {
			log.Fatalf("Could not load .env: %v", err)
		}
	}
	// Load configuration into config
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl, err := logger.New(cfg.GetLogLevel())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	level, _ := logger.ParseLevel(cfg.GetLogLevel())

	// Initialize file logger
	fileLogger, err := logger.NewFileLogger(cfg.GetLogFile(), level)
	if err != nil {
		zl.Fatal("failed to initialize file logger", zap.Error(err))
	}
	defer fileLogger.Close()

	// Storage is only read back here; writes come from publishers
	store, err := storage.NewRedisStorage(cfg)
	if err != nil {
		zl.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	watcher, err := keyspace.NewRedisWatcher(cfg.GetRedisAddr(), zl.Named("keyspace"))
	if err != nil {
		zl.Fatal("failed to initialize keyspace watcher", zap.Error(err))
	}
	defer watcher.Close()

	if err := watcher.HealthCheck(context.Background()); err != nil {
		zl.Fatal("keyspace watcher health check failed", zap.Error(err))
	}
	if err := watcher.EnableNotifications(context.Background()); err != nil {
		zl.Warn("keyspace notifications must be enabled on the server", zap.Error(err))
	}

	var table *storage.Table
	engine := notifier.New(
		notifier.WithLogger(zl.Named("notifier")),
		notifier.WithPollerCapacity(cfg.GetPollerCapacity()),
		notifier.WithImmediateSnapshot(cfg.IsImmediateSnapshotEnabled()),
		notifier.WithSnapshotter(notifier.SnapshotterFunc(func(fn func([]models.Entry)) { table.Snapshot(fn) })),
	)
	table = storage.NewTable(engine, storage.WithTableLogger(zl.Named("table")))
	engine.Start()

	poller := engine.CreatePoller()
	if _, err := engine.AddPolled(poller, notifier.Prefix(cfg.GetWatchPrefix()), models.KindMask|models.NotifyImmediate); err != nil {
		zl.Fatal("failed to subscribe", zap.Error(err))
	}

	zl.Info("starting nt-logger",
		zap.String("redis", cfg.GetRedisAddr()),
		zap.String("watch_prefix", cfg.GetWatchPrefix()),
		zap.String("log_file", cfg.GetLogFile()))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		zl.Info("received shutdown signal, stopping")
		cancel()
	}()

	// Subscribe to Redis keyspace notifications
	events, err := watcher.Subscribe(ctx, []string{store.KeyFor(cfg.GetWatchPrefix()) + "*"})
	if err != nil {
		zl.Fatal("failed to subscribe to notifications", zap.Error(err))
	}

	bridge := keyspace.NewBridge(store, table, zl.Named("bridge"))
	go func() {
		if err := bridge.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			zl.Warn("bridge stopped", zap.Error(err))
		}
		// a closed event channel means the subscription is gone
		cancel()
	}()

	go func() {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := engine.Stop(stopCtx); err != nil {
			zl.Warn("notifier did not stop cleanly", zap.Error(err))
		}
	}()

	zl.Info("listening for entry notifications")

	for {
		batch, status, err := engine.Poll(poller, cfg.GetPollTimeout())
		if err != nil {
			if errors.Is(err, notifier.ErrInvalidHandle) && ctx.Err() != nil {
				// Stop already tore the poller down
				zl.Info("shutting down")
				return
			}
			zl.Error("poll failed", zap.Error(err))
			return
		}

		switch status {
		case notifier.PollDestroyed:
			zl.Info("shutting down")
			return
		case notifier.PollTimedOut:
			continue
		}

		for _, ev := range batch {
			if err := fileLogger.LogEvent(ctx, ev); err != nil {
				zl.Warn("failed to log event", zap.Error(err))
			} else if cfg.IsDebugEnabled() {
				zl.Debug("logged", zap.Stringer("event", ev))
			}
		}
	}
}
