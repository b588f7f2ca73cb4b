package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kal997/nt-notifier/internal/config"
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

	// Initialize storage
	store, err := storage.NewRedisStorage(cfg)
	if err != nil {
		zl.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			zl.Warn("failed to close store", zap.Error(err))
		}
	}()

	// Test storage connection
	if err := store.HealthCheck(context.Background()); err != nil {
		zl.Fatal("storage health check failed", zap.Error(err))
	}

	engine := notifier.New(
		notifier.WithLogger(zl.Named("notifier")),
		notifier.WithPollerCapacity(cfg.GetPollerCapacity()),
	)
	table := storage.NewTable(engine, storage.WithMirror(store), storage.WithTableLogger(zl.Named("table")))
	engine.Start()

	// Echo every local change, so the operator sees what was published
	echo := notifier.ListenerFunc(func(ev models.Event) error {
		zl.Info("published", zap.String("name", ev.Name), zap.Stringer("flags", ev.Flags), zap.Stringer("value", ev.Value))
		return nil
	})
	if _, err := engine.AddListener(echo, notifier.Prefix("/"), models.KindMask|models.NotifyLocal); err != nil {
		zl.Fatal("failed to add listener", zap.Error(err))
	}

	zl.Info("starting nt-publisher",
		zap.String("redis", cfg.GetRedisAddr()),
		zap.String("key_prefix", cfg.GetKeyPrefix()))

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

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			zl.Warn("failed to read commands", zap.Error(err))
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			cmd, err := models.ParseCommand(line)
			if err != nil {
				zl.Warn("invalid command", zap.String("line", line), zap.Error(err))
				continue
			}
			if cmd == nil {
				continue
			}
			if err := table.Apply(ctx, cmd); err != nil {
				zl.Warn("command failed", zap.Stringer("op", cmd.Op), zap.String("name", cmd.Name), zap.Error(err))
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil {
		zl.Warn("notifier did not stop cleanly", zap.Error(err))
	}
	zl.Info("shutting down")
}
