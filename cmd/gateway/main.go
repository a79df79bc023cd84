package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenderwave/gateway/internal/server"
	"github.com/tenderwave/gateway/pkg/config"
	"github.com/tenderwave/gateway/pkg/coord"
	"github.com/tenderwave/gateway/pkg/logging"
)

func main() {
	logger := logging.New(logging.Level(os.Getenv("GATEWAY_LOG_LEVEL")))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store coord.Store
	if cfg.Redis.URL != "" {
		redisStore, err := coord.NewRedisStore(ctx, cfg.Redis.URL, logger)
		if err != nil {
			logger.Error("Failed to connect to coordination store", slog.Any("error", err))
			os.Exit(1)
		}
		store = redisStore
	} else {
		// Single-instance mode: no cross-instance fan-out, limits and
		// sessions are local to this process.
		logger.Warn("No redis url configured; using in-process coordination store")
		store = coord.NewMemoryStore()
	}
	defer store.Close()

	app := server.NewApp(ctx, logger, cfg, store)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
