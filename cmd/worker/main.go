// Package main runs the poller and the alert dispatcher without the HTTP API.
// It needs a shared backend (STORAGE_BACKEND=postgres, REDIS_ENABLED=true) to
// cooperate with API-only server processes.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/position-monitor/internal/app"
	"github.com/position-monitor/internal/config"
	"github.com/position-monitor/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	if cfg.Database.Backend == config.BackendMemory {
		logger.Warn("Worker running on in-memory storage; it will not see state written by server processes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{Workers: true}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialise workers")
	}
	defer a.Close()

	logger.WithFields(map[string]interface{}{
		"pollInterval": cfg.Monitor.PollInterval.String(),
		"workers":      cfg.Monitor.Workers,
		"chains":       cfg.Chains.Enabled,
	}).Info("Workers started")

	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("Workers exited with error")
		a.Close()
		os.Exit(1)
	}

	status := a.Status()
	logger.WithFields(map[string]interface{}{
		"positionsTracked": status.PositionsTracked,
		"degraded":         status.Degraded,
	}).Info("All workers stopped")
}
