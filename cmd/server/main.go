// Package main provides the API server entry point for the position monitor.
// By default it also runs the poller and the alert dispatcher; set
// RUN_WORKERS=false when a separate worker process handles them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
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
	runWorkers := !strings.EqualFold(os.Getenv("RUN_WORKERS"), "false")
	logger.WithFields(map[string]interface{}{
		"backend": cfg.Database.Backend,
		"chains":  cfg.Chains.Enabled,
		"workers": runWorkers,
	}).Info("Position monitor starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{API: true, Workers: runWorkers}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialise position monitor")
	}
	defer a.Close()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started")

	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("Server exited with error")
		a.Close()
		os.Exit(1)
	}

	logger.Info("Server exited")
}
