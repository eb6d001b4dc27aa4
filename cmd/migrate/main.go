// Package main applies database schema migrations.
//
//	migrate -db postgres -action up|down|version
//	migrate -db clickhouse            (up only)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/position-monitor/internal/config"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/storage"
)

const clickHouseMigrations = "migrations/clickhouse"

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "postgres", "Database type: postgres, clickhouse")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format)).
		WithFields(map[string]interface{}{"db": *dbType, "action": *action})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	switch *dbType {
	case "postgres":
		err = migratePostgres(cfg.Database.Postgres, *action, logger)
	case "clickhouse":
		err = migrateClickHouse(ctx, &cfg.Database.ClickHouse, *action)
	default:
		err = fmt.Errorf("unknown database type: %s", *dbType)
	}
	if err != nil {
		logger.WithError(err).Error("Migration failed")
		stop()
		os.Exit(1)
	}
}

func migratePostgres(cfg config.PostgresConfig, action string, logger *logging.Logger) error {
	mg, err := storage.NewMigrator(cfg.DSN(), cfg.MigrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.WithError(err).Warn("Error closing migrator")
		}
	}()

	switch action {
	case "up":
		if err := mg.Up(); err != nil {
			return err
		}
	case "down":
		if err := mg.Down(); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	}).Info("Postgres schema version")
	return nil
}

func migrateClickHouse(ctx context.Context, cfg *config.ClickHouseConfig, action string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}

	db, err := storage.NewClickHouseDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := storage.RunClickHouseMigrations(ctx, db, clickHouseMigrations); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("ClickHouse migrations applied")
	return nil
}
