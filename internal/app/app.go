// Package app wires configuration into a running monitor: stores, chain
// readers, the monitor service, webhook ingestion, the poller, the alert
// dispatcher and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/position-monitor/internal/adapter"
	"github.com/position-monitor/internal/alert"
	"github.com/position-monitor/internal/api"
	"github.com/position-monitor/internal/circuitbreaker"
	"github.com/position-monitor/internal/config"
	"github.com/position-monitor/internal/ingest"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/risk"
	"github.com/position-monitor/internal/service"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
	"github.com/position-monitor/internal/worker"
)

// Options selects which parts of the process run.
type Options struct {
	// API serves HTTP, including webhook ingestion.
	API bool
	// Workers runs the poller and the alert dispatcher. A process without
	// workers leaves alerts pending in the store for a worker process.
	Workers bool
}

// App is a fully wired monitor.
type App struct {
	cfg    *config.Config
	opts   Options
	logger *logging.Logger

	Monitor    *service.Monitor
	Ingest     *ingest.Handler
	Poller     *worker.Poller
	Dispatcher *alert.Dispatcher
	Server     *api.Server

	closers []func()
}

// Build connects to the configured backends and constructs every component.
// Close releases whatever Build opened, even after a partial failure.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *logging.Logger) (*App, error) {
	a := &App{cfg: cfg, opts: opts, logger: logger}

	stores, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig)
	reader, err := adapter.NewReadersFromConfig(cfg.Chains, breakers, stores.redis, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create chain readers: %w", err)
	}
	a.closers = append(a.closers, reader.Close)

	status := service.NewStatusTracker(cfg.Webhook.Secret != "")
	status.SetDegradedHint(func() bool { return breakers.OpenCount() > 0 })

	a.Dispatcher = alert.NewDispatcher(alert.Config{
		QueueSize:     cfg.Alerts.QueueSize,
		MaxAttempts:   cfg.Alerts.MaxDeliveryAttempts,
		RetryInterval: cfg.Alerts.RetryInterval,
		Retention:     cfg.Alerts.Retention,
		Cooldowns: map[types.AlertKind]time.Duration{
			types.AlertOutOfRange:           cfg.Alerts.RangeCooldown,
			types.AlertBackInRange:          cfg.Alerts.RangeCooldown,
			types.AlertPriceMove:            cfg.Alerts.PriceMoveCooldown,
			types.AlertRebalanceRecommended: cfg.Alerts.RebalanceCooldown,
		},
		SummaryHourUTC: cfg.Alerts.SummaryHourUTC,
	}, alert.Deps{
		Alerts:      stores.alerts,
		Preferences: stores.prefs,
		Snapshots:   stores.snapshots,
		Channels:    a.channels(stores.prefs),
		Breakers:    breakers,
		Audit:       stores.audit,
		Logger:      logger,
	})

	var queue service.AlertQueue
	if opts.Workers {
		queue = a.Dispatcher
	}
	a.Monitor = service.NewMonitor(service.Deps{
		Snapshots:     stores.snapshots,
		Alerts:        stores.alerts,
		Wallets:       stores.wallets,
		Preferences:   stores.prefs,
		Invalidations: stores.invalidations,
		Reader:        reader,
		Evaluator: risk.NewEvaluator(risk.Config{
			PriceMovePercent:  cfg.Monitor.PriceMovePercent,
			PriceMoveCooldown: cfg.Monitor.PriceMoveCooldown,
			RebalanceAfter:    cfg.Monitor.RebalanceAfter,
		}),
		Queue:            queue,
		Status:           status,
		Logger:           logger,
		DivergenceWindow: cfg.Monitor.DivergenceWindow,
	})

	a.Ingest = ingest.NewHandler(ingest.Deps{
		Monitor:   a.Monitor,
		Snapshots: stores.snapshots,
		Wallets:   stores.wallets,
		Seen:      stores.seen,
		Secret:    cfg.Webhook.Secret,
		Logger:    logger,
	})

	a.Poller, err = worker.NewPoller(&worker.PollerConfig{
		Monitor:       a.Monitor,
		Snapshots:     stores.snapshots,
		Wallets:       stores.wallets,
		Invalidations: stores.invalidations,
		Reader:        reader,
		Logger:        logger,
		Interval:      cfg.Monitor.PollInterval,
		Staleness:     cfg.Monitor.StalenessThreshold,
		CycleDeadline: cfg.Monitor.CycleDeadline,
		Workers:       cfg.Monitor.Workers,
		FetchRetries:  cfg.Monitor.FetchRetries + 1,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	if err := a.Monitor.RecountTracked(ctx); err != nil {
		logger.WithError(err).Warn("Failed to count tracked positions at startup")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	a.Server = api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSecond,
		Burst:           cfg.RateLimit.Burst,
	}, api.ServerDeps{
		Monitor:  a.Monitor,
		Ingester: a.Ingest,
		Gatherer: reg,
		Health:   stores.health,
		Logger:   logger,
	})

	return a, nil
}

func (a *App) channels(prefs storage.PreferenceStore) []alert.Channel {
	chans := []alert.Channel{alert.NewWebhookChannel(a.cfg.Channels.WebhookTimeout, prefs)}
	if a.cfg.Channels.TelegramBotToken != "" {
		chans = append(chans, alert.NewTelegramChannel(
			a.cfg.Channels.TelegramBotToken,
			a.cfg.Channels.TelegramAPIURL,
			a.cfg.Channels.TelegramTimeout,
			prefs,
		))
	} else {
		a.logger.Warn("TELEGRAM_BOT_TOKEN not set, Telegram alerts disabled")
	}
	return chans
}

type storeSet struct {
	snapshots     storage.SnapshotStore
	alerts        storage.AlertStore
	prefs         storage.PreferenceStore
	wallets       storage.WalletStore
	invalidations storage.InvalidationSet
	seen          storage.SeenSet
	audit         alert.AuditSink
	redis         redis.Cmdable
	health        func(ctx context.Context) error
}

func (a *App) openStores(ctx context.Context) (*storeSet, error) {
	cfg := a.cfg.Database
	s := &storeSet{}

	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := storage.NewPostgresDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if cfg.Postgres.MigrationsPath != "" {
			if err := storage.RunMigrations(cfg.Postgres.DSN(), cfg.Postgres.MigrationsPath); err != nil {
				return nil, fmt.Errorf("failed to run Postgres migrations: %w", err)
			}
		}
		users := storage.NewPostgresUserStore(db)
		s.snapshots = storage.NewPostgresSnapshotStore(db)
		s.alerts = storage.NewPostgresAlertStore(db)
		s.prefs = users
		s.wallets = users
		s.health = db.Ping
		a.logger.Info("Using Postgres storage backend")
	default:
		s.snapshots = storage.NewMemorySnapshotStore()
		s.alerts = storage.NewMemoryAlertStore()
		s.prefs = storage.NewMemoryPreferenceStore()
		s.wallets = storage.NewMemoryWalletStore()
		a.logger.Warn("Using in-memory storage backend, state is lost on restart")
	}

	if cfg.Redis.Enabled {
		client, err := storage.NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		s.redis = client
		s.invalidations = storage.NewRedisInvalidationSet(client)
		s.seen = storage.NewRedisSeenSet(client, a.cfg.Webhook.DedupTTL)
		s.health = combineHealth(s.health, redisPing(client))
	} else {
		s.invalidations = storage.NewMemoryInvalidationSet()
		seen := storage.NewMemorySeenSet(a.cfg.Webhook.DedupTTL)
		a.closers = append(a.closers, seen.Close)
		s.seen = seen
	}

	if cfg.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(&cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.closers = append(a.closers, func() { _ = ch.Close() })
		s.audit = storage.NewAlertAuditRepository(ch)
		s.health = combineHealth(s.health, ch.Ping)
	}

	return s, nil
}

func redisPing(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}

func combineHealth(checks ...func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Run starts the selected components and blocks until ctx is cancelled or
// the HTTP server fails, then shuts everything down within the configured
// timeout.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.opts.Workers {
		if err := a.Dispatcher.Start(runCtx); err != nil {
			return err
		}
		if err := a.Poller.Start(runCtx); err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	if a.opts.API {
		go func() {
			if err := a.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case runErr = <-serverErr:
		a.logger.WithError(runErr).Error("HTTP server failed")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer stop()

	if a.opts.API {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("HTTP server forced to shut down")
		}
	}
	if a.opts.Workers {
		if err := a.Poller.Stop(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("Poller did not stop cleanly")
		}
		if err := a.Dispatcher.Stop(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("Dispatcher did not stop cleanly")
		}
	}
	cancel()
	return runErr
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Status is a convenience for callers that log the final state.
func (a *App) Status() models.MonitoringStatus {
	return a.Monitor.Status()
}
