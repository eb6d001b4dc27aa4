// Package worker runs the periodic chain poll that backs up webhook ingestion.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/position-monitor/internal/adapter"
	"github.com/position-monitor/internal/circuitbreaker"
	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/ratelimit"
	"github.com/position-monitor/internal/retry"
	"github.com/position-monitor/internal/service"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
)

// Poller re-reads stale and invalidated positions from chain on a fixed
// cadence.
type Poller struct {
	monitor       *service.Monitor
	snapshots     storage.SnapshotStore
	wallets       storage.WalletStore
	invalidations storage.InvalidationSet
	reader        adapter.ChainReader
	logger        *logging.Logger

	interval      time.Duration
	staleness     time.Duration
	cycleDeadline time.Duration
	workers       int
	fetchRetry    retry.Config

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastCycle *CycleResult
	now       func() time.Time
}

// PollerConfig holds configuration for a Poller.
type PollerConfig struct {
	Monitor       *service.Monitor
	Snapshots     storage.SnapshotStore
	Wallets       storage.WalletStore
	Invalidations storage.InvalidationSet
	Reader        adapter.ChainReader
	Logger        *logging.Logger

	Interval      time.Duration // default 60s
	Staleness     time.Duration // default 2m
	CycleDeadline time.Duration // default 45s
	Workers       int           // default 8
	FetchRetries  int           // attempts per position per cycle, default 3
	RetryDelay    time.Duration // default 200ms
}

// CycleResult summarises one poll cycle.
type CycleResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Refreshed int           `json:"refreshed"`
	Failed    int           `json:"failed"`
	Abandoned int           `json:"abandoned"`
}

// NewPoller creates a Poller.
func NewPoller(cfg *PollerConfig) (*Poller, error) {
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store cannot be nil")
	}
	if cfg.Wallets == nil {
		return nil, fmt.Errorf("wallet store cannot be nil")
	}
	if cfg.Invalidations == nil {
		return nil, fmt.Errorf("invalidation set cannot be nil")
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("chain reader cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	staleness := cfg.Staleness
	if staleness <= 0 {
		staleness = 2 * time.Minute
	}
	deadline := cfg.CycleDeadline
	if deadline <= 0 {
		deadline = 45 * time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	attempts := cfg.FetchRetries
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	backoff := retry.DefaultConfig()
	backoff.MaxAttempts = attempts
	backoff.InitialDelay = delay
	backoff.RetryIf = retryableFetch

	return &Poller{
		monitor:       cfg.Monitor,
		snapshots:     cfg.Snapshots,
		wallets:       cfg.Wallets,
		invalidations: cfg.Invalidations,
		reader:        cfg.Reader,
		logger:        logger.Component("poller"),
		interval:      interval,
		staleness:     staleness,
		cycleDeadline: deadline,
		workers:       workers,
		fetchRetry:    backoff,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		now:           time.Now,
	}, nil
}

// Start begins polling. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithFields(map[string]interface{}{
		"interval":  p.interval.String(),
		"staleness": p.staleness.String(),
		"deadline":  p.cycleDeadline.String(),
		"workers":   p.workers,
	}).Info("Starting poller")

	go p.pollLoop(ctx)
	return nil
}

// Stop signals the loop and waits for the running cycle to finish.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		p.logger.Info("Poller stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Poller stop timed out")
		return ctx.Err()
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunCycle(ctx); err != nil {
			p.logger.WithError(err).Error("Poll cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// target is one position to read this cycle.
type target struct {
	ref  types.PositionRef
	opts service.RefreshOptions
}

// RunCycle performs one poll cycle. Individual fetch failures never fail the
// cycle; only an unreadable snapshot store does.
func (p *Poller) RunCycle(ctx context.Context) (*CycleResult, error) {
	started := p.now().UTC()
	cycleCtx, cancel := context.WithTimeout(ratelimit.WithPriority(ctx, ratelimit.PriorityBackground), p.cycleDeadline)
	defer cancel()

	targets, err := p.collect(cycleCtx, started)
	if err != nil {
		return nil, err
	}

	var refreshed, failed, abandoned atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for _, t := range targets {
		g.Go(func() error {
			if cycleCtx.Err() != nil {
				p.monitor.MarkUnknown(cycleCtx, t.ref, t.opts)
				abandoned.Add(1)
				return nil
			}
			err := retry.Do(cycleCtx, p.fetchRetry, func(ctx context.Context, _ int) error {
				_, err := p.monitor.Refresh(ctx, t.ref, t.opts)
				return err
			})
			switch {
			case err == nil:
				refreshed.Add(1)
			case cycleCtx.Err() != nil:
				p.monitor.MarkUnknown(cycleCtx, t.ref, t.opts)
				abandoned.Add(1)
			default:
				failed.Add(1)
				p.logger.WithError(err).WithField("position", string(t.ref)).Warn("Position refresh failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &CycleResult{
		StartedAt: started,
		Due:       len(targets),
		Refreshed: int(refreshed.Load()),
		Failed:    int(failed.Load()),
		Abandoned: int(abandoned.Load()),
	}
	res.Duration = p.now().Sub(started)

	p.monitor.StatusTracker().RecordCycle(started, res.Refreshed, res.Failed+res.Abandoned)
	if err := p.monitor.RecountTracked(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to recount tracked positions")
	}
	metrics.PollCycleDuration.Observe(res.Duration.Seconds())

	p.mu.Lock()
	p.lastCycle = res
	p.mu.Unlock()

	entry := p.logger.WithFields(map[string]interface{}{
		"due":       res.Due,
		"refreshed": res.Refreshed,
		"failed":    res.Failed,
		"abandoned": res.Abandoned,
		"duration":  res.Duration.String(),
	})
	if res.Failed+res.Abandoned > 0 {
		entry.Warn("Poll cycle finished with failures")
	} else {
		entry.Debug("Poll cycle finished")
	}
	return res, nil
}

// collect returns the positions due this cycle: every stale active position
// plus every position of an invalidated wallet, including ones the chain
// lists but the store does not know yet.
func (p *Poller) collect(ctx context.Context, now time.Time) ([]target, error) {
	due := make(map[types.PositionRef]target)

	stale, err := p.snapshots.ListActive(ctx, models.SnapshotFilter{CheckedBefore: now.Add(-p.staleness)})
	if err != nil {
		return nil, apperrors.NewDatabaseError("list stale positions", err)
	}
	for _, s := range stale {
		due[s.Ref] = target{ref: s.Ref, opts: service.RefreshOptions{Wallet: s.Wallet, UserID: s.UserID}}
	}

	wallets, err := p.invalidations.Drain(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to drain invalidated wallets")
	}
	for _, address := range wallets {
		p.collectWallet(ctx, address, due)
	}

	out := make([]target, 0, len(due))
	for _, t := range due {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ref < out[j].ref })
	return out, nil
}

func (p *Poller) collectWallet(ctx context.Context, address string, due map[types.PositionRef]target) {
	w, err := p.wallets.GetWallet(ctx, address)
	if err != nil || !w.Active {
		return
	}
	opts := service.RefreshOptions{Wallet: w.Address, UserID: w.UserID, AllowCreate: true}

	known, err := p.snapshots.ListActive(ctx, models.SnapshotFilter{Wallet: w.Address})
	if err != nil {
		p.logger.WithError(err).WithField("wallet", address).Warn("Failed to list wallet positions")
	}
	for _, s := range known {
		due[s.Ref] = target{ref: s.Ref, opts: opts}
	}

	refs, err := p.reader.ListWalletPositions(ctx, w.Address)
	if err != nil {
		p.logger.WithError(err).WithField("wallet", address).Warn("Position discovery failed, wallet stays invalidated")
		if err := p.invalidations.Mark(context.WithoutCancel(ctx), w.Address); err != nil {
			p.logger.WithError(err).WithField("wallet", address).Warn("Failed to re-mark wallet")
		}
	}
	for _, ref := range refs {
		due[ref] = target{ref: ref, opts: opts}
	}
}

// retryableFetch skips in-cycle retries when the chain is known to refuse
// more work: an exhausted compute budget or an open breaker.
func retryableFetch(err error) bool {
	if stderrors.Is(err, ratelimit.ErrMaxWaitExceeded) ||
		stderrors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		stderrors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	return apperrors.IsRetryable(err)
}

// PollerStatus reports the poller state.
type PollerStatus struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	LastCycle *CycleResult  `json:"lastCycle,omitempty"`
}

// GetStatus returns the current poller status.
func (p *Poller) GetStatus() *PollerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := &PollerStatus{Running: p.running, Interval: p.interval}
	if p.lastCycle != nil {
		c := *p.lastCycle
		s.LastCycle = &c
	}
	return s
}
