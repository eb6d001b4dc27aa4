package alert

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/position-monitor/internal/circuitbreaker"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
)

// Outcome is the state of an event after a dispatch pass.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomePending means no channel succeeded yet and retries remain.
	OutcomePending Outcome = "pending"
	// OutcomeFailed means every channel exhausted its attempts.
	OutcomeFailed Outcome = "failed"
)

// Suppression reasons.
const (
	ReasonPreferenceDisabled = "preference_disabled"
	ReasonDuplicate          = "duplicate"
	ReasonCooldown           = "cooldown"
	ReasonNoChannel          = "no_channel"
)

// Result reports a dispatch.
type Result struct {
	Outcome Outcome
	Reason  string
	Event   models.AlertEvent
}

// AuditSink receives delivery outcomes once an event settles.
type AuditSink interface {
	Record(ctx context.Context, records []storage.AuditRecord) error
}

// Config tunes the dispatcher.
type Config struct {
	QueueSize     int
	MaxAttempts   int
	RetryInterval time.Duration
	Retention     time.Duration
	// Cooldowns holds the minimum gap between deliveries of one kind for one
	// position. Missing kinds have no cooldown.
	Cooldowns map[types.AlertKind]time.Duration
	// SummaryHourUTC is the hour daily summaries go out. Negative disables them.
	SummaryHourUTC int
}

// DefaultCooldowns returns the per-kind delivery cooldowns.
func DefaultCooldowns() map[types.AlertKind]time.Duration {
	return map[types.AlertKind]time.Duration{
		types.AlertOutOfRange:           0,
		types.AlertBackInRange:          0,
		types.AlertPriceMove:            time.Hour,
		types.AlertRebalanceRecommended: 6 * time.Hour,
	}
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Alerts      storage.AlertStore
	Preferences storage.PreferenceStore
	Snapshots   storage.SnapshotStore
	Channels    []Channel
	Breakers    *circuitbreaker.Manager
	Audit       AuditSink
	Logger      *logging.Logger
}

// Dispatcher delivers alert events. A queue loop handles fresh events and a
// sweeper retries pending channels, purges old events and sends daily
// summaries.
type Dispatcher struct {
	cfg      Config
	alerts   storage.AlertStore
	prefs    storage.PreferenceStore
	snaps    storage.SnapshotStore
	channels map[string]Channel
	breakers *circuitbreaker.Manager
	audit    AuditSink
	logger   *logging.Logger

	queue    chan models.AlertEvent
	inflight sync.Map // uuid.UUID -> struct{}

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	summaryDay string
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = DefaultCooldowns()
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig)
	}

	channels := make(map[string]Channel, len(deps.Channels))
	for _, ch := range deps.Channels {
		channels[ch.Name()] = ch
	}

	return &Dispatcher{
		cfg:      cfg,
		alerts:   deps.Alerts,
		prefs:    deps.Preferences,
		snaps:    deps.Snapshots,
		channels: channels,
		breakers: breakers,
		audit:    deps.Audit,
		logger:   logger.Component("dispatcher"),
		queue:    make(chan models.AlertEvent, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Enqueue hands e to the queue loop without blocking. It reports false when
// the queue is full; the event stays pending in the store for the sweeper.
func (d *Dispatcher) Enqueue(e models.AlertEvent) bool {
	select {
	case d.queue <- e:
		metrics.AlertQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		return false
	}
}

// Start runs the queue loop and the sweeper.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.WithFields(map[string]interface{}{
		"channels":      len(d.channels),
		"maxAttempts":   d.cfg.MaxAttempts,
		"retryInterval": d.cfg.RetryInterval.String(),
	}).Info("Starting alert dispatcher")

	go d.run(ctx)
	return nil
}

// Stop signals both loops and waits for them.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is not running")
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	select {
	case <-d.doneCh:
		d.logger.Info("Alert dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-d.stopCh:
			wg.Wait()
			return
		case e := <-d.queue:
			metrics.AlertQueueDepth.Set(float64(len(d.queue)))
			if _, err := d.Dispatch(ctx, e); err != nil {
				d.logger.WithError(err).WithField("alert", e.Key().String()).Error("Dispatch failed")
			}
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.logger.WithError(err).Error("Alert sweep failed")
			}
			if _, err := d.SendDailySummaries(ctx); err != nil {
				d.logger.WithError(err).Error("Daily summary failed")
			}
		}
	}
}

// Dispatch runs one delivery pass for e: first-time gating, then a send on
// every channel that is unsettled and due for an attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, e models.AlertEvent) (Result, error) {
	if _, busy := d.inflight.LoadOrStore(e.ID, struct{}{}); busy {
		return Result{Outcome: OutcomePending, Event: e}, nil
	}
	defer d.inflight.Delete(e.ID)

	now := d.now().UTC()
	current, dup, err := d.load(ctx, e)
	if err != nil {
		return Result{}, err
	}
	if dup {
		d.recordOutcome(current, OutcomeSuppressed, ReasonDuplicate)
		return Result{Outcome: OutcomeSuppressed, Reason: ReasonDuplicate, Event: current}, nil
	}
	e = current
	if !e.Pending() {
		return settledResult(e), nil
	}

	if e.Deliveries == nil {
		pref, err := d.preference(ctx, e.UserID)
		if err != nil {
			return Result{}, err
		}
		if reason := d.gate(ctx, e, pref, now); reason != "" {
			return d.suppress(ctx, e, reason, now)
		}
		e.Deliveries = make(map[string]*models.ChannelDelivery)
		for _, name := range pref.Channels {
			if _, ok := d.channels[name]; ok {
				e.Deliveries[name] = &models.ChannelDelivery{Channel: name}
			}
		}
		if len(e.Deliveries) == 0 {
			e.Deliveries = nil
			return d.suppress(ctx, e, ReasonNoChannel, now)
		}
	}

	d.attempt(ctx, &e, now)
	if err := d.alerts.Update(ctx, e); err != nil {
		return Result{}, fmt.Errorf("failed to update alert event: %w", err)
	}

	res := Result{Outcome: OutcomePending, Event: e}
	switch {
	case e.Delivered():
		res.Outcome = OutcomeDelivered
	case !e.Pending():
		res.Outcome = OutcomeFailed
	}
	if !e.Pending() {
		d.recordOutcome(e, res.Outcome, "")
		d.writeAudit(ctx, e, string(res.Outcome), now)
	}
	return res, nil
}

// load returns the stored state of e, persisting e when it is new. dup is
// true when another event already holds e's (position, kind, epoch) key.
func (d *Dispatcher) load(ctx context.Context, e models.AlertEvent) (models.AlertEvent, bool, error) {
	existing, err := d.alerts.GetByKey(ctx, e.Key())
	switch {
	case err == nil:
		return existing, existing.ID != e.ID, nil
	case !stderrors.Is(err, storage.ErrNotFound):
		return e, false, fmt.Errorf("failed to load alert event: %w", err)
	}

	if err := d.alerts.Create(ctx, e); err != nil {
		if stderrors.Is(err, storage.ErrDuplicateKey) {
			existing, gerr := d.alerts.GetByKey(ctx, e.Key())
			if gerr != nil {
				return e, false, fmt.Errorf("failed to load alert event: %w", gerr)
			}
			return existing, existing.ID != e.ID, nil
		}
		return e, false, fmt.Errorf("failed to store alert event: %w", err)
	}
	return e, false, nil
}

func (d *Dispatcher) preference(ctx context.Context, userID string) (models.UserAlertPreference, error) {
	p, err := d.prefs.GetPreference(ctx, userID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return models.DefaultPreference(userID), nil
		}
		return p, fmt.Errorf("failed to load preferences: %w", err)
	}
	return p, nil
}

// gate returns the suppression reason for a first dispatch, or "".
func (d *Dispatcher) gate(ctx context.Context, e models.AlertEvent, pref models.UserAlertPreference, now time.Time) string {
	if !pref.Allows(e.Kind) {
		return ReasonPreferenceDisabled
	}

	cooldown := d.cfg.Cooldowns[e.Kind]
	if pref.CooldownOverride != nil {
		cooldown = *pref.CooldownOverride
	}
	if cooldown <= 0 {
		return ""
	}
	last, err := d.alerts.LastDeliveredAt(ctx, e.Ref, e.Kind)
	if err != nil {
		d.logger.WithError(err).WithField("alert", e.Key().String()).Warn("Cooldown lookup failed, sending anyway")
		return ""
	}
	if !last.IsZero() && now.Sub(last) < cooldown {
		return ReasonCooldown
	}
	return ""
}

func (d *Dispatcher) suppress(ctx context.Context, e models.AlertEvent, reason string, now time.Time) (Result, error) {
	e.Suppressed = reason
	if err := d.alerts.Update(ctx, e); err != nil {
		return Result{}, fmt.Errorf("failed to update alert event: %w", err)
	}
	d.recordOutcome(e, OutcomeSuppressed, reason)
	d.writeAudit(ctx, e, "suppressed:"+reason, now)
	return Result{Outcome: OutcomeSuppressed, Reason: reason, Event: e}, nil
}

// attempt sends e on every due channel concurrently and folds the results
// into its delivery state.
func (d *Dispatcher) attempt(ctx context.Context, e *models.AlertEvent, now time.Time) {
	msg := Message{Text: Render(*e)}
	snapshot := e.Clone()
	msg.Event = &snapshot

	type sendResult struct {
		delivery *models.ChannelDelivery
		err      error
	}
	var (
		mu      sync.Mutex
		results []sendResult
	)

	g := new(errgroup.Group)
	for name, del := range e.Deliveries {
		if del.Settled() || !d.due(del, now) {
			continue
		}
		ch, ok := d.channels[name]
		if !ok {
			del.Dropped = true
			del.LastError = "channel not configured"
			continue
		}
		g.Go(func() error {
			err := d.breakers.Get("channel:"+name).Execute(ctx, func() error {
				return ch.Send(ctx, e.UserID, msg)
			})
			mu.Lock()
			results = append(results, sendResult{delivery: del, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		del := r.delivery
		switch {
		case r.err == nil:
			del.Attempts++
			del.LastAttemptAt = now
			del.LastError = ""
			at := now
			del.DeliveredAt = &at
			metrics.ChannelSendsTotal.WithLabelValues(del.Channel, "success").Inc()
		case stderrors.Is(r.err, circuitbreaker.ErrCircuitOpen), stderrors.Is(r.err, circuitbreaker.ErrTooManyRequests):
			// The channel was not tried; this does not use up an attempt.
			del.LastError = r.err.Error()
			metrics.ChannelSendsTotal.WithLabelValues(del.Channel, "circuit_open").Inc()
		default:
			del.Attempts++
			del.LastAttemptAt = now
			del.LastError = r.err.Error()
			metrics.ChannelSendsTotal.WithLabelValues(del.Channel, "failure").Inc()
			if del.Attempts >= d.cfg.MaxAttempts || stderrors.Is(r.err, errNoRecipient) {
				del.Dropped = true
				d.logger.WithFields(map[string]interface{}{
					"alert":    e.Key().String(),
					"userId":   e.UserID,
					"channel":  del.Channel,
					"attempts": del.Attempts,
					"error":    del.LastError,
				}).Error("Permanent delivery failure, dropping channel")
			} else {
				d.logger.WithFields(map[string]interface{}{
					"alert":    e.Key().String(),
					"channel":  del.Channel,
					"attempts": del.Attempts,
					"error":    del.LastError,
				}).Warn("Channel send failed, will retry")
			}
		}
	}

	if e.DeliveredAt == nil {
		for _, del := range e.Deliveries {
			if del.DeliveredAt != nil && (e.DeliveredAt == nil || del.DeliveredAt.Before(*e.DeliveredAt)) {
				at := *del.DeliveredAt
				e.DeliveredAt = &at
			}
		}
	}
}

// due reports whether a channel may be attempted again. The wait doubles
// with each failed attempt.
func (d *Dispatcher) due(del *models.ChannelDelivery, now time.Time) bool {
	if del.Attempts == 0 {
		return true
	}
	wait := d.cfg.RetryInterval << (del.Attempts - 1)
	if limit := 16 * d.cfg.RetryInterval; wait > limit || wait <= 0 {
		wait = limit
	}
	return !now.Before(del.LastAttemptAt.Add(wait))
}

func settledResult(e models.AlertEvent) Result {
	switch {
	case e.Suppressed != "":
		return Result{Outcome: OutcomeSuppressed, Reason: e.Suppressed, Event: e}
	case e.Delivered():
		return Result{Outcome: OutcomeDelivered, Event: e}
	}
	return Result{Outcome: OutcomeFailed, Event: e}
}

func (d *Dispatcher) recordOutcome(e models.AlertEvent, outcome Outcome, reason string) {
	label := string(outcome)
	if reason != "" {
		label += ":" + reason
	}
	metrics.DispatchOutcomesTotal.WithLabelValues(string(e.Kind), label).Inc()
	d.logger.WithFields(map[string]interface{}{
		"alert":   e.Key().String(),
		"userId":  e.UserID,
		"outcome": label,
	}).Info("Alert dispatched")
}

func (d *Dispatcher) writeAudit(ctx context.Context, e models.AlertEvent, outcome string, now time.Time) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(ctx, storage.AuditRecordsFor(e, outcome, now)); err != nil {
		d.logger.WithError(err).WithField("alert", e.Key().String()).Warn("Failed to write alert audit")
	}
}

// SweepResult summarises a sweep.
type SweepResult struct {
	Retried int `json:"retried"`
	Purged  int `json:"purged"`
}

// Sweep re-dispatches pending events and purges settled events past
// retention.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	pending, err := d.alerts.List(ctx, models.AlertFilter{PendingOnly: true, Limit: 500})
	if err != nil {
		return res, fmt.Errorf("failed to list pending alerts: %w", err)
	}
	for _, e := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := d.Dispatch(ctx, e); err != nil {
			d.logger.WithError(err).WithField("alert", e.Key().String()).Warn("Retry dispatch failed")
			continue
		}
		res.Retried++
	}

	purged, err := d.alerts.PurgeBefore(ctx, d.now().UTC().Add(-d.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("failed to purge alerts: %w", err)
	}
	res.Purged = purged
	if purged > 0 {
		d.logger.WithField("purged", purged).Info("Purged expired alert events")
	}
	return res, nil
}

// SendDailySummaries sends one summary per opted-in user per UTC day, once
// the configured hour has passed. It returns how many users were reached.
func (d *Dispatcher) SendDailySummaries(ctx context.Context) (int, error) {
	if d.cfg.SummaryHourUTC < 0 || d.snaps == nil {
		return 0, nil
	}
	now := d.now().UTC()
	day := now.Format("2006-01-02")
	if now.Hour() < d.cfg.SummaryHourUTC {
		return 0, nil
	}
	d.mu.Lock()
	done := d.summaryDay == day
	d.mu.Unlock()
	if done {
		return 0, nil
	}

	users, err := d.prefs.ListDailySummary(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list summary users: %w", err)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	reached := 0
	for _, pref := range users {
		positions, err := d.snaps.ListActive(ctx, models.SnapshotFilter{UserID: pref.UserID})
		if err != nil {
			d.logger.WithError(err).WithField("userId", pref.UserID).Warn("Failed to load positions for summary")
			continue
		}
		msg := Message{Text: RenderSummary(now, positions)}
		sent := false
		for _, name := range pref.Channels {
			ch, ok := d.channels[name]
			if !ok {
				continue
			}
			err := d.breakers.Get("channel:"+name).Execute(ctx, func() error {
				return ch.Send(ctx, pref.UserID, msg)
			})
			if err != nil {
				d.logger.WithError(err).WithFields(map[string]interface{}{"userId": pref.UserID, "channel": name}).Warn("Summary send failed")
				continue
			}
			sent = true
		}
		if sent {
			reached++
		}
	}

	d.mu.Lock()
	d.summaryDay = day
	d.mu.Unlock()
	d.logger.WithFields(map[string]interface{}{"users": len(users), "reached": reached}).Info("Daily summaries sent")
	return reached, nil
}
