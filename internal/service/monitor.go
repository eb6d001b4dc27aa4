package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/position-monitor/internal/adapter"
	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/risk"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
)

// AlertQueue receives alert events for delivery. Enqueue must not block; an
// event it refuses stays pending in the alert store and is picked up by the
// dispatcher's sweep.
type AlertQueue interface {
	Enqueue(e models.AlertEvent) bool
}

const markUnknownTimeout = 5 * time.Second

// Deps are the collaborators of a Monitor.
type Deps struct {
	Snapshots     storage.SnapshotStore
	Alerts        storage.AlertStore
	Wallets       storage.WalletStore
	Preferences   storage.PreferenceStore
	Invalidations storage.InvalidationSet
	Reader        adapter.ChainReader
	Evaluator     *risk.Evaluator
	Queue         AlertQueue
	Status        *StatusTracker
	Logger        *logging.Logger

	// DivergenceWindow bounds how close two writes of different sources must
	// be for a status flip between them to be reported.
	DivergenceWindow time.Duration
}

// Monitor owns the single write path for position snapshots. Webhook
// ingestion, the poller and wallet tracking all go through Apply, so every
// accepted write is evaluated exactly once.
type Monitor struct {
	snapshots        storage.SnapshotStore
	alerts           storage.AlertStore
	wallets          storage.WalletStore
	preferences      storage.PreferenceStore
	invalidations    storage.InvalidationSet
	reader           adapter.ChainReader
	evaluator        *risk.Evaluator
	queue            AlertQueue
	status           *StatusTracker
	logger           *logging.Logger
	divergenceWindow time.Duration
	now              func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(deps Deps) *Monitor {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	status := deps.Status
	if status == nil {
		status = NewStatusTracker(false)
	}
	return &Monitor{
		snapshots:        deps.Snapshots,
		alerts:           deps.Alerts,
		wallets:          deps.Wallets,
		preferences:      deps.Preferences,
		invalidations:    deps.Invalidations,
		reader:           deps.Reader,
		evaluator:        deps.Evaluator,
		queue:            deps.Queue,
		status:           status,
		logger:           logger.Component("monitor"),
		divergenceWindow: deps.DivergenceWindow,
		now:              time.Now,
	}
}

// ApplyOptions controls a snapshot write.
type ApplyOptions struct {
	AllowCreate bool
	// Merge builds the full candidate from the stored snapshot when the
	// incoming update carries only some fields. It is not called on create.
	Merge func(stored models.Snapshot, update models.Snapshot) models.Snapshot
}

// ApplyResult reports the outcome of Apply.
type ApplyResult struct {
	Outcome  storage.Outcome     `json:"outcome"`
	Snapshot models.Snapshot     `json:"snapshot"`
	Alerts   []models.AlertEvent `json:"alerts,omitempty"`
	// Err is ErrStaleWrite or ErrUnknownPosition for writes that were not
	// accepted, nil otherwise.
	Err error `json:"-"`
}

// Apply writes candidate through the version compare-and-set. On acceptance
// the risk evaluation committed with the snapshot yields alert events, which
// are persisted and queued. Stale and unknown-position outcomes are not
// errors.
func (m *Monitor) Apply(ctx context.Context, candidate models.Snapshot, opts ApplyOptions) (ApplyResult, error) {
	now := m.now().UTC()
	candidate.Wallet = strings.ToLower(candidate.Wallet)

	var outcome risk.Outcome
	derive := func(old *models.Snapshot, c models.Snapshot) models.Snapshot {
		if old != nil {
			if opts.Merge != nil {
				c = opts.Merge(*old, c)
			}
			c = inheritIdentity(*old, c)
		}
		outcome = m.evaluator.Evaluate(old, c, now)
		return outcome.Next
	}

	res, err := m.snapshots.Upsert(ctx, candidate, storage.UpsertOptions{AllowCreate: opts.AllowCreate, Derive: derive})
	if err != nil {
		return ApplyResult{}, apperrors.NewDatabaseError("upsert snapshot", err)
	}
	metrics.SnapshotWritesTotal.WithLabelValues(string(candidate.Source), string(res.Outcome)).Inc()

	result := ApplyResult{Outcome: res.Outcome, Snapshot: res.New}
	switch res.Outcome {
	case storage.OutcomeStale:
		result.Err = apperrors.NewStaleWriteError(string(candidate.Ref), candidate.Version, res.New.Version)
		m.logger.WithError(result.Err).WithField("source", string(candidate.Source)).Debug("Dropped stale write")
		return result, nil
	case storage.OutcomeUnknownPosition:
		result.Err = apperrors.NewUnknownPositionError(string(candidate.Ref))
		return result, nil
	}

	if res.Old == nil {
		m.status.AddTracked(1)
	}
	m.checkDivergence(res.Old, res.New)

	for _, alert := range outcome.Alerts {
		alert.Ref = res.New.Ref
		alert.Payload.Version = res.New.Version
		if err := m.alerts.Create(ctx, alert); err != nil {
			if stderrors.Is(err, storage.ErrDuplicateKey) {
				continue
			}
			m.logger.WithError(err).WithField("alert", alert.Key().String()).Error("Failed to persist alert event")
			continue
		}
		metrics.AlertsDetectedTotal.WithLabelValues(string(alert.Kind)).Inc()
		result.Alerts = append(result.Alerts, alert)
		if m.queue != nil && !m.queue.Enqueue(alert) {
			m.logger.WithField("alert", alert.Key().String()).Warn("Alert queue full, event left for the retry sweep")
		}
	}
	return result, nil
}

// inheritIdentity fills owner fields a source could not observe.
func inheritIdentity(old, c models.Snapshot) models.Snapshot {
	if c.Wallet == "" {
		c.Wallet = old.Wallet
	}
	if c.UserID == "" {
		c.UserID = old.UserID
	}
	if c.LastCheckedAt.Before(old.LastCheckedAt) {
		c.LastCheckedAt = old.LastCheckedAt
	}
	return c
}

// checkDivergence reports a status flip between writes of different sources
// close together in time. Version order already decided the winner.
func (m *Monitor) checkDivergence(old *models.Snapshot, cur models.Snapshot) {
	if old == nil || m.divergenceWindow <= 0 || old.Source == cur.Source {
		return
	}
	if !old.Status.Definite() || !cur.Status.Definite() || old.Status == cur.Status {
		return
	}
	if cur.UpdatedAt.Sub(old.UpdatedAt) > m.divergenceWindow {
		return
	}
	metrics.SourceDivergenceTotal.Inc()
	m.logger.WithFields(map[string]interface{}{
		"position":   string(cur.Ref),
		"oldSource":  string(old.Source),
		"oldStatus":  string(old.Status),
		"oldVersion": old.Version,
		"newSource":  string(cur.Source),
		"newStatus":  string(cur.Status),
		"newVersion": cur.Version,
	}).Warn("Webhook and poll disagree on position status")
}

// RefreshOptions describes one chain read.
type RefreshOptions struct {
	Wallet      string
	UserID      string
	AllowCreate bool
	Source      types.UpdateSource
}

// Refresh reads ref from chain and applies it. When the read fails the
// stored snapshot is marked unknown (a position that was never stored is
// created as an unknown placeholder if opts.AllowCreate), and the read error
// is returned. A position the chain no longer knows, such as a burned NFT,
// is deactivated instead.
func (m *Monitor) Refresh(ctx context.Context, ref types.PositionRef, opts RefreshOptions) (ApplyResult, error) {
	snap, err := m.reader.FetchPositionState(ctx, ref)
	if stderrors.Is(err, apperrors.ErrPositionNotFound) {
		return m.retire(ctx, ref, err)
	}
	if err != nil {
		m.MarkUnknown(ctx, ref, opts)
		return ApplyResult{}, err
	}

	now := m.now().UTC()
	snap.Wallet = opts.Wallet
	snap.UserID = opts.UserID
	snap.LastCheckedAt = now
	if opts.Source != "" {
		snap.Source = opts.Source
	}

	res, err := m.Apply(ctx, snap, ApplyOptions{AllowCreate: opts.AllowCreate})
	if err != nil {
		return res, err
	}
	if res.Outcome == storage.OutcomeStale {
		// A newer webhook write already covers this read; it still counts as a check.
		touch := storage.TouchOptions{CheckedAt: now, Status: res.Snapshot.RangeStatus()}
		if !res.Snapshot.IsActive {
			touch.Status = ""
		}
		if err := m.snapshots.Touch(ctx, ref, touch); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			m.logger.WithError(err).WithField("position", string(ref)).Warn("Failed to record check")
		}
	}
	return res, nil
}

// retire deactivates a stored position that no longer exists on chain. The
// version is left alone; a later chain read with a higher version still wins.
// A position that was never stored is not created and readErr is returned.
func (m *Monitor) retire(ctx context.Context, ref types.PositionRef, readErr error) (ApplyResult, error) {
	err := m.snapshots.Touch(ctx, ref, storage.TouchOptions{CheckedAt: m.now().UTC(), Deactivate: true})
	if stderrors.Is(err, storage.ErrNotFound) {
		return ApplyResult{}, readErr
	}
	if err != nil {
		return ApplyResult{}, apperrors.NewDatabaseError("deactivate position", err)
	}
	snap, err := m.snapshots.Get(ctx, ref)
	if err != nil {
		return ApplyResult{}, apperrors.NewDatabaseError("get position", err)
	}
	m.logger.WithField("position", string(ref)).Info("Position no longer exists on chain, deactivated")
	return ApplyResult{Outcome: storage.OutcomeAccepted, Snapshot: snap}, nil
}

// MarkUnknown records a failed or abandoned read. LastCheckedAt is left alone
// so the position stays stale and is retried next cycle. It still runs when
// ctx is already cancelled.
func (m *Monitor) MarkUnknown(ctx context.Context, ref types.PositionRef, opts RefreshOptions) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markUnknownTimeout)
	defer cancel()

	err := m.snapshots.Touch(ctx, ref, storage.TouchOptions{Status: types.StatusUnknown})
	if err == nil {
		return
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		m.logger.WithError(err).WithField("position", string(ref)).Warn("Failed to mark position unknown")
		return
	}
	if !opts.AllowCreate {
		return
	}

	chain, dex, _, perr := ref.Parse()
	if perr != nil {
		return
	}
	placeholder := models.Snapshot{
		Ref:      ref,
		Wallet:   strings.ToLower(opts.Wallet),
		UserID:   opts.UserID,
		Chain:    chain,
		Dex:      dex,
		IsActive: true,
		Status:   types.StatusUnknown,
		Source:   types.SourceTrack,
	}
	res, err := m.snapshots.Upsert(ctx, placeholder, storage.UpsertOptions{AllowCreate: true})
	if err != nil {
		m.logger.WithError(err).WithField("position", string(ref)).Warn("Failed to create placeholder position")
		return
	}
	if res.Outcome == storage.OutcomeAccepted && res.Old == nil {
		m.status.AddTracked(1)
	}
}

// TrackResult summarises a Track call.
type TrackResult struct {
	Wallet    string              `json:"wallet"`
	UserID    string              `json:"userId"`
	Positions []models.Snapshot   `json:"positions"`
	Pending   []types.PositionRef `json:"pending,omitempty"`
}

// Track registers wallet for userID and loads its positions. Positions that
// cannot be read yet are tracked as unknown and the wallet is invalidated so
// the next poll retries them.
func (m *Monitor) Track(ctx context.Context, wallet, userID string) (*TrackResult, error) {
	if !common.IsHexAddress(wallet) {
		return nil, apperrors.NewInvalidParameterError("wallet", "must be a 20-byte hex address")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.NewInvalidParameterError("userId", "is required")
	}
	wallet = strings.ToLower(wallet)
	now := m.now().UTC()

	record := models.TrackedWallet{Address: wallet, UserID: userID, Active: true, OnboardedAt: now, UpdatedAt: now}
	if existing, err := m.wallets.GetWallet(ctx, wallet); err == nil {
		record.OnboardedAt = existing.OnboardedAt
	}
	if err := m.wallets.SaveWallet(ctx, record); err != nil {
		return nil, apperrors.NewDatabaseError("save wallet", err)
	}

	result := &TrackResult{Wallet: wallet, UserID: userID}
	refs, listErr := m.reader.ListWalletPositions(ctx, wallet)
	if listErr != nil {
		m.logger.WithError(listErr).WithField("wallet", wallet).Warn("Position discovery incomplete, will retry on next poll")
		m.invalidate(ctx, wallet)
	}

	for _, ref := range refs {
		res, err := m.Refresh(ctx, ref, RefreshOptions{Wallet: wallet, UserID: userID, AllowCreate: true, Source: types.SourceTrack})
		if err != nil {
			result.Pending = append(result.Pending, ref)
			continue
		}
		result.Positions = append(result.Positions, res.Snapshot)
	}
	if len(result.Pending) > 0 {
		m.invalidate(ctx, wallet)
	}

	m.logger.WithFields(map[string]interface{}{
		"wallet":    wallet,
		"userId":    userID,
		"positions": len(result.Positions),
		"pending":   len(result.Pending),
	}).Info("Wallet tracked")
	return result, nil
}

// Untrack stops monitoring wallet. Its positions are marked inactive; alert
// history is kept.
func (m *Monitor) Untrack(ctx context.Context, wallet string) (int, error) {
	wallet = strings.ToLower(wallet)
	record, err := m.wallets.GetWallet(ctx, wallet)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return 0, apperrors.NewNotFoundError("wallet", wallet)
		}
		return 0, apperrors.NewDatabaseError("get wallet", err)
	}
	record.Active = false
	record.UpdatedAt = m.now().UTC()
	if err := m.wallets.SaveWallet(ctx, record); err != nil {
		return 0, apperrors.NewDatabaseError("save wallet", err)
	}

	n, err := m.snapshots.DeactivateWallet(ctx, wallet)
	if err != nil {
		return 0, apperrors.NewDatabaseError("deactivate positions", err)
	}
	m.status.AddTracked(-n)
	m.logger.WithFields(map[string]interface{}{"wallet": wallet, "positions": n}).Info("Wallet untracked")
	return n, nil
}

// Invalidate forces the wallet's positions to be re-read on the next poll.
func (m *Monitor) Invalidate(ctx context.Context, wallet string) error {
	wallet = strings.ToLower(wallet)
	if _, err := m.wallets.GetWallet(ctx, wallet); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return apperrors.NewNotFoundError("wallet", wallet)
		}
		return apperrors.NewDatabaseError("get wallet", err)
	}
	if err := m.invalidations.Mark(ctx, wallet); err != nil {
		return apperrors.NewDatabaseError("mark invalidation", err)
	}
	return nil
}

func (m *Monitor) invalidate(ctx context.Context, wallet string) {
	if err := m.invalidations.Mark(ctx, wallet); err != nil {
		m.logger.WithError(err).WithField("wallet", wallet).Warn("Failed to invalidate wallet")
	}
}

// GetPosition returns the stored snapshot of ref.
func (m *Monitor) GetPosition(ctx context.Context, ref types.PositionRef) (models.Snapshot, error) {
	if _, _, _, err := ref.Parse(); err != nil {
		return models.Snapshot{}, apperrors.NewInvalidParameterError("ref", err.Error())
	}
	snap, err := m.snapshots.Get(ctx, ref)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return models.Snapshot{}, apperrors.NewNotFoundError("position", string(ref))
		}
		return models.Snapshot{}, apperrors.NewDatabaseError("get position", err)
	}
	return snap, nil
}

// WalletPositions lists the active positions of wallet.
func (m *Monitor) WalletPositions(ctx context.Context, wallet string) ([]models.Snapshot, error) {
	snaps, err := m.snapshots.ListActive(ctx, models.SnapshotFilter{Wallet: strings.ToLower(wallet)})
	if err != nil {
		return nil, apperrors.NewDatabaseError("list positions", err)
	}
	return snaps, nil
}

// Preference returns the user's alert settings, or the defaults.
func (m *Monitor) Preference(ctx context.Context, userID string) (models.UserAlertPreference, error) {
	p, err := m.preferences.GetPreference(ctx, userID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return models.DefaultPreference(userID), nil
		}
		return models.UserAlertPreference{}, apperrors.NewDatabaseError("get preference", err)
	}
	return p, nil
}

// SavePreference stores the user's alert settings.
func (m *Monitor) SavePreference(ctx context.Context, p models.UserAlertPreference) (models.UserAlertPreference, error) {
	for _, ch := range p.Channels {
		switch ch {
		case models.ChannelTelegram:
		case models.ChannelWebhook:
			if p.WebhookURL == "" {
				return p, apperrors.NewInvalidParameterError("webhookUrl", "required for the webhook channel")
			}
		default:
			return p, apperrors.NewInvalidParameterError("channels", fmt.Sprintf("unknown channel %q", ch))
		}
	}
	p.UpdatedAt = m.now().UTC()
	if err := m.preferences.SavePreference(ctx, p); err != nil {
		return p, apperrors.NewDatabaseError("save preference", err)
	}
	return p, nil
}

// RecordWebhook notes that a push notification arrived.
func (m *Monitor) RecordWebhook(at time.Time) {
	m.status.RecordWebhook(at)
}

// RecountTracked rebuilds the tracked-position count from the store.
func (m *Monitor) RecountTracked(ctx context.Context) error {
	snaps, err := m.snapshots.ListActive(ctx, models.SnapshotFilter{})
	if err != nil {
		return apperrors.NewDatabaseError("list positions", err)
	}
	m.status.SetTracked(len(snaps))
	return nil
}

// Status returns the current monitoring status. It never fails.
func (m *Monitor) Status() models.MonitoringStatus {
	return m.status.Snapshot()
}

// StatusTracker returns the tracker shared with the poller.
func (m *Monitor) StatusTracker() *StatusTracker {
	return m.status
}
