package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/service"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Per-event result statuses.
const (
	StatusAccepted  = "accepted"
	StatusStale     = "stale"
	StatusDuplicate = "duplicate"
	StatusDeferred  = "deferred"
	StatusIgnored   = "ignored"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// Rejection reasons.
const (
	ReasonUnknownPosition = "unknown_position"
	ReasonMalformed       = "malformed"
)

// EventResult reports what happened to one event.
type EventResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Positions int    `json:"positions,omitempty"`
}

// Summary reports a whole delivery.
type Summary struct {
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Duplicates int           `json:"duplicates"`
	Results    []EventResult `json:"results"`
}

func (s *Summary) add(r EventResult) {
	switch r.Status {
	case StatusAccepted, StatusDeferred:
		s.Accepted++
	case StatusDuplicate:
		s.Duplicates++
	case StatusRejected, StatusFailed:
		s.Rejected++
	}
	s.Results = append(s.Results, r)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Monitor   *service.Monitor
	Snapshots storage.SnapshotStore
	Wallets   storage.WalletStore
	Seen      storage.SeenSet
	Secret    string
	Logger    *logging.Logger
}

// Handler validates pushed events and applies them through the Monitor. It
// never calls the chain.
type Handler struct {
	monitor   *service.Monitor
	snapshots storage.SnapshotStore
	wallets   storage.WalletStore
	seen      storage.SeenSet
	secret    []byte
	logger    *logging.Logger
	now       func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	var secret []byte
	if deps.Secret != "" {
		secret = []byte(deps.Secret)
	}
	return &Handler{
		monitor:   deps.Monitor,
		snapshots: deps.Snapshots,
		wallets:   deps.Wallets,
		seen:      deps.Seen,
		secret:    secret,
		logger:    logger.Component("ingest"),
		now:       time.Now,
	}
}

// Configured reports whether signature checking is enabled.
func (h *Handler) Configured() bool {
	return len(h.secret) > 0
}

// Handle verifies and processes one delivery. It fails only when the whole
// body is unauthenticated or unparseable; per-event problems are reported in
// the summary.
func (h *Handler) Handle(ctx context.Context, provider string, body []byte, signature string) (*Summary, error) {
	if err := h.verify(body, signature); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(provider, "unauthorized").Inc()
		return nil, err
	}

	events, err := decodeEvents(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(provider, ReasonMalformed).Inc()
		h.logger.WithError(err).WithField("provider", provider).Warn("Rejected webhook body")
		return nil, err
	}

	now := h.now().UTC()
	h.monitor.RecordWebhook(now)

	summary := &Summary{Results: make([]EventResult, 0, len(events))}
	for _, e := range events {
		res := h.handleEvent(ctx, e, now)
		metrics.WebhookEventsTotal.WithLabelValues(provider, res.Status).Inc()
		if res.Status == StatusRejected || res.Status == StatusFailed {
			h.logger.WithFields(map[string]interface{}{
				"provider": provider,
				"event":    res.ID,
				"type":     e.Type,
				"status":   res.Status,
				"reason":   res.Reason,
			}).Warn("Webhook event not applied")
		}
		summary.add(res)
	}

	h.logger.WithFields(map[string]interface{}{
		"provider":   provider,
		"events":     len(events),
		"accepted":   summary.Accepted,
		"rejected":   summary.Rejected,
		"duplicates": summary.Duplicates,
	}).Debug("Webhook delivery processed")
	return summary, nil
}

// verify checks the body signature. A missing secret disables the check.
func (h *Handler) verify(body []byte, signature string) error {
	if len(h.secret) == 0 {
		return nil
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return apperrors.NewUnauthorizedError("missing webhook signature")
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return apperrors.NewUnauthorizedError("malformed webhook signature")
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperrors.NewUnauthorizedError("invalid webhook signature")
	}
	return nil
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) handleEvent(ctx context.Context, e Event, now time.Time) EventResult {
	res := EventResult{ID: e.key()}
	if e.GsOp == "d" {
		res.Status = StatusIgnored
		return res
	}

	chain, dex, err := e.validate()
	if err != nil {
		res.Status, res.Reason = StatusRejected, ReasonMalformed+": "+err.Error()
		return res
	}

	recorded := false
	if h.seen != nil {
		first, err := h.seen.FirstSeen(ctx, res.ID)
		if err != nil {
			h.logger.WithError(err).WithField("event", res.ID).Warn("Dedup lookup failed, processing anyway")
		} else if !first {
			res.Status = StatusDuplicate
			return res
		}
		recorded = err == nil
	}

	switch e.Type {
	case EventPoolTick:
		res = h.applyPoolTick(ctx, e, chain, now, res)
	default:
		res = h.applyLiquidity(ctx, e, chain, dex, now, res)
	}

	// A failed event must stay deliverable.
	if recorded && res.Status == StatusFailed {
		if err := h.seen.Forget(ctx, res.ID); err != nil {
			h.logger.WithError(err).WithField("event", res.ID).Warn("Failed to clear dedup record")
		}
	}
	return res
}

// applyPoolTick moves the active price of every tracked position in the pool.
func (h *Handler) applyPoolTick(ctx context.Context, e Event, chain types.ChainID, now time.Time, res EventResult) EventResult {
	price, hasPrice, err := parseDecimal("price", e.Price)
	if err != nil {
		res.Status, res.Reason = StatusRejected, ReasonMalformed+": "+err.Error()
		return res
	}

	positions, err := h.snapshots.ListActive(ctx, models.SnapshotFilter{Chain: chain, PoolID: strings.ToLower(e.Pool)})
	if err != nil {
		res.Status, res.Reason = StatusFailed, err.Error()
		return res
	}
	if len(positions) == 0 {
		res.Status, res.Reason = StatusRejected, ReasonUnknownPosition
		return res
	}

	observed := e.observedAt(now)
	tick := e.Tick
	merge := func(stored, update models.Snapshot) models.Snapshot {
		switch {
		case hasPrice:
			stored.ActivePrice = price
		case !stored.LowerPrice.IsZero():
			stored.ActivePrice = priceFromTick(stored.LowerPrice, stored.TickLower, *tick)
		}
		if tick != nil {
			stored.CurrentTick = *tick
		}
		stored.Version = update.Version
		stored.Source = update.Source
		stored.ObservedAt = update.ObservedAt
		return stored
	}

	accepted, stale := 0, 0
	for _, p := range positions {
		candidate := models.Snapshot{
			Ref:        p.Ref,
			Version:    e.version(),
			Source:     types.SourceWebhook,
			ObservedAt: observed,
		}
		out, err := h.monitor.Apply(ctx, candidate, service.ApplyOptions{Merge: merge})
		if err != nil {
			h.logger.WithError(err).WithField("position", string(p.Ref)).Error("Failed to apply pool tick")
			continue
		}
		switch out.Outcome {
		case storage.OutcomeAccepted:
			accepted++
		case storage.OutcomeStale:
			stale++
		}
	}

	res.Positions = accepted
	switch {
	case accepted > 0:
		res.Status = StatusAccepted
	case stale > 0:
		res.Status = StatusStale
	default:
		res.Status, res.Reason = StatusFailed, "no position could be updated"
	}
	return res
}

// priceFromTick derives a price from a position's lower bound, since
// price(tick) = price(tickLower) * 1.0001^(tick - tickLower).
func priceFromTick(lower decimal.Decimal, tickLower, tick int32) decimal.Decimal {
	factor := math.Pow(1.0001, float64(tick-tickLower))
	return lower.Mul(decimal.NewFromFloat(factor))
}

// applyLiquidity handles mint, burn and collect on one position.
func (h *Handler) applyLiquidity(ctx context.Context, e Event, chain types.ChainID, dex types.DexVariant, now time.Time, res EventResult) EventResult {
	liquidity, _, err := parseDecimal("liquidity", e.Liquidity)
	if err != nil {
		res.Status, res.Reason = StatusRejected, ReasonMalformed+": "+err.Error()
		return res
	}
	ref := types.NewPositionRef(chain, dex, e.TokenID)
	if _, _, _, err := ref.Parse(); err != nil {
		res.Status, res.Reason = StatusRejected, ReasonMalformed+": "+err.Error()
		return res
	}

	candidate := models.Snapshot{
		Ref:        ref,
		Chain:      chain,
		Dex:        dex,
		Liquidity:  liquidity,
		IsActive:   liquidity.IsPositive(),
		Version:    e.version(),
		Source:     types.SourceWebhook,
		ObservedAt: e.observedAt(now),
	}

	stored, err := h.snapshots.Get(ctx, ref)
	switch {
	case err == nil:
		if !h.walletActive(ctx, stored.Wallet) {
			res.Status, res.Reason = StatusRejected, ReasonUnknownPosition
			return res
		}
		return h.apply(ctx, candidate, service.ApplyOptions{Merge: mergeLiquidity}, res)
	case !stderrors.Is(err, storage.ErrNotFound):
		res.Status, res.Reason = StatusFailed, err.Error()
		return res
	}

	// Untracked position: only an onboarded wallet may introduce it.
	owner := strings.ToLower(e.Owner)
	wallet, err := h.wallets.GetWallet(ctx, owner)
	if owner == "" || err != nil || !wallet.Active {
		res.Status, res.Reason = StatusRejected, ReasonUnknownPosition
		return res
	}

	snap, ok, err := snapshotFromEvent(e, candidate)
	if err != nil {
		res.Status, res.Reason = StatusRejected, ReasonMalformed+": "+err.Error()
		return res
	}
	if !ok {
		// Not enough data to build the position; the next poll reads it.
		if err := h.monitor.Invalidate(ctx, owner); err != nil {
			res.Status, res.Reason = StatusFailed, err.Error()
			return res
		}
		res.Status = StatusDeferred
		return res
	}
	snap.Wallet = owner
	snap.UserID = wallet.UserID
	return h.apply(ctx, snap, service.ApplyOptions{AllowCreate: true, Merge: mergeLiquidity}, res)
}

func (h *Handler) apply(ctx context.Context, candidate models.Snapshot, opts service.ApplyOptions, res EventResult) EventResult {
	out, err := h.monitor.Apply(ctx, candidate, opts)
	if err != nil {
		res.Status, res.Reason = StatusFailed, err.Error()
		return res
	}
	switch out.Outcome {
	case storage.OutcomeAccepted:
		res.Status, res.Positions = StatusAccepted, 1
	case storage.OutcomeStale:
		res.Status = StatusStale
	default:
		res.Status, res.Reason = StatusRejected, ReasonUnknownPosition
		h.logger.WithError(out.Err).Debug("Liquidity event for untracked position")
	}
	return res
}

func (h *Handler) walletActive(ctx context.Context, address string) bool {
	if address == "" {
		return false
	}
	w, err := h.wallets.GetWallet(ctx, address)
	return err == nil && w.Active
}

// mergeLiquidity applies a liquidity change to the stored position.
func mergeLiquidity(stored, update models.Snapshot) models.Snapshot {
	stored.Liquidity = update.Liquidity
	stored.IsActive = update.IsActive
	stored.Version = update.Version
	stored.Source = update.Source
	stored.ObservedAt = update.ObservedAt
	return stored
}

// snapshotFromEvent builds a new position from a liquidity event carrying
// its bounds and price. ok is false when the event lacks them.
func snapshotFromEvent(e Event, base models.Snapshot) (models.Snapshot, bool, error) {
	lower, hasLower, err := parseDecimal("lower_price", e.LowerPrice)
	if err != nil {
		return base, false, err
	}
	upper, hasUpper, err := parseDecimal("upper_price", e.UpperPrice)
	if err != nil {
		return base, false, err
	}
	price, hasPrice, err := parseDecimal("price", e.Price)
	if err != nil {
		return base, false, err
	}
	if !hasLower || !hasUpper || !hasPrice || e.Pool == "" {
		return base, false, nil
	}
	if !lower.LessThan(upper) {
		return base, false, stderrors.New("lower_price must be below upper_price")
	}

	base.PoolID = strings.ToLower(e.Pool)
	base.LowerPrice = lower
	base.UpperPrice = upper
	base.ActivePrice = price
	if e.TickLower != nil {
		base.TickLower = *e.TickLower
	}
	if e.TickUpper != nil {
		base.TickUpper = *e.TickUpper
	}
	if e.Tick != nil {
		base.CurrentTick = *e.Tick
	}
	return base, true, nil
}
