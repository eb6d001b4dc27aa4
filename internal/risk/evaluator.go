// Package risk decides which position state changes deserve an alert.
//
// The evaluator is edge triggered: range alerts fire on transitions between
// definite states, each transition starting a new episode. Price-move alerts
// are level triggered against the last alerted price with their own cooldown.
// All rolling state lives on the snapshot (models.RiskState) so it commits
// atomically with the observation that changed it.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

var hundred = decimal.NewFromInt(100)

// Config holds evaluator thresholds.
type Config struct {
	PriceMovePercent  float64
	PriceMoveCooldown time.Duration
	// RebalanceAfter is how long a position must stay out of range before a
	// rebalance is recommended. Zero disables the rule.
	RebalanceAfter time.Duration
}

// Evaluator is stateless; it is safe for concurrent use.
type Evaluator struct {
	priceMovePercent  decimal.Decimal
	priceMoveCooldown time.Duration
	rebalanceAfter    time.Duration
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{
		priceMovePercent:  decimal.NewFromFloat(cfg.PriceMovePercent),
		priceMoveCooldown: cfg.PriceMoveCooldown,
		rebalanceAfter:    cfg.RebalanceAfter,
	}
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Next   models.Snapshot
	Alerts []models.AlertEvent
}

// Evaluate diffs candidate against old (nil for a new position) and returns
// candidate with updated risk counters plus the alerts the change produced.
// The result depends only on its arguments.
func (e *Evaluator) Evaluate(old *models.Snapshot, candidate models.Snapshot, now time.Time) Outcome {
	next := candidate.WithComputedStatus()
	next.Risk = models.RiskState{}
	if old != nil {
		next.Risk = old.Risk
	}
	if !next.IsActive {
		return Outcome{Next: next}
	}

	at := next.ObservedAt
	if at.IsZero() {
		at = now
	}

	var alerts []models.AlertEvent
	alerts = e.evaluateRange(&next, at, now, alerts)
	alerts = e.evaluatePrice(&next, at, now, alerts)
	return Outcome{Next: next, Alerts: alerts}
}

func (e *Evaluator) evaluateRange(next *models.Snapshot, at, now time.Time, alerts []models.AlertEvent) []models.AlertEvent {
	status := next.Status
	if !status.Definite() {
		return alerts
	}
	risk := &next.Risk
	prev := risk.RangeState

	if prev != status {
		risk.Episode++
		risk.EpisodeStartedAt = at
		risk.RebalanceSent = false
		risk.RangeState = status

		var kind types.AlertKind
		switch {
		case status == types.StatusOutOfRange:
			// from in_range or from no prior definite state
			kind = types.AlertOutOfRange
		case prev == types.StatusOutOfRange:
			kind = types.AlertBackInRange
		}
		if kind != "" {
			alert := models.NewAlertEvent(*next, kind, risk.Episode, now)
			alert.Payload.OldStatus = prev
			if prev == "" {
				alert.Payload.OldStatus = types.StatusUnknown
			}
			alerts = append(alerts, alert)
		}
	}

	if e.rebalanceAfter > 0 && risk.RangeState == types.StatusOutOfRange && !risk.RebalanceSent {
		if outFor := at.Sub(risk.EpisodeStartedAt); outFor > e.rebalanceAfter {
			risk.RebalanceSent = true
			alert := models.NewAlertEvent(*next, types.AlertRebalanceRecommended, risk.Episode, now)
			alert.Payload.OldStatus = types.StatusOutOfRange
			alert.Payload.OutOfRangeFor = outFor
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func (e *Evaluator) evaluatePrice(next *models.Snapshot, at, now time.Time, alerts []models.AlertEvent) []models.AlertEvent {
	active := next.ActivePrice
	if !active.IsPositive() {
		return alerts
	}
	risk := &next.Risk
	last := risk.LastAlertedPrice
	if !last.IsPositive() {
		risk.LastAlertedPrice = active
		return alerts
	}

	move := MovePercent(last, active)
	if move.LessThanOrEqual(e.priceMovePercent) {
		return alerts
	}
	if !risk.LastPriceAlertAt.IsZero() && at.Sub(risk.LastPriceAlertAt) < e.priceMoveCooldown {
		return alerts
	}

	risk.PriceEpoch++
	risk.LastAlertedPrice = active
	risk.LastPriceAlertAt = at

	alert := models.NewAlertEvent(*next, types.AlertPriceMove, risk.PriceEpoch, now)
	alert.Payload.OldPrice = last
	alert.Payload.MovePercent = move.Round(2)
	return append(alerts, alert)
}

// MovePercent returns |to - from| / from * 100. from must be positive.
func MovePercent(from, to decimal.Decimal) decimal.Decimal {
	return to.Sub(from).Abs().Div(from).Mul(hundred)
}
