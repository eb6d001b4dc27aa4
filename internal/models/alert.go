package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/position-monitor/internal/types"
)

// AlertKey is the dedup identity of an alert: one event per (position, kind, epoch).
type AlertKey struct {
	Ref   types.PositionRef
	Kind  types.AlertKind
	Epoch uint64
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Ref, k.Kind, k.Epoch)
}

// AlertEvent is a detected state transition awaiting or past delivery.
type AlertEvent struct {
	ID          uuid.UUID                   `json:"id"`
	Ref         types.PositionRef           `json:"positionRef"`
	Wallet      string                      `json:"wallet"`
	UserID      string                      `json:"userId"`
	Kind        types.AlertKind             `json:"kind"`
	Epoch       uint64                      `json:"epoch"`
	DetectedAt  time.Time                   `json:"detectedAt"`
	DeliveredAt *time.Time                  `json:"deliveredAt,omitempty"`
	Suppressed  string                      `json:"suppressed,omitempty"`
	Payload     AlertPayload                `json:"payload"`
	Deliveries  map[string]*ChannelDelivery `json:"deliveries,omitempty"`
}

// AlertPayload carries the values a channel renders.
type AlertPayload struct {
	Chain         types.ChainID        `json:"chain"`
	Dex           types.DexVariant     `json:"dex"`
	PoolID        string               `json:"poolId"`
	OldStatus     types.PositionStatus `json:"oldStatus,omitempty"`
	NewStatus     types.PositionStatus `json:"newStatus"`
	LowerPrice    decimal.Decimal      `json:"lowerPrice"`
	UpperPrice    decimal.Decimal      `json:"upperPrice"`
	OldPrice      decimal.Decimal      `json:"oldPrice"`
	NewPrice      decimal.Decimal      `json:"newPrice"`
	MovePercent   decimal.Decimal      `json:"movePercent"`
	OutOfRangeFor time.Duration        `json:"outOfRangeFor,omitempty"`
	Version       uint64               `json:"version"`
}

// ChannelDelivery tracks delivery of one event on one channel.
type ChannelDelivery struct {
	Channel       string     `json:"channel"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt time.Time  `json:"lastAttemptAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	Dropped       bool       `json:"dropped"`
}

// Settled reports whether the channel needs no further attempts.
func (d *ChannelDelivery) Settled() bool {
	return d.DeliveredAt != nil || d.Dropped
}

// NewAlertEvent creates an undelivered event for snapshot s.
func NewAlertEvent(s Snapshot, kind types.AlertKind, epoch uint64, detectedAt time.Time) AlertEvent {
	return AlertEvent{
		ID:         uuid.New(),
		Ref:        s.Ref,
		Wallet:     s.Wallet,
		UserID:     s.UserID,
		Kind:       kind,
		Epoch:      epoch,
		DetectedAt: detectedAt,
		Payload: AlertPayload{
			Chain:      s.Chain,
			Dex:        s.Dex,
			PoolID:     s.PoolID,
			NewStatus:  s.Status,
			LowerPrice: s.LowerPrice,
			UpperPrice: s.UpperPrice,
			NewPrice:   s.ActivePrice,
			Version:    s.Version,
		},
	}
}

// Key returns the dedup identity.
func (e AlertEvent) Key() AlertKey {
	return AlertKey{Ref: e.Ref, Kind: e.Kind, Epoch: e.Epoch}
}

// Delivered reports whether any channel accepted the event.
func (e AlertEvent) Delivered() bool {
	return e.DeliveredAt != nil
}

// Pending reports whether some channel still needs an attempt.
func (e AlertEvent) Pending() bool {
	if e.Suppressed != "" {
		return false
	}
	if len(e.Deliveries) == 0 {
		return e.DeliveredAt == nil
	}
	for _, d := range e.Deliveries {
		if !d.Settled() {
			return true
		}
	}
	return false
}

// Clone deep-copies the delivery map so stores can hand out events safely.
func (e AlertEvent) Clone() AlertEvent {
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		e.DeliveredAt = &t
	}
	if e.Deliveries != nil {
		deliveries := make(map[string]*ChannelDelivery, len(e.Deliveries))
		for name, d := range e.Deliveries {
			cp := *d
			if d.DeliveredAt != nil {
				t := *d.DeliveredAt
				cp.DeliveredAt = &t
			}
			deliveries[name] = &cp
		}
		e.Deliveries = deliveries
	}
	return e
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Ref         types.PositionRef
	UserID      string
	Kind        types.AlertKind
	PendingOnly bool
	Since       time.Time
	Limit       int
}

// Matches reports whether e satisfies the filter.
func (f AlertFilter) Matches(e AlertEvent) bool {
	if f.Ref != "" && e.Ref != f.Ref {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.PendingOnly && !e.Pending() {
		return false
	}
	if !f.Since.IsZero() && e.DetectedAt.Before(f.Since) {
		return false
	}
	return true
}
