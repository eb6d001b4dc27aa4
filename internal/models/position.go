// Package models provides data models for the position monitor.
package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/position-monitor/internal/types"
)

// Snapshot is the last-known state of one tracked liquidity position.
// It is a value type: copies are independent.
type Snapshot struct {
	Ref    types.PositionRef `json:"positionRef" db:"position_ref"`
	Wallet string            `json:"wallet" db:"wallet"`
	UserID string            `json:"userId" db:"user_id"`
	Chain  types.ChainID     `json:"chain" db:"chain"`
	Dex    types.DexVariant  `json:"dex" db:"dex"`
	PoolID string            `json:"poolId" db:"pool_id"`
	Token0 string            `json:"token0,omitempty" db:"token0"`
	Token1 string            `json:"token1,omitempty" db:"token1"`

	TickLower   int32 `json:"tickLower" db:"tick_lower"`
	TickUpper   int32 `json:"tickUpper" db:"tick_upper"`
	CurrentTick int32 `json:"currentTick" db:"current_tick"`

	LowerPrice  decimal.Decimal `json:"lowerPrice" db:"lower_price"`
	UpperPrice  decimal.Decimal `json:"upperPrice" db:"upper_price"`
	ActivePrice decimal.Decimal `json:"activePrice" db:"active_price"`
	Liquidity   decimal.Decimal `json:"liquidity" db:"liquidity"`
	FeesAccrued decimal.Decimal `json:"feesAccrued" db:"fees_accrued"`

	IsActive      bool                 `json:"isActive" db:"is_active"`
	Status        types.PositionStatus `json:"status" db:"status"`
	Version       uint64               `json:"version" db:"version"`
	Source        types.UpdateSource   `json:"source" db:"source"`
	ObservedAt    time.Time            `json:"observedAt" db:"observed_at"`
	LastCheckedAt time.Time            `json:"lastCheckedAt" db:"last_checked_at"`
	UpdatedAt     time.Time            `json:"updatedAt" db:"updated_at"`

	Risk RiskState `json:"risk" db:"-"`
}

// RiskState holds the rolling counters the risk evaluator needs between
// observations. It is committed atomically with the snapshot it belongs to.
type RiskState struct {
	// RangeState is the last definite status; unknown never overwrites it.
	RangeState       types.PositionStatus `json:"rangeState,omitempty"`
	Episode          uint64               `json:"episode"`
	EpisodeStartedAt time.Time            `json:"episodeStartedAt"`
	RebalanceSent    bool                 `json:"rebalanceSent"`
	LastAlertedPrice decimal.Decimal      `json:"lastAlertedPrice"`
	PriceEpoch       uint64               `json:"priceEpoch"`
	LastPriceAlertAt time.Time            `json:"lastPriceAlertAt"`
}

// RangeStatus reports in_range when lower <= active < upper, otherwise
// out_of_range. A snapshot with no bounds reports unknown.
func (s Snapshot) RangeStatus() types.PositionStatus {
	if s.LowerPrice.IsZero() && s.UpperPrice.IsZero() {
		return types.StatusUnknown
	}
	if s.ActivePrice.GreaterThanOrEqual(s.LowerPrice) && s.ActivePrice.LessThan(s.UpperPrice) {
		return types.StatusInRange
	}
	return types.StatusOutOfRange
}

// WithComputedStatus returns s with Status derived from its prices.
func (s Snapshot) WithComputedStatus() Snapshot {
	s.Status = s.RangeStatus()
	return s
}

// IsStale reports whether the snapshot was last checked before cutoff.
func (s Snapshot) IsStale(cutoff time.Time) bool {
	return s.LastCheckedAt.Before(cutoff)
}

// SnapshotFilter narrows ListActive.
type SnapshotFilter struct {
	Wallet string
	UserID string
	Chain  types.ChainID
	PoolID string
	// CheckedBefore keeps only snapshots whose LastCheckedAt is older.
	CheckedBefore time.Time
	Limit         int
}

// Matches reports whether s satisfies the filter. Inactive snapshots never match.
func (f SnapshotFilter) Matches(s Snapshot) bool {
	if !s.IsActive {
		return false
	}
	if f.Wallet != "" && s.Wallet != f.Wallet {
		return false
	}
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.Chain != "" && s.Chain != f.Chain {
		return false
	}
	if f.PoolID != "" && s.PoolID != f.PoolID {
		return false
	}
	if !f.CheckedBefore.IsZero() && !s.LastCheckedAt.Before(f.CheckedBefore) {
		return false
	}
	return true
}
