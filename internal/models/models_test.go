package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/position-monitor/internal/types"
)

func snap(lower, upper, active int64) Snapshot {
	return Snapshot{
		Ref:         "ethereum:uniswap_v3:1",
		IsActive:    true,
		LowerPrice:  decimal.NewFromInt(lower),
		UpperPrice:  decimal.NewFromInt(upper),
		ActivePrice: decimal.NewFromInt(active),
	}
}

func TestRangeStatus(t *testing.T) {
	tests := []struct {
		name   string
		active int64
		want   types.PositionStatus
	}{
		{"inside", 105, types.StatusInRange},
		{"at lower bound", 100, types.StatusInRange},
		{"at upper bound", 110, types.StatusOutOfRange},
		{"below", 99, types.StatusOutOfRange},
		{"above", 112, types.StatusOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snap(100, 110, tt.active).RangeStatus(); got != tt.want {
				t.Errorf("RangeStatus() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := (Snapshot{}).RangeStatus(); got != types.StatusUnknown {
		t.Errorf("RangeStatus() without bounds = %v, want unknown", got)
	}
}

func TestSnapshotFilterMatches(t *testing.T) {
	now := time.Now()
	s := snap(100, 110, 105)
	s.Wallet = "0xabc"
	s.PoolID = "0xpool"
	s.Chain = types.ChainEthereum
	s.LastCheckedAt = now.Add(-10 * time.Minute)

	assert.True(t, SnapshotFilter{}.Matches(s))
	assert.True(t, SnapshotFilter{Wallet: "0xabc", PoolID: "0xpool"}.Matches(s))
	assert.False(t, SnapshotFilter{Wallet: "0xdef"}.Matches(s))
	assert.True(t, SnapshotFilter{CheckedBefore: now.Add(-5 * time.Minute)}.Matches(s))
	assert.False(t, SnapshotFilter{CheckedBefore: now.Add(-20 * time.Minute)}.Matches(s))

	s.IsActive = false
	assert.False(t, SnapshotFilter{}.Matches(s))
}

func TestPreferenceAllows(t *testing.T) {
	p := DefaultPreference("u1")
	assert.True(t, p.Allows(types.AlertOutOfRange))
	assert.True(t, p.Allows(types.AlertBackInRange))
	assert.True(t, p.Allows(types.AlertPriceMove))
	assert.True(t, p.Allows(types.AlertRebalanceRecommended))

	p.AlertOnOutOfRange = false
	assert.False(t, p.Allows(types.AlertOutOfRange))
	assert.False(t, p.Allows(types.AlertRebalanceRecommended))

	p.AutoRebalance = true
	assert.True(t, p.Allows(types.AlertRebalanceRecommended))
}

func TestAlertEventPendingAndClone(t *testing.T) {
	e := NewAlertEvent(snap(100, 110, 112), types.AlertOutOfRange, 1, time.Now())
	assert.True(t, e.Pending())

	now := time.Now()
	e.Deliveries = map[string]*ChannelDelivery{
		ChannelTelegram: {Channel: ChannelTelegram, DeliveredAt: &now},
		ChannelWebhook:  {Channel: ChannelWebhook, Attempts: 1, LastError: "timeout"},
	}
	assert.True(t, e.Pending(), "undelivered webhook channel keeps the event pending")

	cp := e.Clone()
	cp.Deliveries[ChannelWebhook].Dropped = true
	assert.False(t, e.Deliveries[ChannelWebhook].Dropped, "clone must not alias deliveries")
	assert.False(t, cp.Pending())

	e.Suppressed = "duplicate"
	assert.False(t, e.Pending())
}
