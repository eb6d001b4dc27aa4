package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

func TestMemoryAlertStore(t *testing.T) {
	ctx := testContext(t)
	store := NewMemoryAlertStore()

	now := time.Now().UTC()
	e := models.NewAlertEvent(testSnapshot(1, 112), types.AlertOutOfRange, 1, now.Add(-48*time.Hour))
	require.NoError(t, store.Create(ctx, e))

	dup := models.NewAlertEvent(testSnapshot(2, 113), types.AlertOutOfRange, 1, now)
	assert.ErrorIs(t, store.Create(ctx, dup), ErrDuplicateKey, "same (position, kind, epoch)")

	got, err := store.GetByKey(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	pending, err := store.List(ctx, models.AlertFilter{PendingOnly: true})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	last, err := store.LastDeliveredAt(ctx, e.Ref, e.Kind)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	delivered := now.Add(-47 * time.Hour)
	got.DeliveredAt = &delivered
	got.Deliveries = map[string]*models.ChannelDelivery{
		models.ChannelTelegram: {Channel: models.ChannelTelegram, Attempts: 1, DeliveredAt: &delivered},
	}
	require.NoError(t, store.Update(ctx, got))

	last, _ = store.LastDeliveredAt(ctx, e.Ref, e.Kind)
	assert.Equal(t, delivered, last)

	purged, err := store.PurgeBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = store.Get(ctx, e.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAlertStore_PurgeKeepsPending(t *testing.T) {
	ctx := testContext(t)
	store := NewMemoryAlertStore()

	old := models.NewAlertEvent(testSnapshot(1, 112), types.AlertOutOfRange, 1, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, store.Create(ctx, old))

	purged, err := store.PurgeBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestMemoryPreferenceStore(t *testing.T) {
	ctx := testContext(t)
	store := NewMemoryPreferenceStore()

	_, err := store.GetPreference(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	cooldown := 10 * time.Minute
	p := models.DefaultPreference("u1")
	p.DailySummary = true
	p.CooldownOverride = &cooldown
	require.NoError(t, store.SavePreference(ctx, p))
	require.NoError(t, store.SavePreference(ctx, models.DefaultPreference("u2")))

	got, err := store.GetPreference(ctx, "u1")
	require.NoError(t, err)
	got.Channels[0] = "mutated"
	*got.CooldownOverride = time.Second

	again, _ := store.GetPreference(ctx, "u1")
	assert.Equal(t, models.ChannelTelegram, again.Channels[0])
	assert.Equal(t, cooldown, *again.CooldownOverride)

	summary, err := store.ListDailySummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, "u1", summary[0].UserID)
}

func TestMemoryWalletStoreAndInvalidation(t *testing.T) {
	ctx := testContext(t)
	wallets := NewMemoryWalletStore()

	require.NoError(t, wallets.SaveWallet(ctx, models.TrackedWallet{Address: "0xABC", UserID: "u1", Active: true}))
	require.NoError(t, wallets.SaveWallet(ctx, models.TrackedWallet{Address: "0xdef", UserID: "u2"}))

	w, err := wallets.GetWallet(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", w.Address)

	active, _ := wallets.ListWallets(ctx, true)
	assert.Len(t, active, 1)
	all, _ := wallets.ListWallets(ctx, false)
	assert.Len(t, all, 2)

	inv := NewMemoryInvalidationSet()
	require.NoError(t, inv.Mark(ctx, "0xABC"))
	require.NoError(t, inv.Mark(ctx, "0xabc"))
	drained, err := inv.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xabc"}, drained)
	drained, _ = inv.Drain(ctx)
	assert.Empty(t, drained)
}
