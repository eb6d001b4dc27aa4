package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/position-monitor/internal/circuitbreaker"
	apperrors "github.com/position-monitor/internal/errors"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/storage"
	"github.com/position-monitor/internal/types"
)

const (
	testUser = "user-1"
	testRef  = types.PositionRef("ethereum:uniswap_v3:1")
)

// fakeChannel records sends and fails while failing is set.
type fakeChannel struct {
	name string

	mu      sync.Mutex
	sent    []Message
	calls   int
	failing error
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Send(_ context.Context, _ string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failing != nil {
		return apperrors.NewDeliveryError(c.name, c.failing)
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) setFailing(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = err
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingAudit struct {
	mu      sync.Mutex
	records []storage.AuditRecord
}

func (a *recordingAudit) Record(_ context.Context, records []storage.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, records...)
	return nil
}

type dispatchFixture struct {
	d        *Dispatcher
	alerts   *storage.MemoryAlertStore
	prefs    *storage.MemoryPreferenceStore
	snaps    *storage.MemorySnapshotStore
	telegram *fakeChannel
	webhook  *fakeChannel
	audit    *recordingAudit
	clock    time.Time
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		alerts:   storage.NewMemoryAlertStore(),
		prefs:    storage.NewMemoryPreferenceStore(),
		snaps:    storage.NewMemorySnapshotStore(),
		telegram: &fakeChannel{name: models.ChannelTelegram},
		webhook:  &fakeChannel{name: models.ChannelWebhook},
		audit:    &recordingAudit{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	breakers := circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		cfg := circuitbreaker.DefaultConfig(name)
		cfg.MaxFailures = 100
		return cfg
	})
	f.d = NewDispatcher(Config{
		MaxAttempts:    3,
		RetryInterval:  time.Minute,
		Retention:      24 * time.Hour,
		SummaryHourUTC: 9,
	}, Deps{
		Alerts:      f.alerts,
		Preferences: f.prefs,
		Snapshots:   f.snaps,
		Channels:    []Channel{f.telegram, f.webhook},
		Breakers:    breakers,
		Audit:       f.audit,
		Logger:      logging.Discard(),
	})
	f.d.now = func() time.Time { return f.clock }

	require.NoError(t, f.prefs.SavePreference(context.Background(), models.UserAlertPreference{
		UserID:            testUser,
		AlertOnOutOfRange: true,
		AlertOnPriceMove:  true,
		Channels:          []string{models.ChannelTelegram, models.ChannelWebhook},
		TelegramChatID:    "42",
		WebhookURL:        "https://example.invalid/hook",
	}))
	return f
}

func (f *dispatchFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func testEvent(kind types.AlertKind, epoch uint64, at time.Time) models.AlertEvent {
	s := models.Snapshot{
		Ref:         testRef,
		Wallet:      "0x00000000000000000000000000000000000000aa",
		UserID:      testUser,
		Chain:       types.ChainEthereum,
		Dex:         types.DexUniswapV3,
		PoolID:      "0xpool",
		LowerPrice:  decimal.NewFromInt(100),
		UpperPrice:  decimal.NewFromInt(110),
		ActivePrice: decimal.NewFromInt(112),
		Status:      types.StatusOutOfRange,
		Version:     epoch,
	}
	return models.NewAlertEvent(s, kind, epoch, at)
}

func TestDispatch_DeliversOnAllChannels(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	require.Len(t, f.telegram.sent, 1)
	require.Len(t, f.webhook.sent, 1)
	assert.Contains(t, f.telegram.sent[0].Text, "OUT OF RANGE")
	require.NotNil(t, f.webhook.sent[0].Event)
	assert.Equal(t, types.AlertOutOfRange, f.webhook.sent[0].Event.Kind)

	stored, err := f.alerts.GetByKey(ctx, res.Event.Key())
	require.NoError(t, err)
	assert.True(t, stored.Delivered())
	assert.False(t, stored.Pending())
	assert.Len(t, f.audit.records, 2)

	// A second pass over a settled event sends nothing.
	res, err = f.d.Dispatch(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, f.telegram.callCount())
}

func TestDispatch_OneChannelFailsOtherSucceeds(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.telegram.setFailing(errors.New("telegram down"))

	res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.True(t, res.Event.Delivered())
	assert.True(t, res.Event.Pending(), "failed channel must stay pending")

	tg := res.Event.Deliveries[models.ChannelTelegram]
	require.NotNil(t, tg)
	assert.Equal(t, 1, tg.Attempts)
	assert.Nil(t, tg.DeliveredAt)
	assert.Contains(t, tg.LastError, "telegram down")
	assert.NotNil(t, res.Event.Deliveries[models.ChannelWebhook].DeliveredAt)

	// Not due yet.
	_, err = f.d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.telegram.callCount())

	f.telegram.setFailing(nil)
	f.advance(time.Minute)
	sweep, err := f.d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Retried)
	assert.Equal(t, 2, f.telegram.callCount())
	assert.Equal(t, 1, f.webhook.callCount(), "delivered channel is not retried")

	stored, err := f.alerts.GetByKey(ctx, res.Event.Key())
	require.NoError(t, err)
	assert.False(t, stored.Pending())
	assert.NotNil(t, stored.Deliveries[models.ChannelTelegram].DeliveredAt)
}

func TestDispatch_DropsChannelAfterMaxAttempts(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.telegram.setFailing(errors.New("boom"))
	f.webhook.setFailing(errors.New("boom"))

	res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	// Backoff doubles: 1m then 2m.
	f.advance(time.Minute)
	_, err = f.d.Sweep(ctx)
	require.NoError(t, err)
	f.advance(time.Minute)
	_, err = f.d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.telegram.callCount())

	f.advance(time.Minute)
	_, err = f.d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.telegram.callCount())

	stored, err := f.alerts.GetByKey(ctx, res.Event.Key())
	require.NoError(t, err)
	assert.False(t, stored.Pending())
	assert.False(t, stored.Delivered())
	assert.True(t, stored.Deliveries[models.ChannelTelegram].Dropped)
	assert.True(t, stored.Deliveries[models.ChannelWebhook].Dropped)

	res, err = f.d.Dispatch(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestDispatch_MissingRecipientDropsImmediately(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.telegram.setFailing(errNoRecipient)

	res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.True(t, res.Event.Deliveries[models.ChannelTelegram].Dropped)
	assert.False(t, res.Event.Pending())
}

func TestDispatch_OpenCircuitDoesNotConsumeAttempts(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	f.d.breakers = circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		cfg := circuitbreaker.DefaultConfig(name)
		cfg.MaxFailures = 1
		cfg.Timeout = time.Hour
		return cfg
	})
	breaker := f.d.breakers.Get("channel:" + models.ChannelTelegram)
	_ = breaker.Execute(ctx, func() error { return errors.New("trip") })
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	tg := res.Event.Deliveries[models.ChannelTelegram]
	assert.Equal(t, 0, tg.Attempts)
	assert.False(t, tg.Dropped)
	assert.Equal(t, 0, f.telegram.callCount())
	assert.True(t, res.Event.Pending())
}

func TestDispatch_Suppression(t *testing.T) {
	ctx := context.Background()

	t.Run("preference disabled", func(t *testing.T) {
		f := newDispatchFixture(t)
		pref, err := f.prefs.GetPreference(ctx, testUser)
		require.NoError(t, err)
		pref.AlertOnPriceMove = false
		require.NoError(t, f.prefs.SavePreference(ctx, pref))

		res, err := f.d.Dispatch(ctx, testEvent(types.AlertPriceMove, 1, f.clock))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuppressed, res.Outcome)
		assert.Equal(t, ReasonPreferenceDisabled, res.Reason)
		assert.Equal(t, 0, f.telegram.callCount())

		stored, err := f.alerts.GetByKey(ctx, res.Event.Key())
		require.NoError(t, err)
		assert.Equal(t, ReasonPreferenceDisabled, stored.Suppressed)
		assert.False(t, stored.Pending())
		require.Len(t, f.audit.records, 1)
	})

	t.Run("duplicate key", func(t *testing.T) {
		f := newDispatchFixture(t)
		first := testEvent(types.AlertOutOfRange, 7, f.clock)
		_, err := f.d.Dispatch(ctx, first)
		require.NoError(t, err)

		second := testEvent(types.AlertOutOfRange, 7, f.clock)
		res, err := f.d.Dispatch(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuppressed, res.Outcome)
		assert.Equal(t, ReasonDuplicate, res.Reason)
		assert.Equal(t, first.ID, res.Event.ID)
		assert.Equal(t, 1, f.telegram.callCount())
	})

	t.Run("cooldown", func(t *testing.T) {
		f := newDispatchFixture(t)
		res, err := f.d.Dispatch(ctx, testEvent(types.AlertPriceMove, 1, f.clock))
		require.NoError(t, err)
		require.Equal(t, OutcomeDelivered, res.Outcome)

		f.advance(30 * time.Minute)
		res, err = f.d.Dispatch(ctx, testEvent(types.AlertPriceMove, 2, f.clock))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuppressed, res.Outcome)
		assert.Equal(t, ReasonCooldown, res.Reason)

		f.advance(31 * time.Minute)
		res, err = f.d.Dispatch(ctx, testEvent(types.AlertPriceMove, 3, f.clock))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDelivered, res.Outcome)
	})

	t.Run("range transitions have no cooldown", func(t *testing.T) {
		f := newDispatchFixture(t)
		for epoch := uint64(1); epoch <= 3; epoch++ {
			res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, epoch, f.clock))
			require.NoError(t, err)
			assert.Equal(t, OutcomeDelivered, res.Outcome)
		}
	})

	t.Run("user cooldown override", func(t *testing.T) {
		f := newDispatchFixture(t)
		pref, err := f.prefs.GetPreference(ctx, testUser)
		require.NoError(t, err)
		override := 10 * time.Minute
		pref.CooldownOverride = &override
		require.NoError(t, f.prefs.SavePreference(ctx, pref))

		_, err = f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
		require.NoError(t, err)
		f.advance(5 * time.Minute)
		res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 2, f.clock))
		require.NoError(t, err)
		assert.Equal(t, ReasonCooldown, res.Reason)
	})

	t.Run("no usable channel", func(t *testing.T) {
		f := newDispatchFixture(t)
		require.NoError(t, f.prefs.SavePreference(ctx, models.UserAlertPreference{
			UserID:            testUser,
			AlertOnOutOfRange: true,
			Channels:          []string{"carrier-pigeon"},
		}))
		res, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuppressed, res.Outcome)
		assert.Equal(t, ReasonNoChannel, res.Reason)
	})
}

func TestDispatch_DefaultPreferenceForUnknownUser(t *testing.T) {
	f := newDispatchFixture(t)
	e := testEvent(types.AlertOutOfRange, 1, f.clock)
	e.UserID = "stranger"

	res, err := f.d.Dispatch(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, 1, f.telegram.callCount())
	assert.Equal(t, 0, f.webhook.callCount())
}

func TestSweep_PurgesSettledEventsPastRetention(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, testEvent(types.AlertOutOfRange, 1, f.clock))
	require.NoError(t, err)

	f.telegram.setFailing(errors.New("down"))
	f.webhook.setFailing(errors.New("down"))
	pending, err := f.d.Dispatch(ctx, testEvent(types.AlertBackInRange, 2, f.clock))
	require.NoError(t, err)
	require.Equal(t, OutcomePending, pending.Outcome)

	f.advance(25 * time.Hour)
	res, err := f.d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)

	_, err = f.alerts.GetByKey(ctx, models.AlertKey{Ref: testRef, Kind: types.AlertOutOfRange, Epoch: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.alerts.GetByKey(ctx, pending.Event.Key())
	assert.NoError(t, err, "pending events survive retention")
}

func TestSendDailySummaries(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()

	pref, err := f.prefs.GetPreference(ctx, testUser)
	require.NoError(t, err)
	pref.DailySummary = true
	pref.Channels = []string{models.ChannelTelegram}
	require.NoError(t, f.prefs.SavePreference(ctx, pref))

	s := testEvent(types.AlertOutOfRange, 1, f.clock)
	_, err = f.snaps.Upsert(ctx, models.Snapshot{
		Ref:         s.Ref,
		Wallet:      s.Wallet,
		UserID:      testUser,
		Chain:       types.ChainEthereum,
		Dex:         types.DexUniswapV3,
		LowerPrice:  decimal.NewFromInt(100),
		UpperPrice:  decimal.NewFromInt(110),
		ActivePrice: decimal.NewFromInt(105),
		IsActive:    true,
		Version:     1,
	}.WithComputedStatus(), storage.UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	// Before the configured hour.
	f.clock = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	n, err := f.d.SendDailySummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock = time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	n, err = f.d.SendDailySummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.telegram.sent, 1)
	assert.Contains(t, f.telegram.sent[0].Text, "Daily summary for 2026-03-01")
	assert.Contains(t, f.telegram.sent[0].Text, "1 in range")
	assert.Nil(t, f.telegram.sent[0].Event)

	// Once per day.
	f.advance(time.Hour)
	n, err = f.d.SendDailySummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	n, err = f.d.SendDailySummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_QueueLoop(t *testing.T) {
	f := newDispatchFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.d.Start(ctx))
	assert.Error(t, f.d.Start(ctx))

	assert.True(t, f.d.Enqueue(testEvent(types.AlertOutOfRange, 1, f.clock)))
	assert.Eventually(t, func() bool { return f.telegram.callCount() == 1 }, time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, f.d.Stop(stopCtx))
	assert.Error(t, f.d.Stop(stopCtx))
}

func TestDispatcher_EnqueueReportsFullQueue(t *testing.T) {
	d := NewDispatcher(Config{QueueSize: 1}, Deps{
		Alerts:      storage.NewMemoryAlertStore(),
		Preferences: storage.NewMemoryPreferenceStore(),
		Logger:      logging.Discard(),
	})
	assert.True(t, d.Enqueue(testEvent(types.AlertOutOfRange, 1, time.Now())))
	assert.False(t, d.Enqueue(testEvent(types.AlertOutOfRange, 2, time.Now())))
}
