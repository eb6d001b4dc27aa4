package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestWithExponentialBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	res := WithExponentialBackoff(context.Background(), fastConfig(4), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("rpc timeout")
		}
		return nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, res.LastError)
}

func TestWithExponentialBackoff_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	res := WithExponentialBackoff(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		return boom
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.ErrorIs(t, res.LastError, boom)
}

func TestDo_RetryIfStopsEarly(t *testing.T) {
	permanent := errors.New("not found")
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour}

	err := Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 3))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10), "capped at MaxDelay")

	cfg.JitterFactor = 0.5
	for i := 0; i < 50; i++ {
		d := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
