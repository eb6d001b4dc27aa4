package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/position-monitor/internal/logging"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 - 1.0

	// RetryIf reports whether err is worth another attempt. Nil retries every error.
	RetryIf func(error) bool
}

// DefaultConfig returns the backoff used for chain reads: 200ms, 400ms, 800ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Func is a function that can be retried. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do runs fn with exponential backoff and returns the last error, if any.
func Do(ctx context.Context, cfg Config, fn Func) error {
	return WithExponentialBackoff(ctx, cfg, fn).LastError
}

// WithExponentialBackoff executes fn until it succeeds, returns a
// non-retryable error, exhausts MaxAttempts or ctx is done.
func WithExponentialBackoff(ctx context.Context, cfg Config, fn Func) *Result {
	logger := logging.FromContext(ctx)
	start := time.Now()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	result := &Result{}
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration,
				}).Debug("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			break
		}
		if attempt == cfg.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Debug("Operation failed after max retry attempts")
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(cfg, attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": cfg.MaxAttempts,
			"delay":       delay,
			"error":       err.Error(),
		}).Debug("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// calculateDelay returns the wait after the given (1-based) failed attempt.
func calculateDelay(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterFactor > 0 {
		jitter := math.Min(cfg.JitterFactor, 1)
		delay += delay * jitter * (rand.Float64()*2 - 1) // #nosec G404 - jitter does not need crypto randomness
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
