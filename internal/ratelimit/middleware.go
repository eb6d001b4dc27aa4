package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
)

// DefaultMaxWait bounds how long a call waits for budget.
const DefaultMaxWait = 5 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up within MaxWait.
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rate limit budget")

// Backend is the RPC surface that gets metered.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// MeteredBackend charges every call to a CU budget before forwarding it.
// The pool is chosen per call from the context priority.
type MeteredBackend struct {
	underlying Backend
	tracker    *CUBudgetTracker
	costs      CostTable
	maxWait    time.Duration
	logger     *logging.Logger
}

// MeteredBackendConfig holds configuration for a MeteredBackend.
type MeteredBackendConfig struct {
	Backend Backend
	Tracker *CUBudgetTracker
	Costs   CostTable // zero value uses default prices
	MaxWait time.Duration
	Logger  *logging.Logger
}

// NewMeteredBackend wraps cfg.Backend.
func NewMeteredBackend(cfg *MeteredBackendConfig) (*MeteredBackend, error) {
	if cfg == nil || cfg.Backend == nil {
		return nil, errors.New("underlying backend is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("budget tracker is required")
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &MeteredBackend{
		underlying: cfg.Backend,
		tracker:    cfg.Tracker,
		costs:      cfg.Costs,
		maxWait:    maxWait,
		logger:     logger.Component("rpc_budget").WithField("budget", cfg.Tracker.name),
	}, nil
}

// waitForBudget blocks until cu is granted, ctx ends or maxWait elapses.
func (c *MeteredBackend) waitForBudget(ctx context.Context, method string, cu int) error {
	priority := PriorityFromContext(ctx)
	deadline := time.Now().Add(c.maxWait)
	throttled := false

	for {
		allowed, wait := c.tracker.TryConsume(ctx, cu, priority)
		if allowed {
			return nil
		}
		if !throttled {
			throttled = true
			metrics.RPCBudgetThrottlesTotal.WithLabelValues(c.tracker.name, priority.String()).Inc()
			c.logger.WithFields(map[string]interface{}{
				"method":   method,
				"cu":       cu,
				"priority": priority.String(),
			}).Debug("RPC budget exhausted, waiting for next window")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s", ErrMaxWaitExceeded, method)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// BlockNumber implements Backend.
func (c *MeteredBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.waitForBudget(ctx, MethodEthBlockNumber, c.costs.Cost(MethodEthBlockNumber)); err != nil {
		return 0, err
	}
	return c.underlying.BlockNumber(ctx)
}

// CallContract implements Backend.
func (c *MeteredBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.waitForBudget(ctx, MethodEthCall, c.costs.Cost(MethodEthCall)); err != nil {
		return nil, err
	}
	return c.underlying.CallContract(ctx, msg, blockNumber)
}
