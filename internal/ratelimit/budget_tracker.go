package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWindow is the accounting period providers quote budgets in.
const DefaultWindow = time.Second

const (
	keyPrefix    = "rpc:cu:"
	poolTotal    = "total"
	poolReserved = "reserved"
	poolShared   = "shared"
)

// takeScript charges ARGV[1] to the window total (KEYS[1]) and to one pool
// (KEYS[2]) only when both stay within their limits.
var takeScript = redis.NewScript(`
local cu = tonumber(ARGV[1])
local total = tonumber(redis.call('GET', KEYS[1]) or '0')
local pool = tonumber(redis.call('GET', KEYS[2]) or '0')
if total + cu > tonumber(ARGV[2]) or pool + cu > tonumber(ARGV[3]) then
	return 0
end
redis.call('INCRBY', KEYS[1], cu)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('INCRBY', KEYS[2], cu)
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return 1
`)

// CUBudgetTracker splits a provider's compute-unit allowance between every
// process that shares the same Redis. Each window holds a reserved pool for
// interactive calls and a shared pool for background calls, and both count
// against the total.
type CUBudgetTracker struct {
	client   redis.Cmdable
	name     string
	total    int
	reserved int
	window   time.Duration
	now      func() time.Time
}

// CUBudgetTrackerConfig configures a CUBudgetTracker.
type CUBudgetTrackerConfig struct {
	Redis redis.Cmdable
	// Name namespaces the counters, normally the chain.
	Name           string
	TotalBudget    int
	ReservedBudget int
	// WindowSize defaults to DefaultWindow.
	WindowSize time.Duration
}

// BudgetUsage is the spend of the current window.
type BudgetUsage struct {
	WindowStart    time.Time
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
}

// SharedBudget is the part of the total background calls may use.
func (u BudgetUsage) SharedBudget() int { return u.TotalBudget - u.ReservedBudget }

// NewCUBudgetTracker validates cfg and builds a tracker.
func NewCUBudgetTracker(cfg *CUBudgetTrackerConfig) (*CUBudgetTracker, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("budget configuration is required")
	case cfg.Redis == nil:
		return nil, errors.New("redis client is required")
	case cfg.TotalBudget <= 0:
		return nil, fmt.Errorf("total budget must be positive, got %d", cfg.TotalBudget)
	case cfg.ReservedBudget <= 0 || cfg.ReservedBudget > cfg.TotalBudget:
		return nil, fmt.Errorf("reserved budget must be within 1 and %d, got %d", cfg.TotalBudget, cfg.ReservedBudget)
	}

	window := cfg.WindowSize
	if window <= 0 {
		window = DefaultWindow
	}
	return &CUBudgetTracker{
		client:   cfg.Redis,
		name:     cfg.Name,
		total:    cfg.TotalBudget,
		reserved: cfg.ReservedBudget,
		window:   window,
		now:      time.Now,
	}, nil
}

// windowStart is the beginning of the window containing now.
func (t *CUBudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.window)
}

// key keeps all counters of one window in the same cluster slot.
func (t *CUBudgetTracker) key(start time.Time, pool string) string {
	return keyPrefix + "{" + t.name + ":" + strconv.FormatInt(start.UnixMilli(), 10) + "}:" + pool
}

func (t *CUBudgetTracker) poolLimit(p Priority) int {
	if p == PriorityInteractive {
		return t.reserved
	}
	return t.total - t.reserved
}

// TryConsume charges cu to p's pool. When the window cannot fit it, it
// returns false and the time left until the next window. A Redis failure
// also denies, so an outage slows callers down instead of overspending.
func (t *CUBudgetTracker) TryConsume(ctx context.Context, cu int, p Priority) (bool, time.Duration) {
	if cu <= 0 {
		return true, 0
	}

	start := t.windowStart()
	keys := []string{t.key(start, poolTotal), t.key(start, p.pool())}
	ttl := (2 * t.window).Milliseconds()

	granted, err := takeScript.Run(ctx, t.client, keys, cu, t.total, t.poolLimit(p), ttl).Int()
	if err != nil || granted != 1 {
		return false, t.untilNextWindow(start)
	}
	return true, 0
}

func (t *CUBudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(t.window).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage reads the counters of the current window.
func (t *CUBudgetTracker) GetUsage(ctx context.Context) (BudgetUsage, error) {
	start := t.windowStart()
	usage := BudgetUsage{
		WindowStart:    start,
		TotalBudget:    t.total,
		ReservedBudget: t.reserved,
	}

	vals, err := t.client.MGet(ctx,
		t.key(start, poolTotal), t.key(start, poolReserved), t.key(start, poolShared)).Result()
	if err != nil {
		return usage, fmt.Errorf("read %s budget usage: %w", t.name, err)
	}
	counters := []*int{&usage.TotalUsed, &usage.ReservedUsed, &usage.SharedUsed}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			*counters[i], _ = strconv.Atoi(s)
		}
	}
	return usage, nil
}
