// Package circuitbreaker stops calling a chain endpoint or alert channel that
// keeps failing, and lets a few probes through once its timeout passes.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/metrics"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var (
	// ErrCircuitOpen is returned without calling through while open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned once the half-open probes are in use.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a breaker.
type Config struct {
	Name string
	// MaxFailures consecutive failures open the breaker. It is also the
	// minimum number of calls before FailureThreshold is considered.
	MaxFailures int
	// FailureThreshold is a failure ratio in (0,1]; 0 disables the ratio check.
	FailureThreshold float64
	// Timeout is how long the breaker stays open before probing.
	Timeout          time.Duration
	HalfOpenMaxCalls int
	// IsFailure decides which errors count. Nil counts every error.
	IsFailure func(error) bool
	Logger    *logging.Logger
}

// DefaultConfig is used for breakers a Manager creates without overrides.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// window counts outcomes since the last state change.
type window struct {
	calls       int
	failures    int
	successes   int
	consecutive int
}

func (w window) failureRate() float64 {
	if w.calls == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.calls)
}

// CircuitBreaker guards one dependency.
type CircuitBreaker struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	since    time.Time
	counts   window
	inFlight int
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	metrics.CircuitBreakerOpen.WithLabelValues(cfg.Name).Set(0)
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.WithField("circuitBreaker", cfg.Name),
		now:    time.Now,
		state:  StateClosed,
		since:  time.Now(),
	}
}

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.since) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	case StateHalfOpen:
		if cb.inFlight+cb.counts.calls >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
	}
	cb.inFlight++
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}
	cb.counts.calls++

	if err == nil || (cb.cfg.IsFailure != nil && !cb.cfg.IsFailure(err)) {
		cb.counts.successes++
		cb.counts.consecutive = 0
		if cb.state == StateHalfOpen && cb.counts.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}
		return
	}

	cb.counts.failures++
	cb.counts.consecutive++
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.state == StateClosed && cb.tripped():
		cb.logger.WithFields(map[string]interface{}{
			"failures":    cb.counts.failures,
			"calls":       cb.counts.calls,
			"failureRate": cb.counts.failureRate(),
			"lastError":   err.Error(),
		}).Warn("Circuit breaker opened")
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.counts.consecutive >= cb.cfg.MaxFailures {
		return true
	}
	return cb.cfg.FailureThreshold > 0 &&
		cb.counts.calls >= cb.cfg.MaxFailures &&
		cb.counts.failureRate() >= cb.cfg.FailureThreshold
}

// transition moves to state and starts a fresh counting window.
func (cb *CircuitBreaker) transition(state State) {
	from := cb.state
	cb.state = state
	cb.since = cb.now()
	cb.counts = window{}

	open := 0.0
	if state == StateOpen {
		open = 1
	}
	metrics.CircuitBreakerOpen.WithLabelValues(cb.cfg.Name).Set(open)
	cb.logger.WithFields(map[string]interface{}{"from": string(from), "to": string(state)}).Info("Circuit breaker state change")
}

// State returns the current state. An open breaker whose timeout elapsed
// reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Manager hands out one breaker per name ("chain:<name>", "channel:<name>").
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults func(name string) Config
}

// NewManager creates a manager. defaults builds the config of new breakers;
// nil uses DefaultConfig.
func NewManager(defaults func(name string) Config) *Manager {
	if defaults == nil {
		defaults = DefaultConfig
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), defaults: defaults}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(m.defaults(name))
	m.breakers[name] = cb
	return cb
}

// OpenCount returns how many breakers currently reject calls. It feeds the
// degraded flag of the monitoring status.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, cb := range m.breakers {
		if cb.State() == StateOpen {
			n++
		}
	}
	return n
}
