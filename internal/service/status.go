package service

import (
	"sync"
	"time"

	"github.com/position-monitor/internal/metrics"
	"github.com/position-monitor/internal/models"
)

// StatusTracker holds the process-wide MonitoringStatus. It is rebuilt at
// start from the snapshot store and never persisted.
type StatusTracker struct {
	mu                sync.Mutex
	positionsTracked  int
	webhookConfigured bool
	lastCheck         time.Time
	lastWebhookAt     time.Time
	lastCycleFailures int
	lastCycleOK       int
	degradedHint      func() bool
}

// NewStatusTracker creates a tracker.
func NewStatusTracker(webhookConfigured bool) *StatusTracker {
	return &StatusTracker{webhookConfigured: webhookConfigured}
}

// SetDegradedHint adds an extra degradation signal, such as open circuit
// breakers.
func (t *StatusTracker) SetDegradedHint(fn func() bool) {
	t.mu.Lock()
	t.degradedHint = fn
	t.mu.Unlock()
}

// SetTracked sets the number of active positions.
func (t *StatusTracker) SetTracked(n int) {
	if n < 0 {
		n = 0
	}
	t.mu.Lock()
	t.positionsTracked = n
	t.mu.Unlock()
	metrics.PositionsTracked.Set(float64(n))
}

// AddTracked adjusts the number of active positions by delta.
func (t *StatusTracker) AddTracked(delta int) {
	t.mu.Lock()
	t.positionsTracked += delta
	if t.positionsTracked < 0 {
		t.positionsTracked = 0
	}
	n := t.positionsTracked
	t.mu.Unlock()
	metrics.PositionsTracked.Set(float64(n))
}

// RecordCycle records a finished poll cycle. LastCheck advances when at least
// one position was refreshed or there was nothing to refresh.
func (t *StatusTracker) RecordCycle(at time.Time, succeeded, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastCycleFailures = failed
	t.lastCycleOK = succeeded
	if succeeded > 0 || failed == 0 {
		t.lastCheck = at
	}
	metrics.PollCycleFailures.Set(float64(failed))
}

// RecordWebhook notes the arrival time of a push notification.
func (t *StatusTracker) RecordWebhook(at time.Time) {
	t.mu.Lock()
	if at.After(t.lastWebhookAt) {
		t.lastWebhookAt = at
	}
	t.mu.Unlock()
}

// Snapshot returns a copy of the current status.
func (t *StatusTracker) Snapshot() models.MonitoringStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := models.MonitoringStatus{
		PositionsTracked:  t.positionsTracked,
		WebhookConfigured: t.webhookConfigured,
		LastCycleFailures: t.lastCycleFailures,
		Degraded:          t.lastCycleFailures > 0 && t.lastCycleOK == 0,
	}
	if !t.lastCheck.IsZero() {
		at := t.lastCheck
		s.LastCheck = &at
	}
	if !t.lastWebhookAt.IsZero() {
		at := t.lastWebhookAt
		s.LastWebhookAt = &at
	}
	if !s.Degraded && t.degradedHint != nil && t.degradedHint() {
		s.Degraded = true
	}
	return s
}
