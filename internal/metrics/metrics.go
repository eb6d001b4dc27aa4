// Package metrics holds the Prometheus collectors of the monitor.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "position_monitor"

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Ingestion
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	SnapshotWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot compare-and-set writes by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	SourceDivergenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_divergence_total",
			Help:      "Accepted writes that flipped a status written shortly before by the other source",
		},
	)

	// Chain reads
	ChainFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_fetches_total",
			Help:      "Position fetches by chain and result",
		},
		[]string{"chain", "result"},
	)
	ChainFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_fetch_duration_seconds",
			Help:      "Duration of position fetches including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"chain"},
	)

	// Poller
	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of poll cycles",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 45, 60},
		},
	)
	PollCycleFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_cycle_failures",
			Help:      "Positions that could not be refreshed in the last cycle",
		},
	)
	PositionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "positions_tracked",
			Help:      "Active tracked positions",
		},
	)

	// Alerts
	AlertsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_detected_total",
			Help:      "Alert events created by kind",
		},
		[]string{"kind"},
	)
	DispatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch results by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	ChannelSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sends_total",
			Help:      "Channel send attempts by channel and result",
		},
		[]string{"channel", "result"},
	)
	AlertQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_queue_depth",
			Help:      "Events waiting in the dispatcher queue",
		},
	)

	// RPC budget
	RPCBudgetThrottlesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_budget_throttles_total",
			Help:      "RPC calls that had to wait for compute-unit budget",
		},
		[]string{"budget", "priority"},
	)

	CircuitBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the named breaker rejects calls",
		},
		[]string{"breaker"},
	)
)

var registerOnce sync.Once

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			WebhookEventsTotal,
			SnapshotWritesTotal,
			SourceDivergenceTotal,
			ChainFetchesTotal,
			ChainFetchDuration,
			PollCycleDuration,
			PollCycleFailures,
			PositionsTracked,
			AlertsDetectedTotal,
			DispatchOutcomesTotal,
			ChannelSendsTotal,
			AlertQueueDepth,
			RPCBudgetThrottlesTotal,
			CircuitBreakerOpen,
		)
	})
}
