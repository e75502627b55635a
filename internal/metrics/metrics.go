// Package metrics exposes Prometheus collectors for the dispatch engine.
//
// Usage:
//
//	metrics.RecordSend("ses", "sent", 120*time.Millisecond)
//	metrics.RecordBreakerState("ses", "open")
//	metrics.RecordSweep(result.Sent, result.Failed, result.Completed)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts provider send attempts by provider and outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Total provider send attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// SendDuration tracks provider call latency.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Duration of provider send calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// BreakerState is 0 closed, 1 half_open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half_open, 2 open)",
		},
		[]string{"provider"},
	)

	// RateLimitedTotal counts calls that had to wait for a rate limit window.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rate_limited_total",
			Help: "Total calls delayed by the rate limiter",
		},
		[]string{"key"},
	)

	// RetriesTotal counts retry sleeps by operation.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_retries_total",
			Help: "Total retry attempts by operation",
		},
		[]string{"operation"},
	)

	// WavesTotal counts completed waves.
	WavesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_waves_total",
			Help: "Total send waves completed",
		},
	)

	// SweepEnrollmentsTotal counts sweep outcomes per enrollment.
	SweepEnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_sweep_enrollments_total",
			Help: "Enrollments processed by sequence sweeps by outcome",
		},
		[]string{"outcome"},
	)

	// DedupTotal counts dedup decisions.
	DedupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_dedup_total",
			Help: "Lead dedup decisions by action",
		},
		[]string{"action"},
	)

	// ClassificationsTotal counts lead classifications by type and by
	// whether the model refined the rule result.
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_classifications_total",
			Help: "Lead classifications by type and method",
		},
		[]string{"type", "method"},
	)

	// RunsTotal counts finished ingestion runs by status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Finished ingestion runs by status",
		},
		[]string{"status"},
	)
)

// RecordSend records one provider call.
func RecordSend(provider, outcome string, d time.Duration) {
	SendsTotal.WithLabelValues(provider, outcome).Inc()
	SendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordBreakerState records the current breaker state by name.
func RecordBreakerState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(provider).Set(v)
}

// RecordRateLimited records a rate limiter wait.
func RecordRateLimited(key string) {
	RateLimitedTotal.WithLabelValues(key).Inc()
}

// RecordRetry records one retry.
func RecordRetry(operation string) {
	RetriesTotal.WithLabelValues(operation).Inc()
}

// RecordWave records a completed wave.
func RecordWave() {
	WavesTotal.Inc()
}

// RecordSweep records the per-enrollment outcomes of one sweep.
func RecordSweep(sent, failed, completed, deferred int) {
	SweepEnrollmentsTotal.WithLabelValues("sent").Add(float64(sent))
	SweepEnrollmentsTotal.WithLabelValues("failed").Add(float64(failed))
	SweepEnrollmentsTotal.WithLabelValues("completed").Add(float64(completed))
	SweepEnrollmentsTotal.WithLabelValues("deferred").Add(float64(deferred))
}

// RecordDedup records one dedup decision.
func RecordDedup(action string) {
	DedupTotal.WithLabelValues(action).Inc()
}

// RecordRun records a finished run.
func RecordRun(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}

// RecordClassification records one lead classification. method is "rules"
// or "llm".
func RecordClassification(leadType, method string) {
	ClassificationsTotal.WithLabelValues(leadType, method).Inc()
}
