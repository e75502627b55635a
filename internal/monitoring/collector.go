// Package monitoring checks ingestion and send health on an interval and
// posts alerts to a webhook when thresholds are breached.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Ingestion runs started within the lookback window.
	RunsTotal      int     `json:"runs_total"`
	RunsCompleted  int     `json:"runs_completed"`
	RunsFailed     int     `json:"runs_failed"`
	RunsProcessing int     `json:"runs_processing"`
	RunFailRate    float64 `json:"run_fail_rate"`

	// Row outcomes across those runs.
	Rows       int     `json:"rows"`
	Rejected   int     `json:"rejected"`
	RejectRate float64 `json:"reject_rate"`
	Enrolled   int     `json:"enrolled"`

	// Providers whose circuit is open.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	Lookback    time.Duration `json:"lookback"`
	CollectedAt time.Time     `json:"collected_at"`
}

// RunLister is the store surface the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
}

// BreakerStates reports provider circuit states by name.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store and the provider breakers.
type Collector struct {
	runs     RunLister
	breakers BreakerStates
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(runs RunLister, breakers BreakerStates) *Collector {
	return &Collector{runs: runs, breakers: breakers, now: time.Now}
}

// maxRuns caps how many recent runs one snapshot reads.
const maxRuns = 10000

// Collect gathers a snapshot over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{Lookback: lookback, CollectedAt: now}
	cutoff := now.Add(-lookback)

	// Runs are listed newest first.
	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsProcessing++
		}
		snap.Rows += r.Counters.Rows
		snap.Rejected += r.Counters.Rejected
		snap.Enrolled += r.Counters.Enrolled
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.Rows > 0 {
		snap.RejectRate = float64(snap.Rejected) / float64(snap.Rows)
	}

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}
