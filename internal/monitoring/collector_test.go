package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/store"
)

type fakeRuns struct {
	runs   []model.PipelineRun
	err    error
	filter store.RunFilter
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	f.filter = filter
	return f.runs, f.err
}

type fakeBreakers map[string]resilience.CircuitState

func (f fakeBreakers) States() map[string]resilience.CircuitState { return f }

var fixedNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func run(status model.RunStatus, age time.Duration, counters model.RunCounters) model.PipelineRun {
	return model.PipelineRun{
		ID:        "run-" + string(status),
		Status:    status,
		Counters:  counters,
		StartedAt: fixedNow.Add(-age),
	}
}

func newTestCollector(runs RunLister, breakers BreakerStates) *Collector {
	c := NewCollector(runs, breakers)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollect(t *testing.T) {
	runs := &fakeRuns{runs: []model.PipelineRun{
		run(model.RunStatusCompleted, time.Hour, model.RunCounters{Rows: 100, Rejected: 10, Enrolled: 60}),
		run(model.RunStatusCompleted, 2*time.Hour, model.RunCounters{Rows: 50, Rejected: 5, Enrolled: 30}),
		run(model.RunStatusFailed, 3*time.Hour, model.RunCounters{Rows: 50, Rejected: 35}),
		run(model.RunStatusProcessing, time.Minute, model.RunCounters{}),
		run(model.RunStatusFailed, 48*time.Hour, model.RunCounters{Rows: 1000, Rejected: 1000}),
	}}

	snap, err := newTestCollector(runs, nil).Collect(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, maxRuns, runs.filter.Limit)
	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsProcessing)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 0.001)
	assert.Equal(t, 200, snap.Rows)
	assert.Equal(t, 50, snap.Rejected)
	assert.InDelta(t, 0.25, snap.RejectRate, 0.001)
	assert.Equal(t, 90, snap.Enrolled)
	assert.Empty(t, snap.OpenCircuits)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollect_Empty(t *testing.T) {
	snap, err := newTestCollector(&fakeRuns{}, nil).Collect(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Zero(t, snap.RejectRate)
}

func TestCollect_OpenCircuits(t *testing.T) {
	breakers := fakeBreakers{
		"sparkpost": resilience.CircuitOpen,
		"ses":       resilience.CircuitOpen,
		"anthropic": resilience.CircuitClosed,
	}
	snap, err := newTestCollector(&fakeRuns{}, breakers).Collect(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"ses", "sparkpost"}, snap.OpenCircuits)
}

func TestCollect_ListError(t *testing.T) {
	_, err := newTestCollector(&fakeRuns{err: errors.New("db down")}, nil).Collect(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}
