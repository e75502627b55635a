// Package tracker records the progress of ingestion runs. Writes are best
// effort: a failed write is logged and never fails the run itself. Stage
// updates are written in the background, in call order per run; Complete
// and Fail wait for them before finalizing.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
)

// Store persists runs and their stages.
type Store interface {
	CreateRun(ctx context.Context, source string) (*model.PipelineRun, error)
	UpsertRunStage(ctx context.Context, stage model.RunStage) error
	CompleteRun(ctx context.Context, runID string, counters model.RunCounters) error
	FailRun(ctx context.Context, runID string, counters model.RunCounters, msg string) error
}

// Tracker writes run state to a Store.
type Tracker struct {
	store   Store
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan struct{} // last queued stage write per run
}

// New creates a Tracker. Each write gets its own deadline, counted from
// when the write starts.
func New(store Store) *Tracker {
	return &Tracker{store: store, timeout: 5 * time.Second, pending: make(map[string]chan struct{})}
}

func (t *Tracker) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), t.timeout)
}

// Start records a new processing run. When the store is unavailable a
// locally generated id is returned so the run can proceed untracked.
func (t *Tracker) Start(ctx context.Context, source string) string {
	wctx, cancel := t.ctx(ctx)
	defer cancel()

	run, err := t.store.CreateRun(wctx, source)
	if err != nil {
		id := uuid.New().String()
		zap.L().Warn("tracker: create run failed, continuing untracked",
			zap.String("run_id", id),
			zap.String("source", source),
			zap.Error(err),
		)
		return id
	}
	zap.L().Info("tracker: run started", zap.String("run_id", run.ID), zap.String("source", source))
	return run.ID
}

// UpdateStage queues the latest state of a named stage and returns
// without waiting for the store.
func (t *Tracker) UpdateStage(ctx context.Context, runID, stage string, status model.StageStatus, data map[string]any) {
	row := model.RunStage{RunID: runID, Name: stage, Status: status, Data: data}
	parent := context.WithoutCancel(ctx)

	done := make(chan struct{})
	t.mu.Lock()
	prev := t.pending[runID]
	t.pending[runID] = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		t.writeStage(parent, row)
	}()
}

// Flush blocks until every stage update queued for runID has been written
// or has timed out.
func (t *Tracker) Flush(runID string) {
	t.mu.Lock()
	last := t.pending[runID]
	t.mu.Unlock()
	if last == nil {
		return
	}
	<-last

	t.mu.Lock()
	if t.pending[runID] == last {
		delete(t.pending, runID)
	}
	t.mu.Unlock()
}

func (t *Tracker) writeStage(parent context.Context, row model.RunStage) {
	wctx, cancel := t.ctx(parent)
	defer cancel()

	if err := t.store.UpsertRunStage(wctx, row); err != nil {
		zap.L().Warn("tracker: update stage failed",
			zap.String("run_id", row.RunID),
			zap.String("stage", row.Name),
			zap.String("status", string(row.Status)),
			zap.Error(err),
		)
	}
}

// Complete finalizes a run as completed.
func (t *Tracker) Complete(ctx context.Context, runID string, summary model.RunCounters) {
	t.Flush(runID)
	wctx, cancel := t.ctx(ctx)
	defer cancel()

	metrics.RecordRun(string(model.RunStatusCompleted))
	if err := t.store.CompleteRun(wctx, runID, summary); err != nil {
		zap.L().Warn("tracker: complete run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	zap.L().Info("tracker: run completed",
		zap.String("run_id", runID),
		zap.Int("leads", summary.Leads),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("rejected", summary.Rejected),
		zap.Int("enrolled", summary.Enrolled),
	)
}

// Fail finalizes a run as failed with cause.
func (t *Tracker) Fail(ctx context.Context, runID string, summary model.RunCounters, cause error) {
	t.Flush(runID)
	wctx, cancel := t.ctx(ctx)
	defer cancel()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	metrics.RecordRun(string(model.RunStatusFailed))
	if err := t.store.FailRun(wctx, runID, summary, msg); err != nil {
		zap.L().Warn("tracker: fail run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	zap.L().Error("tracker: run failed", zap.String("run_id", runID), zap.String("error", msg))
}
