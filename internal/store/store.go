// Package store persists leads, sequences, enrollments, the send log and
// pipeline runs. Postgres is the production backend; SQLite serves local
// runs and tests.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dispatch/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrActiveEnrollment is returned when a lead already has an active
	// enrollment.
	ErrActiveEnrollment = eris.New("store: lead already has an active enrollment")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Source string          `json:"source,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Expect is the state an enrollment must be in for a conditional update to
// apply. A zero Step matches any step.
type Expect struct {
	Statuses []model.EnrollmentStatus
	Step     int
}

// Advance moves an enrollment past a sent step.
type Advance struct {
	ID       string
	FromStep int
	ToStep   int
	// Complete marks the enrollment completed instead of scheduling ToStep.
	Complete bool
	NextDue  time.Time
	SentAt   time.Time
}

// SentKey identifies a logged send. Sends made for an enrollment match on
// EnrollmentID and Step only, so a re-enrolled lead starts with a clean
// history. Sends outside any enrollment match on LeadID, SequenceID and
// Step.
type SentKey struct {
	EnrollmentID string
	LeadID       string
	SequenceID   *string
	Step         int
}

// Store defines the persistence interface for the dispatch engine.
type Store interface {
	// Leads
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	FindLeadByFingerprint(ctx context.Context, fingerprint string) (*model.Lead, error)
	FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error)
	InsertLead(ctx context.Context, lead *model.Lead) (bool, error)
	RefreshLeadSource(ctx context.Context, leadID, source, sourceRef string) error
	MarkSuperseded(ctx context.Context, leadID, supersededBy string) error
	UpdateLeadEnrichment(ctx context.Context, leadID string, score int, cls *model.Classification) error
	SetLeadCRMContact(ctx context.Context, leadID, contactID string) error

	// Sequences
	UpsertSequence(ctx context.Context, seq *model.Sequence) error
	GetSequence(ctx context.Context, id string) (*model.Sequence, error)
	GetSequenceByName(ctx context.Context, name string) (*model.Sequence, error)
	ListSequences(ctx context.Context) ([]model.Sequence, error)

	// Enrollments
	CreateEnrollment(ctx context.Context, e *model.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	FindEnrollment(ctx context.Context, leadID string, statuses ...model.EnrollmentStatus) (*model.Enrollment, error)
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error)
	AdvanceEnrollment(ctx context.Context, a Advance) (bool, error)
	DeferEnrollment(ctx context.Context, id string, step int, nextDue time.Time) (bool, error)
	SetEnrollmentStatus(ctx context.Context, id string, expect Expect, to model.EnrollmentStatus, reason string) (bool, error)
	RecordStepFailure(ctx context.Context, id string, step int, reason string, maxAttempts int) (attempts int, failed bool, err error)

	// Send log
	AppendSendLog(ctx context.Context, entry model.SendLogEntry) error
	HasSent(ctx context.Context, key SentKey) (bool, error)
	ListSendLog(ctx context.Context, leadID string) ([]model.SendLogEntry, error)

	// Engagement
	RecordEngagement(ctx context.Context, ev model.EngagementEvent) error
	GetEngagement(ctx context.Context, enrollmentID string, step int) (model.Engagement, error)

	// Runs
	CreateRun(ctx context.Context, source string) (*model.PipelineRun, error)
	UpsertRunStage(ctx context.Context, stage model.RunStage) error
	CompleteRun(ctx context.Context, runID string, counters model.RunCounters) error
	FailRun(ctx context.Context, runID string, counters model.RunCounters, msg string) error
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func statusStrings(statuses []model.EnrollmentStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
