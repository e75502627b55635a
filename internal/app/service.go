// Package app is the application service behind the HTTP API and the CLI.
// It ties ingestion, the sequence engine and the wave batcher to one store.
package app

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/dedup"
	"github.com/sells-group/lead-dispatch/internal/dispatch"
	"github.com/sells-group/lead-dispatch/internal/ingest"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/provider"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/sequence"
	"github.com/sells-group/lead-dispatch/internal/store"
)

// Service exposes the engine's operations.
type Service struct {
	store    store.Store
	pipeline *ingest.Pipeline
	engine   *sequence.Engine
	batcher  *dispatch.Batcher
}

// New creates a Service.
func New(st store.Store, pipeline *ingest.Pipeline, engine *sequence.Engine, batcher *dispatch.Batcher) *Service {
	return &Service{store: st, pipeline: pipeline, engine: engine, batcher: batcher}
}

// EnqueueRun ingests a batch of leads as one tracked run.
func (s *Service) EnqueueRun(ctx context.Context, source string, leads []model.Lead) (model.RunResult, error) {
	return s.pipeline.Run(ctx, source, ingest.RecordsFromLeads(leads, source))
}

// ImportRecords ingests raw rows, e.g. from a parsed file.
func (s *Service) ImportRecords(ctx context.Context, source string, records []ingest.Record) (model.RunResult, error) {
	return s.pipeline.Run(ctx, source, records)
}

// Enroll starts a lead on a sequence.
func (s *Service) Enroll(ctx context.Context, leadID, sequenceName string) (*model.Enrollment, error) {
	return s.engine.Enroll(ctx, leadID, sequenceName)
}

// Pause stops a lead's active enrollment.
func (s *Service) Pause(ctx context.Context, leadID, reason string) (*model.Enrollment, error) {
	return s.engine.Pause(ctx, leadID, reason)
}

// Resume reactivates a lead's paused enrollment.
func (s *Service) Resume(ctx context.Context, leadID string) (*model.Enrollment, error) {
	return s.engine.Resume(ctx, leadID)
}

// RunSweepOnce runs one sequence sweep.
func (s *Service) RunSweepOnce(ctx context.Context) (sequence.SweepResult, error) {
	return s.engine.RunSweepOnce(ctx)
}

// Dispatch sends jobs in waves. Callers pass jobs that have not been sent;
// see PendingJobs.
func (s *Service) Dispatch(ctx context.Context, jobs []model.SendJob) dispatch.Report {
	return s.batcher.Dispatch(ctx, jobs)
}

// PendingJobs drops jobs whose step already appears in the send log. A
// sequence job without an enrollment id is bound to the lead's enrollment
// in that sequence, so only sends from that enrollment count. Jobs without
// a lead are always pending.
func (s *Service) PendingJobs(ctx context.Context, jobs []model.SendJob) ([]model.SendJob, error) {
	out := make([]model.SendJob, 0, len(jobs))
	for _, j := range jobs {
		if j.LeadID == "" {
			out = append(out, j)
			continue
		}
		if j.EnrollmentID == "" && j.SequenceID != nil {
			enr, err := s.enrollmentFor(ctx, j.LeadID, *j.SequenceID)
			if err != nil {
				return nil, err
			}
			if enr != nil {
				j.EnrollmentID = enr.ID
			}
		}
		sent, err := s.store.HasSent(ctx, store.SentKey{
			EnrollmentID: j.EnrollmentID,
			LeadID:       j.LeadID,
			SequenceID:   j.SequenceID,
			Step:         j.Step,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "app: check send log for lead %s", j.LeadID)
		}
		if !sent {
			out = append(out, j)
		}
	}
	return out, nil
}

// GetRun returns one run with its stages.
func (s *Service) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns lists runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	return s.store.ListRuns(ctx, filter)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bounce is a delivery failure reported by a provider webhook. LeadID wins
// over Email when both are set.
type Bounce struct {
	LeadID  string `json:"lead_id,omitempty"`
	Email   string `json:"email,omitempty"`
	Message string `json:"message"`
}

// Bounce actions.
const (
	BounceActionFailed  = "failed"
	BounceActionPaused  = "paused"
	BounceActionIgnored = "ignored"
)

// BounceOutcome reports what a bounce did to the lead's enrollment.
type BounceOutcome struct {
	LeadID string              `json:"lead_id"`
	Kind   provider.BounceKind `json:"kind"`
	Action string              `json:"action"`
}

// HandleBounce classifies a bounce and applies it: a hard bounce fails the
// enrollment, a soft bounce pauses it, anything else is ignored.
func (s *Service) HandleBounce(ctx context.Context, b Bounce) (BounceOutcome, error) {
	leadID, err := s.resolveLead(ctx, b.LeadID, b.Email)
	if err != nil {
		return BounceOutcome{}, err
	}

	out := BounceOutcome{LeadID: leadID, Kind: provider.ClassifyBounce(b.Message), Action: BounceActionIgnored}
	switch out.Kind {
	case provider.BounceHard:
		_, err = s.engine.Fail(ctx, leadID, "hard bounce: "+b.Message)
		out.Action = BounceActionFailed
	case provider.BounceSoft:
		_, err = s.engine.Pause(ctx, leadID, "soft bounce: "+b.Message)
		out.Action = BounceActionPaused
	}
	if errors.Is(err, sequence.ErrNoEnrollment) {
		out.Action = BounceActionIgnored
		err = nil
	}
	if err != nil {
		return out, eris.Wrapf(err, "app: apply %s bounce to lead %s", out.Kind, leadID)
	}

	zap.L().Info("app: bounce handled",
		zap.String("lead_id", leadID),
		zap.String("kind", string(out.Kind)),
		zap.String("action", out.Action),
	)
	return out, nil
}

// RecordEngagement stores a recipient action. A reply pauses the lead's
// sequence.
func (s *Service) RecordEngagement(ctx context.Context, ev model.EngagementEvent) error {
	if ev.LeadID == "" {
		return resilience.NewValidationError("lead_id", "lead id is required")
	}
	switch ev.Kind {
	case model.EngagementOpen, model.EngagementClick, model.EngagementReply:
	default:
		return resilience.NewValidationError("kind", "unknown engagement kind")
	}
	if ev.EnrollmentID == "" {
		enr, err := s.enrollmentFor(ctx, ev.LeadID, ev.SequenceID)
		if err != nil {
			return err
		}
		if enr != nil {
			ev.EnrollmentID = enr.ID
			ev.SequenceID = enr.SequenceID
		}
	}
	if err := s.store.RecordEngagement(ctx, ev); err != nil {
		return eris.Wrap(err, "app: record engagement")
	}
	if ev.Kind != model.EngagementReply {
		return nil
	}
	if _, err := s.engine.Pause(ctx, ev.LeadID, "replied"); err != nil && !errors.Is(err, sequence.ErrNoEnrollment) {
		return eris.Wrapf(err, "app: pause replied lead %s", ev.LeadID)
	}
	return nil
}

// enrollmentFor returns the lead's current enrollment in sequenceID,
// falling back to its most recent one. An empty sequenceID matches any
// sequence. Returns nil when the lead has no such enrollment.
func (s *Service) enrollmentFor(ctx context.Context, leadID, sequenceID string) (*model.Enrollment, error) {
	matches := func(e *model.Enrollment) bool {
		return e != nil && (sequenceID == "" || e.SequenceID == sequenceID)
	}
	enr, err := s.store.FindEnrollment(ctx, leadID, model.EnrollmentActive, model.EnrollmentPaused)
	if err != nil {
		return nil, eris.Wrapf(err, "app: find enrollment for lead %s", leadID)
	}
	if matches(enr) {
		return enr, nil
	}
	enr, err = s.store.FindEnrollment(ctx, leadID)
	if err != nil {
		return nil, eris.Wrapf(err, "app: find enrollment for lead %s", leadID)
	}
	if matches(enr) {
		return enr, nil
	}
	return nil, nil
}

func (s *Service) resolveLead(ctx context.Context, leadID, email string) (string, error) {
	if leadID != "" {
		return leadID, nil
	}
	if email == "" {
		return "", resilience.NewValidationError("lead_id", "lead id or email is required")
	}
	lead, err := s.store.FindLeadByEmail(ctx, dedup.NormalizeEmail(email))
	if err != nil {
		return "", eris.Wrap(err, "app: find lead by email")
	}
	if lead == nil {
		return "", eris.Wrapf(store.ErrNotFound, "lead with email %s", email)
	}
	return lead.ID, nil
}
