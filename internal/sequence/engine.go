// Package sequence drives leads through timed multi-step campaigns. A
// periodic sweep sends whichever step is due, advances the enrollment with
// a compare-and-swap on its status and step, and leaves externally paused
// or failed enrollments alone.
package sequence

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/dedup"
	"github.com/sells-group/lead-dispatch/internal/dispatch"
	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/store"
)

var (
	// ErrAlreadyEnrolled is returned when a lead already has an active
	// enrollment.
	ErrAlreadyEnrolled = eris.New("sequence: lead already enrolled")
	// ErrNoEnrollment is returned when a lead has no enrollment in a state
	// the operation applies to.
	ErrNoEnrollment = eris.New("sequence: no enrollment for lead")
)

// Store is the persistence the engine needs.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	GetSequence(ctx context.Context, id string) (*model.Sequence, error)
	GetSequenceByName(ctx context.Context, name string) (*model.Sequence, error)
	CreateEnrollment(ctx context.Context, e *model.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	FindEnrollment(ctx context.Context, leadID string, statuses ...model.EnrollmentStatus) (*model.Enrollment, error)
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error)
	AdvanceEnrollment(ctx context.Context, a store.Advance) (bool, error)
	DeferEnrollment(ctx context.Context, id string, step int, nextDue time.Time) (bool, error)
	SetEnrollmentStatus(ctx context.Context, id string, expect store.Expect, to model.EnrollmentStatus, reason string) (bool, error)
	RecordStepFailure(ctx context.Context, id string, step int, reason string, maxAttempts int) (int, bool, error)
	HasSent(ctx context.Context, key store.SentKey) (bool, error)
	GetEngagement(ctx context.Context, enrollmentID string, step int) (model.Engagement, error)
}

// Dispatcher sends compiled jobs and reports per-job outcomes in input
// order.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []model.SendJob) dispatch.Report
}

// Config tunes enrollment and the sweep.
type Config struct {
	SweepInterval    time.Duration
	SweepBatchSize   int
	EnrollThreshold  int
	MaxStepAttempts  int
	ConditionRecheck time.Duration
}

// DefaultConfig returns hourly sweeps of up to 100 enrollments.
func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Hour,
		SweepBatchSize:   100,
		EnrollThreshold:  65,
		MaxStepAttempts:  5,
		ConditionRecheck: time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = def.SweepBatchSize
	}
	if c.MaxStepAttempts <= 0 {
		c.MaxStepAttempts = def.MaxStepAttempts
	}
	if c.ConditionRecheck <= 0 {
		c.ConditionRecheck = def.ConditionRecheck
	}
	return c
}

// SweepResult tallies one sweep. Processed counts every enrollment the
// sweep selected.
type SweepResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Completed int `json:"completed"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Engine owns enrollment transitions.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	renderer   *Renderer
	cfg        Config
	now        func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(st Store, d Dispatcher, r *Renderer, cfg Config) *Engine {
	if r == nil {
		r = NewRenderer()
	}
	return &Engine{
		store:      st,
		dispatcher: d,
		renderer:   r,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Enroll starts lead on the named sequence at step 1. The lead needs a
// valid email and a score at or above the enrollment threshold.
func (e *Engine) Enroll(ctx context.Context, leadID, sequenceName string) (*model.Enrollment, error) {
	if sequenceName == "" {
		sequenceName = DefaultSequenceName
	}

	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, eris.Wrapf(err, "sequence: get lead %s", leadID)
	}
	if !dedup.ValidEmail(lead.Email) {
		return nil, resilience.NewValidationError("email", "lead has no valid email")
	}
	if lead.Score < e.cfg.EnrollThreshold {
		return nil, resilience.NewValidationError("score", "below enrollment threshold")
	}

	seq, err := e.store.GetSequenceByName(ctx, sequenceName)
	if err != nil {
		return nil, eris.Wrapf(err, "sequence: get sequence %s", sequenceName)
	}
	first, ok := seq.Step(1)
	if !ok {
		return nil, eris.Errorf("sequence: %s has no steps", sequenceName)
	}

	existing, err := e.store.FindEnrollment(ctx, leadID, model.EnrollmentActive)
	if err != nil {
		return nil, eris.Wrap(err, "sequence: find active enrollment")
	}
	if existing != nil {
		return existing, ErrAlreadyEnrolled
	}

	now := e.now().UTC()
	enr := &model.Enrollment{
		LeadID:        leadID,
		SequenceID:    seq.ID,
		CurrentStep:   1,
		Status:        model.EnrollmentActive,
		NextActionDue: now.Add(first.Delay),
	}
	if err := e.store.CreateEnrollment(ctx, enr); err != nil {
		if errors.Is(err, store.ErrActiveEnrollment) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, eris.Wrap(err, "sequence: create enrollment")
	}

	zap.L().Info("sequence: lead enrolled",
		zap.String("lead_id", leadID),
		zap.String("sequence", sequenceName),
		zap.Time("next_action_due", enr.NextActionDue),
	)
	return enr, nil
}

// Pause stops an active enrollment. Pausing a paused enrollment is a
// no-op.
func (e *Engine) Pause(ctx context.Context, leadID, reason string) (*model.Enrollment, error) {
	return e.transition(ctx, leadID, model.EnrollmentPaused, reason,
		[]model.EnrollmentStatus{model.EnrollmentActive})
}

// Resume reactivates a paused enrollment. Resuming an active enrollment is
// a no-op. It fails with ErrAlreadyEnrolled when the lead was enrolled
// elsewhere while paused.
func (e *Engine) Resume(ctx context.Context, leadID string) (*model.Enrollment, error) {
	return e.transition(ctx, leadID, model.EnrollmentActive, "",
		[]model.EnrollmentStatus{model.EnrollmentPaused})
}

// Fail ends an active or paused enrollment. Failing a failed enrollment is
// a no-op.
func (e *Engine) Fail(ctx context.Context, leadID, reason string) (*model.Enrollment, error) {
	return e.transition(ctx, leadID, model.EnrollmentFailed, reason,
		[]model.EnrollmentStatus{model.EnrollmentActive, model.EnrollmentPaused})
}

// transition moves the lead's latest enrollment in one of from to status
// to. An enrollment already in to is returned unchanged.
func (e *Engine) transition(ctx context.Context, leadID string, to model.EnrollmentStatus, reason string, from []model.EnrollmentStatus) (*model.Enrollment, error) {
	lookup := append([]model.EnrollmentStatus{to}, from...)
	enr, err := e.store.FindEnrollment(ctx, leadID, lookup...)
	if err != nil {
		return nil, eris.Wrapf(err, "sequence: find enrollment for %s", leadID)
	}
	if enr == nil {
		return nil, ErrNoEnrollment
	}
	if enr.Status == to {
		return enr, nil
	}

	ok, err := e.store.SetEnrollmentStatus(ctx, enr.ID, store.Expect{Statuses: from}, to, reason)
	if err != nil {
		if errors.Is(err, store.ErrActiveEnrollment) {
			return nil, ErrAlreadyEnrolled
		}
		return nil, eris.Wrapf(err, "sequence: set %s %s", enr.ID, to)
	}

	cur, err := e.store.GetEnrollment(ctx, enr.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "sequence: reload enrollment %s", enr.ID)
	}
	if !ok && cur.Status != to {
		// Another writer moved it first, e.g. the sweep completed it.
		return cur, eris.Wrapf(ErrNoEnrollment, "enrollment %s is %s", cur.ID, cur.Status)
	}

	zap.L().Info("sequence: enrollment transitioned",
		zap.String("lead_id", leadID),
		zap.String("enrollment_id", cur.ID),
		zap.String("status", string(to)),
		zap.String("reason", reason),
	)
	return cur, nil
}

// Run sweeps immediately and then every SweepInterval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "sequence.sweep"))
	log.Info("starting sequence sweep", zap.Duration("interval", e.cfg.SweepInterval))

	e.sweep(ctx, log)

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sequence sweep stopped")
			return
		case <-ticker.C:
			e.sweep(ctx, log)
		}
	}
}

func (e *Engine) sweep(ctx context.Context, log *zap.Logger) {
	res, err := e.RunSweepOnce(ctx)
	if err != nil {
		log.Error("sequence: sweep failed", zap.Error(err))
		return
	}
	log.Info("sequence: sweep complete",
		zap.Int("processed", res.Processed),
		zap.Int("sent", res.Sent),
		zap.Int("completed", res.Completed),
		zap.Int("deferred", res.Deferred),
		zap.Int("failed", res.Failed),
		zap.Int("retrying", res.Retrying),
		zap.Int("skipped", res.Skipped),
	)
}

type dueStep struct {
	enr  model.Enrollment
	seq  *model.Sequence
	step model.Step
}

// RunSweepOnce processes due active enrollments, oldest first. A sweep
// error means the due list could not be read; per-enrollment problems are
// counted in the result instead.
func (e *Engine) RunSweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := e.now().UTC()

	due, err := e.store.ListDueEnrollments(ctx, now, e.cfg.SweepBatchSize)
	if err != nil {
		return res, eris.Wrap(err, "sequence: list due enrollments")
	}
	res.Processed = len(due)
	if len(due) == 0 {
		return res, nil
	}

	seqs := make(map[string]*model.Sequence)
	var (
		jobs    []model.SendJob
		pending []dueStep
	)
	for _, enr := range due {
		if ctx.Err() != nil {
			res.Skipped++
			continue
		}
		log := zap.L().With(zap.String("enrollment_id", enr.ID), zap.String("lead_id", enr.LeadID), zap.Int("step", enr.CurrentStep))

		seq, ok := seqs[enr.SequenceID]
		if !ok {
			seq, err = e.store.GetSequence(ctx, enr.SequenceID)
			if err != nil {
				log.Error("sequence: load sequence", zap.Error(err))
				res.Errors++
				continue
			}
			seqs[enr.SequenceID] = seq
		}

		step, ok := seq.Step(enr.CurrentStep)
		if !ok {
			e.complete(ctx, &res, enr, log)
			continue
		}

		met, err := e.conditionsMet(ctx, enr, step)
		if err != nil {
			log.Error("sequence: evaluate conditions", zap.Error(err))
			res.Errors++
			continue
		}
		if !met {
			e.deferStep(ctx, &res, enr, now, log)
			continue
		}

		// A logged send for this enrollment means an earlier sweep sent the
		// step but did not get to advance; advance now instead of sending
		// twice.
		seqID := enr.SequenceID
		sent, err := e.store.HasSent(ctx, store.SentKey{EnrollmentID: enr.ID, Step: step.Number})
		if err != nil {
			log.Error("sequence: check send log", zap.Error(err))
			res.Errors++
			continue
		}
		if sent {
			e.advance(ctx, &res, dueStep{enr: enr, seq: seq, step: step}, now, log)
			continue
		}

		lead, err := e.store.GetLead(ctx, enr.LeadID)
		if err != nil {
			log.Error("sequence: load lead", zap.Error(err))
			res.Errors++
			continue
		}
		if !dedup.ValidEmail(lead.Email) {
			e.failStep(ctx, &res, enr, "lead has no valid email", log)
			continue
		}

		subject, body, err := e.renderer.RenderStep(seq, step, *lead)
		if err != nil {
			e.retryStep(ctx, &res, enr, err.Error(), log)
			continue
		}

		jobs = append(jobs, model.SendJob{
			To:         lead.Email,
			Subject:    subject,
			HTML:       body,
			LeadID:       lead.ID,
			EnrollmentID: enr.ID,
			SequenceID:   &seqID,
			Step:         step.Number,
			TemplateID:   step.TemplateID,
		})
		pending = append(pending, dueStep{enr: enr, seq: seq, step: step})
	}

	if len(jobs) > 0 {
		report := e.dispatcher.Dispatch(ctx, jobs)
		sentAt := e.now().UTC()
		for i, o := range report.Outcomes {
			p := pending[i]
			log := zap.L().With(zap.String("enrollment_id", p.enr.ID), zap.String("lead_id", p.enr.LeadID), zap.Int("step", p.step.Number))
			switch {
			case o.Sent():
				e.advance(ctx, &res, p, sentAt, log)
			case errors.Is(o.Err, dispatch.ErrUnlogged) && o.Result.MessageID != "":
				// Delivered but unlogged: advancing avoids a second send.
				e.advance(ctx, &res, p, sentAt, log)
			case errors.Is(o.Err, dispatch.ErrShutdown):
				res.Skipped++
			case errors.Is(o.Err, resilience.ErrCircuitOpen):
				// The provider is down, not the recipient: keep the step due
				// without spending an attempt.
				log.Debug("sequence: provider circuit open, step left due")
				res.Skipped++
			case resilience.IsTerminal(o.Err):
				e.failStep(ctx, &res, p.enr, o.Err.Error(), log)
			default:
				e.retryStep(ctx, &res, p.enr, o.Err.Error(), log)
			}
		}
	}

	metrics.RecordSweep(res.Sent, res.Failed, res.Completed, res.Deferred)
	return res, nil
}

func (e *Engine) conditionsMet(ctx context.Context, enr model.Enrollment, step model.Step) (bool, error) {
	if step.Conditions.Empty() || step.Number <= 1 {
		return true, nil
	}
	eng, err := e.store.GetEngagement(ctx, enr.ID, step.Number-1)
	if err != nil {
		return false, err
	}
	c := step.Conditions
	if c.RequiresOpen && !eng.Opened {
		return false, nil
	}
	if c.RequiresClick && !eng.Clicked {
		return false, nil
	}
	if c.RequiresNoReply && eng.Replied {
		return false, nil
	}
	return true, nil
}

func (e *Engine) advance(ctx context.Context, res *SweepResult, p dueStep, sentAt time.Time, log *zap.Logger) {
	a := store.Advance{
		ID:       p.enr.ID,
		FromStep: p.step.Number,
		ToStep:   p.step.Number + 1,
		SentAt:   sentAt,
	}
	if next, ok := p.seq.Step(a.ToStep); ok {
		a.NextDue = sentAt.Add(next.Delay)
	} else {
		a.Complete = true
	}

	ok, err := e.store.AdvanceEnrollment(ctx, a)
	switch {
	case err != nil:
		log.Error("sequence: advance enrollment", zap.Error(err))
		res.Errors++
	case !ok:
		log.Info("sequence: enrollment changed during sweep, leaving it")
		res.Skipped++
	default:
		res.Sent++
		if a.Complete {
			res.Completed++
		}
	}
}

func (e *Engine) complete(ctx context.Context, res *SweepResult, enr model.Enrollment, log *zap.Logger) {
	ok, err := e.store.SetEnrollmentStatus(ctx, enr.ID,
		store.Expect{Statuses: []model.EnrollmentStatus{model.EnrollmentActive}, Step: enr.CurrentStep},
		model.EnrollmentCompleted, "no remaining steps")
	switch {
	case err != nil:
		log.Error("sequence: complete enrollment", zap.Error(err))
		res.Errors++
	case !ok:
		res.Skipped++
	default:
		res.Completed++
	}
}

func (e *Engine) deferStep(ctx context.Context, res *SweepResult, enr model.Enrollment, now time.Time, log *zap.Logger) {
	ok, err := e.store.DeferEnrollment(ctx, enr.ID, enr.CurrentStep, now.Add(e.cfg.ConditionRecheck))
	switch {
	case err != nil:
		log.Error("sequence: defer enrollment", zap.Error(err))
		res.Errors++
	case !ok:
		res.Skipped++
	default:
		log.Debug("sequence: step conditions unmet, deferred", zap.Duration("recheck", e.cfg.ConditionRecheck))
		res.Deferred++
	}
}

func (e *Engine) failStep(ctx context.Context, res *SweepResult, enr model.Enrollment, reason string, log *zap.Logger) {
	ok, err := e.store.SetEnrollmentStatus(ctx, enr.ID,
		store.Expect{Statuses: []model.EnrollmentStatus{model.EnrollmentActive}, Step: enr.CurrentStep},
		model.EnrollmentFailed, reason)
	switch {
	case err != nil:
		log.Error("sequence: fail enrollment", zap.Error(err))
		res.Errors++
	case !ok:
		res.Skipped++
	default:
		log.Warn("sequence: enrollment failed", zap.String("reason", reason))
		res.Failed++
	}
}

func (e *Engine) retryStep(ctx context.Context, res *SweepResult, enr model.Enrollment, reason string, log *zap.Logger) {
	attempts, failed, err := e.store.RecordStepFailure(ctx, enr.ID, enr.CurrentStep, reason, e.cfg.MaxStepAttempts)
	switch {
	case err != nil:
		log.Error("sequence: record step failure", zap.Error(err))
		res.Errors++
	case attempts == 0:
		res.Skipped++
	case failed:
		log.Warn("sequence: step attempts exhausted", zap.Int("attempts", attempts), zap.String("reason", reason))
		res.Failed++
	default:
		log.Info("sequence: step will be retried", zap.Int("attempts", attempts), zap.String("reason", reason))
		res.Retrying++
	}
}
