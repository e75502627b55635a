package sequence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/dispatch"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/provider"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/store"
)

type recordingSender struct {
	mu     sync.Mutex
	jobs   []model.SendJob
	fail   func(job model.SendJob) error
	before func(job model.SendJob)
	n      int
}

func (s *recordingSender) Name() string { return "test" }

func (s *recordingSender) Send(_ context.Context, job model.SendJob) (provider.Result, error) {
	if s.before != nil {
		s.before(job)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(job); err != nil {
			return provider.Result{}, err
		}
	}
	s.n++
	s.jobs = append(s.jobs, job)
	return provider.Result{MessageID: fmt.Sprintf("msg-%s-%d", job.LeadID, s.n), Provider: "test"}, nil
}

func (s *recordingSender) sent() []model.SendJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SendJob(nil), s.jobs...)
}

type fixture struct {
	store  *store.SQLiteStore
	sender *recordingSender
	engine *Engine
	now    time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	f := &fixture{
		store:  st,
		sender: &recordingSender{},
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	b := dispatch.New(f.sender, st, dispatch.Config{WaveSize: 10, ConcurrencyPerWave: 5})
	f.engine = NewEngine(st, b, NewRenderer(), Config{
		EnrollThreshold:  50,
		MaxStepAttempts:  3,
		ConditionRecheck: time.Hour,
	})
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) lead(t *testing.T, email string, score int) *model.Lead {
	t.Helper()
	l := &model.Lead{Email: email, FirstName: "Ada", LastName: "Lovelace", Organization: "Analytical", Fingerprint: "fp-" + email, Score: score}
	ok, err := f.store.InsertLead(context.Background(), l)
	require.NoError(t, err)
	require.True(t, ok)
	return l
}

func (f *fixture) sequence(t *testing.T, steps ...model.Step) *model.Sequence {
	t.Helper()
	seq := &model.Sequence{Name: "welcome", Steps: steps}
	require.NoError(t, Normalize(seq, NewRenderer()))
	require.NoError(t, f.store.UpsertSequence(context.Background(), seq))
	return seq
}

func twoSteps() []model.Step {
	return []model.Step{
		{Number: 1, Delay: 0, SubjectTemplate: "Welcome {{ first_name }}", BodyTemplate: "<p>Hi {{ name }}</p>"},
		{Number: 2, Delay: 24 * time.Hour, SubjectTemplate: "Following up", BodyTemplate: "<p>{{ organization }}</p>"},
	}
}

func (f *fixture) enrollment(t *testing.T, leadID string) *model.Enrollment {
	t.Helper()
	e, err := f.store.FindEnrollment(context.Background(), leadID)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func TestEngine_TwoStepSequenceCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)

	enr, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 1, enr.CurrentStep)
	assert.Equal(t, model.EnrollmentActive, enr.Status)
	assert.True(t, enr.NextActionDue.Equal(f.now))

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Sent)

	got := f.enrollment(t, lead.ID)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, model.EnrollmentActive, got.Status)
	assert.True(t, got.NextActionDue.Equal(f.now.Add(24*time.Hour)))
	require.NotNil(t, got.LastSentAt)

	// Not due yet.
	f.advance(time.Hour)
	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	f.advance(23 * time.Hour)
	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Completed)

	got = f.enrollment(t, lead.ID)
	assert.Equal(t, model.EnrollmentCompleted, got.Status)
	assert.Equal(t, 3, got.CurrentStep)

	jobs := f.sender.sent()
	require.Len(t, jobs, 2)
	assert.Equal(t, "Welcome Ada", jobs[0].Subject)
	assert.Equal(t, "<p>Hi Ada Lovelace</p>", jobs[0].HTML)
	assert.Equal(t, "<p>Analytical</p>", jobs[1].HTML)
	assert.Equal(t, 2, jobs[1].Step)

	log, err := f.store.ListSendLog(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, log, 2)

	// Completed enrollments are never selected again.
	f.advance(48 * time.Hour)
	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
}

func TestEngine_EnrollRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)

	low := f.lead(t, "low@example.com", 10)
	_, err := f.engine.Enroll(ctx, low.ID, "welcome")
	var ve *resilience.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "score", ve.Field)

	noEmail := f.lead(t, "not-an-email", 90)
	_, err = f.engine.Enroll(ctx, noEmail.ID, "welcome")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "email", ve.Field)

	ok := f.lead(t, "ok@example.com", 90)
	first, err := f.engine.Enroll(ctx, ok.ID, "")
	require.NoError(t, err)

	again, err := f.engine.Enroll(ctx, ok.ID, "welcome")
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.engine.Enroll(ctx, ok.ID, "missing")
	assert.Error(t, err)

	_, err = f.engine.Enroll(ctx, "no-such-lead", "welcome")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_PauseResumeAreIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	p1, err := f.engine.Pause(ctx, lead.ID, "replied")
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentPaused, p1.Status)
	assert.Equal(t, "replied", p1.StatusReason)

	p2, err := f.engine.Pause(ctx, lead.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "replied", p2.StatusReason)

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, f.sender.sent())

	r1, err := f.engine.Resume(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentActive, r1.Status)
	r2, err := f.engine.Resume(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	_, err = f.engine.Pause(ctx, "unknown", "x")
	assert.ErrorIs(t, err, ErrNoEnrollment)
}

func TestEngine_ResumeCollidesWithNewEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)

	old, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)
	_, err = f.engine.Pause(ctx, lead.ID, "manual")
	require.NoError(t, err)
	fresh, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	// The newer active enrollment makes Resume a no-op.
	got, err := f.engine.Resume(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)

	ok, err := f.store.SetEnrollmentStatus(ctx, old.ID,
		store.Expect{Statuses: []model.EnrollmentStatus{model.EnrollmentPaused}}, model.EnrollmentActive, "")
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrActiveEnrollment)
}

func TestEngine_FailIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	e1, err := f.engine.Fail(ctx, lead.ID, "hard bounce")
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentFailed, e1.Status)

	e2, err := f.engine.Fail(ctx, lead.ID, "hard bounce")
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)

	_, err = f.engine.Resume(ctx, lead.ID)
	assert.ErrorIs(t, err, ErrNoEnrollment)
}

func TestEngine_ConcurrentPauseWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	// The bounce webhook pauses the lead while its send is in flight.
	f.sender.before = func(job model.SendJob) {
		_, perr := f.engine.Pause(ctx, job.LeadID, "soft bounce")
		assert.NoError(t, perr)
	}

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1, res.Skipped)

	got := f.enrollment(t, lead.ID)
	assert.Equal(t, model.EnrollmentPaused, got.Status)
	assert.Equal(t, 1, got.CurrentStep)

	// The step was delivered, so resuming advances without resending.
	f.sender.before = nil
	_, err = f.engine.Resume(ctx, lead.ID)
	require.NoError(t, err)
	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.sender.sent(), 1)
	assert.Equal(t, 2, f.enrollment(t, lead.ID).CurrentStep)
}

func TestEngine_TerminalFailureFailsEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	f.sender.fail = func(model.SendJob) error {
		return &resilience.TerminalProviderError{Provider: "test", StatusCode: 400, HardBounce: true, Err: errors.New("550 no such user")}
	}

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := f.enrollment(t, lead.ID)
	assert.Equal(t, model.EnrollmentFailed, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Contains(t, got.StatusReason, "550")
}

func TestEngine_RetryableFailuresAreBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	f.sender.fail = func(model.SendJob) error {
		return resilience.NewProviderError("test", 503, errors.New("unavailable"))
	}

	for i := 1; i <= 2; i++ {
		res, err := f.engine.RunSweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Retrying)
		got := f.enrollment(t, lead.ID)
		assert.Equal(t, model.EnrollmentActive, got.Status)
		assert.Equal(t, i, got.Attempts)
	}

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.EnrollmentFailed, f.enrollment(t, lead.ID).Status)
}

func TestEngine_OpenCircuitDoesNotSpendAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	var calls int
	f.sender.before = func(model.SendJob) { calls++ }
	f.sender.fail = func(model.SendJob) error {
		return resilience.NewProviderError("test", 503, errors.New("unavailable"))
	}
	breaker := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	guarded := provider.NewGuard(f.sender, nil, "", breaker, 0)
	b := dispatch.New(guarded, f.store, dispatch.Config{WaveSize: 10, ConcurrencyPerWave: 5})
	f.engine = NewEngine(f.store, b, NewRenderer(), Config{EnrollThreshold: 50, MaxStepAttempts: 3})
	f.engine.SetClock(func() time.Time { return f.now })

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, resilience.CircuitOpen, breaker.State())

	// More sweeps than MaxStepAttempts while the provider stays open.
	for i := 0; i < 4; i++ {
		res, err = f.engine.RunSweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		assert.Zero(t, res.Failed)
	}

	got := f.enrollment(t, lead.ID)
	assert.Equal(t, model.EnrollmentActive, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, 1, calls)
}

func TestEngine_SuccessResetsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	calls := 0
	f.sender.fail = func(model.SendJob) error {
		calls++
		if calls == 1 {
			return resilience.NewProviderError("test", 500, errors.New("boom"))
		}
		return nil
	}

	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.enrollment(t, lead.ID).Attempts)

	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	got := f.enrollment(t, lead.ID)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, 0, got.Attempts)
}

func TestEngine_UnmetConditionsDefer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	steps := twoSteps()
	steps[1].Conditions = model.StepConditions{RequiresOpen: true}
	seq := f.sequence(t, steps...)
	lead := f.lead(t, "ada@example.com", 80)
	_, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)

	f.advance(24 * time.Hour)
	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	got := f.enrollment(t, lead.ID)
	assert.Equal(t, 2, got.CurrentStep)
	assert.True(t, got.NextActionDue.Equal(f.now.Add(time.Hour)))

	// Not reconsidered until the recheck interval passes.
	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	require.NoError(t, f.store.RecordEngagement(ctx, model.EngagementEvent{
		LeadID: lead.ID, EnrollmentID: f.enrollment(t, lead.ID).ID, SequenceID: seq.ID, Step: 1, Kind: model.EngagementOpen, OccurredAt: f.now,
	}))
	f.advance(time.Hour)
	res, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, model.EnrollmentCompleted, f.enrollment(t, lead.ID).Status)
}

func TestEngine_AlreadyLoggedStepAdvancesWithoutSending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)
	enr, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)

	seqID := seq.ID
	require.NoError(t, f.store.AppendSendLog(ctx, model.SendLogEntry{
		MessageID: "prior", Provider: "test", LeadID: lead.ID, EnrollmentID: enr.ID, SequenceID: &seqID, Step: 1, To: lead.Email, SentAt: f.now,
	}))

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, f.sender.sent())
	assert.Equal(t, 2, f.enrollment(t, lead.ID).CurrentStep)
}

func TestEngine_ReenrolledLeadSendsAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)

	first, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)
	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	f.advance(25 * time.Hour)
	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, model.EnrollmentCompleted, f.enrollment(t, lead.ID).Status)
	require.Len(t, f.sender.sent(), 2)

	second, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	sent := f.sender.sent()
	require.Len(t, sent, 3, "step 1 goes out again for the new enrollment")
	assert.Equal(t, 1, sent[2].Step)
	assert.Equal(t, second.ID, sent[2].EnrollmentID)

	logs, err := f.store.ListSendLog(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	var forSecond int
	for _, l := range logs {
		if l.EnrollmentID == second.ID {
			forSecond++
			assert.Equal(t, 1, l.Step)
		}
	}
	assert.Equal(t, 1, forSecond)
}

func TestEngine_EngagementFromEarlierEnrollmentIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	steps := twoSteps()
	steps[1].Conditions = model.StepConditions{RequiresOpen: true}
	seq := f.sequence(t, steps...)
	lead := f.lead(t, "ada@example.com", 80)

	first, err := f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)
	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordEngagement(ctx, model.EngagementEvent{
		LeadID: lead.ID, EnrollmentID: first.ID, SequenceID: seq.ID, Step: 1, Kind: model.EngagementOpen, OccurredAt: f.now,
	}))
	_, err = f.engine.Fail(ctx, lead.ID, "manual")
	require.NoError(t, err)

	_, err = f.engine.Enroll(ctx, lead.ID, "welcome")
	require.NoError(t, err)
	_, err = f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)

	f.advance(24 * time.Hour)
	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred, "the open belongs to the failed enrollment")
	assert.Equal(t, 0, res.Sent)
}

func TestEngine_MissingStepCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.sequence(t, twoSteps()...)
	lead := f.lead(t, "ada@example.com", 80)

	e := &model.Enrollment{LeadID: lead.ID, SequenceID: seq.ID, CurrentStep: 5, NextActionDue: f.now}
	require.NoError(t, f.store.CreateEnrollment(ctx, e))

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, model.EnrollmentCompleted, f.enrollment(t, lead.ID).Status)
	assert.Empty(t, f.sender.sent())
}

func TestEngine_SweepProcessesOldestFirstWithinBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.sequence(t, twoSteps()...)
	f.engine.cfg.SweepBatchSize = 2

	var ids []string
	for i, email := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		l := f.lead(t, email, 80)
		ids = append(ids, l.ID)
		e := &model.Enrollment{LeadID: l.ID, SequenceID: seq.ID, CurrentStep: 1, NextActionDue: f.now.Add(-time.Duration(3-i) * time.Hour)}
		require.NoError(t, f.store.CreateEnrollment(ctx, e))
	}

	res, err := f.engine.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, f.enrollment(t, ids[0]).CurrentStep)
	assert.Equal(t, 2, f.enrollment(t, ids[1]).CurrentStep)
	assert.Equal(t, 1, f.enrollment(t, ids[2]).CurrentStep)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
