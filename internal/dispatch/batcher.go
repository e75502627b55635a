// Package dispatch sends bulk jobs in delayed waves of bounded
// concurrency and records every accepted message in the send log.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-dispatch/internal/dedup"
	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/provider"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// ReasonShutdown is reported for jobs that never started because the
// dispatch context was cancelled.
const ReasonShutdown = "shutdown"

var (
	// ErrShutdown is the outcome error of jobs skipped on shutdown.
	ErrShutdown = eris.New(ReasonShutdown)
	// ErrUnlogged marks a job the provider accepted but the send log could
	// not record.
	ErrUnlogged = eris.New("dispatch: send log append failed")
)

// Config controls wave partitioning and pacing.
type Config struct {
	WaveSize           int           `json:"wave_size"`
	WaveDelay          time.Duration `json:"wave_delay"`
	ConcurrencyPerWave int           `json:"concurrency_per_wave"`
	IntraWaveDelay     time.Duration `json:"intra_wave_delay"`
}

// DefaultConfig returns the production pacing: 75 jobs per wave, a minute
// between waves, 10 concurrent sends per sub-batch two seconds apart.
func DefaultConfig() Config {
	return Config{
		WaveSize:           75,
		WaveDelay:          time.Minute,
		ConcurrencyPerWave: 10,
		IntraWaveDelay:     2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WaveSize <= 0 {
		c.WaveSize = def.WaveSize
	}
	if c.ConcurrencyPerWave <= 0 {
		c.ConcurrencyPerWave = def.ConcurrencyPerWave
	}
	if c.ConcurrencyPerWave > c.WaveSize {
		c.ConcurrencyPerWave = c.WaveSize
	}
	if c.WaveDelay < 0 {
		c.WaveDelay = 0
	}
	if c.IntraWaveDelay < 0 {
		c.IntraWaveDelay = 0
	}
	return c
}

// SendLog records accepted sends.
type SendLog interface {
	AppendSendLog(ctx context.Context, entry model.SendLogEntry) error
}

// JobError explains why one job was not sent.
type JobError struct {
	Job    model.SendJob `json:"job"`
	Reason string        `json:"reason"`
}

// WaveResult tallies one wave.
type WaveResult struct {
	Number int        `json:"number"`
	Total  int        `json:"total"`
	Sent   int        `json:"sent"`
	Failed int        `json:"failed"`
	Errors []JobError `json:"errors,omitempty"`
}

// Outcome is the result of one job, in input order.
type Outcome struct {
	Job    model.SendJob
	Wave   int
	Result provider.Result
	Err    error
}

// Sent reports whether the job was accepted and logged.
func (o Outcome) Sent() bool { return o.Err == nil }

// Report aggregates a dispatch. Every input job is counted exactly once
// as sent or failed.
type Report struct {
	Total       int          `json:"total"`
	Sent        int          `json:"sent"`
	Failed      int          `json:"failed"`
	Waves       int          `json:"waves"`
	WaveResults []WaveResult `json:"wave_results"`
	Outcomes    []Outcome    `json:"-"`
}

// Batcher dispatches jobs through a Sender in waves.
type Batcher struct {
	sender   provider.Sender
	log      SendLog
	cfg      Config
	logRetry resilience.RetryConfig

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Batcher. The sender is expected to carry its own rate
// limiting, retry and circuit breaking (see provider.Guard).
func New(sender provider.Sender, log SendLog, cfg Config) *Batcher {
	return &Batcher{
		sender: sender,
		log:    log,
		cfg:    cfg.withDefaults(),
		logRetry: resilience.RetryConfig{
			MaxRetries:   2,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Factor:       2,
		},
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Config returns the effective configuration.
func (b *Batcher) Config() Config { return b.cfg }

// Dispatch sends jobs wave by wave. Waves run strictly in sequence and
// failures are isolated per job. Once ctx is cancelled no further wave or
// sub-batch starts; sends already in flight run to completion and the rest
// are reported as failed with ReasonShutdown.
func (b *Batcher) Dispatch(ctx context.Context, jobs []model.SendJob) Report {
	report := Report{
		Total:    len(jobs),
		Outcomes: make([]Outcome, len(jobs)),
	}
	if len(jobs) == 0 {
		return report
	}

	waves := partition(len(jobs), b.cfg.WaveSize)
	log := zap.L().With(zap.Int("jobs", len(jobs)), zap.Int("waves", len(waves)))
	log.Info("dispatch: starting", zap.Int("wave_size", b.cfg.WaveSize))

	stopped := false
	for wi, w := range waves {
		number := wi + 1
		if !stopped && wi > 0 {
			if err := b.sleep(ctx, b.cfg.WaveDelay); err != nil {
				stopped = true
			}
		}
		if !stopped && ctx.Err() != nil {
			stopped = true
		}

		wr := WaveResult{Number: number, Total: w.end - w.start}
		if stopped {
			b.skip(jobs, report.Outcomes, w, number)
		} else {
			stopped = b.runWave(ctx, jobs, report.Outcomes, w, number)
			metrics.RecordWave()
		}

		for i := w.start; i < w.end; i++ {
			o := report.Outcomes[i]
			if o.Sent() {
				wr.Sent++
				continue
			}
			wr.Failed++
			wr.Errors = append(wr.Errors, JobError{Job: o.Job, Reason: reason(o.Err)})
		}
		report.Sent += wr.Sent
		report.Failed += wr.Failed
		report.WaveResults = append(report.WaveResults, wr)

		log.Info("dispatch: wave complete",
			zap.Int("wave", number),
			zap.Int("sent", wr.Sent),
			zap.Int("failed", wr.Failed),
		)
	}
	report.Waves = len(report.WaveResults)

	log.Info("dispatch: finished",
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Bool("interrupted", stopped),
	)
	return report
}

// runWave sends one wave in sub-batches and reports whether dispatch was
// interrupted.
func (b *Batcher) runWave(ctx context.Context, jobs []model.SendJob, out []Outcome, w span, number int) bool {
	subs := partition(w.end-w.start, b.cfg.ConcurrencyPerWave)
	for si, sub := range subs {
		sub = span{start: w.start + sub.start, end: w.start + sub.end}
		if si > 0 {
			if err := b.sleep(ctx, b.cfg.IntraWaveDelay); err != nil {
				b.skip(jobs, out, span{start: sub.start, end: w.end}, number)
				return true
			}
		}
		if ctx.Err() != nil {
			b.skip(jobs, out, span{start: sub.start, end: w.end}, number)
			return true
		}

		// In-flight sends are not interrupted by shutdown.
		sendCtx := context.WithoutCancel(ctx)
		var g errgroup.Group
		for i := sub.start; i < sub.end; i++ {
			g.Go(func() error {
				out[i] = b.sendOne(sendCtx, jobs[i], number)
				return nil
			})
		}
		_ = g.Wait()
	}
	return false
}

func (b *Batcher) sendOne(ctx context.Context, job model.SendJob, wave int) Outcome {
	o := Outcome{Job: job, Wave: wave}
	if !dedup.ValidEmail(job.To) {
		o.Err = resilience.NewValidationError("to", "missing or malformed recipient")
		return o
	}

	res, err := b.sender.Send(ctx, job)
	if err != nil {
		o.Err = err
		zap.L().Warn("dispatch: send failed",
			zap.String("lead_id", job.LeadID),
			zap.Int("wave", wave),
			zap.String("class", resilience.Classify(err)),
			zap.Error(err),
		)
		return o
	}
	o.Result = res

	entry := model.SendLogEntry{
		MessageID:    res.MessageID,
		Provider:     res.Provider,
		LeadID:       job.LeadID,
		EnrollmentID: job.EnrollmentID,
		SequenceID:   job.SequenceID,
		Step:         job.Step,
		To:           job.To,
		Subject:      job.Subject,
		Wave:         wave,
		SentAt:       b.now().UTC(),
	}
	if b.log != nil {
		err := resilience.Do(ctx, b.logRetry, func(ctx context.Context) error {
			return b.log.AppendSendLog(ctx, entry)
		})
		if err != nil {
			zap.L().Error("dispatch: message sent but not logged",
				zap.String("message_id", res.MessageID),
				zap.String("lead_id", job.LeadID),
				zap.Error(err),
			)
			o.Err = eris.Wrapf(ErrUnlogged, "message %s: %v", res.MessageID, err)
		}
	}
	return o
}

func (b *Batcher) skip(jobs []model.SendJob, out []Outcome, s span, wave int) {
	for i := s.start; i < s.end; i++ {
		out[i] = Outcome{Job: jobs[i], Wave: wave, Err: ErrShutdown}
	}
}

func reason(err error) string {
	if errors.Is(err, ErrShutdown) {
		return ReasonShutdown
	}
	return err.Error()
}

type span struct{ start, end int }

// partition splits n items into consecutive spans of at most size.
func partition(n, size int) []span {
	if n <= 0 || size <= 0 {
		return nil
	}
	spans := make([]span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		spans = append(spans, span{start: start, end: min(start+size, n)})
	}
	return spans
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
