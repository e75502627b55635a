// Package ingest turns a batch of input rows into deduplicated, scored,
// classified leads, syncs them to the CRM and enrolls them in sequences.
// Every run is tracked stage by stage and every rejected row is reported.
package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-dispatch/internal/classify"
	"github.com/sells-group/lead-dispatch/internal/crm"
	"github.com/sells-group/lead-dispatch/internal/dedup"
	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/sequence"
	"github.com/sells-group/lead-dispatch/internal/store"
)

// EmailFinder looks up a missing email address for a lead.
type EmailFinder interface {
	FindEmail(ctx context.Context, lead model.Lead) (string, error)
}

// Resolver deduplicates one lead against the store.
type Resolver interface {
	Resolve(ctx context.Context, lead model.Lead) (*model.Lead, model.LeadAction, error)
}

// Classifier assigns a lead type.
type Classifier interface {
	Classify(ctx context.Context, lead model.Lead) classify.Result
}

// CRM upserts a lead as a CRM contact.
type CRM interface {
	UpsertContact(ctx context.Context, lead model.Lead) (crm.Result, error)
}

// Enroller starts a lead on a sequence.
type Enroller interface {
	Enroll(ctx context.Context, leadID, sequenceName string) (*model.Enrollment, error)
}

// Tracker records run progress.
type Tracker interface {
	Start(ctx context.Context, source string) string
	UpdateStage(ctx context.Context, runID, stage string, status model.StageStatus, data map[string]any)
	Complete(ctx context.Context, runID string, summary model.RunCounters)
	Fail(ctx context.Context, runID string, summary model.RunCounters, cause error)
}

// LeadStore persists enrichment results.
type LeadStore interface {
	UpdateLeadEnrichment(ctx context.Context, leadID string, score int, cls *model.Classification) error
	SetLeadCRMContact(ctx context.Context, leadID, contactID string) error
}

// Deps wires the pipeline. Finder and CRM are optional.
type Deps struct {
	Resolver   Resolver
	Classifier Classifier
	Enroller   Enroller
	Tracker    Tracker
	Store      LeadStore
	Finder     EmailFinder
	CRM        CRM
}

// Config tunes the pipeline.
type Config struct {
	Concurrency int
	// AutoEnroll enrolls leads after classification. Leads below the
	// enrollment threshold are skipped, not rejected.
	AutoEnroll bool
}

// Pipeline runs ingestion batches.
type Pipeline struct {
	deps Deps
	cfg  Config
}

// New creates a Pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// resolved is a lead that survived dedup, with the type it was given.
type resolved struct {
	row   int
	lead  *model.Lead
	class classify.Result
}

type run struct {
	id       string
	mu       sync.Mutex
	counters model.RunCounters
	errs     []model.RowError
}

func (r *run) reject(row int, email string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters.Rejected++
	r.errs = append(r.errs, model.RowError{Row: row, Email: email, Reason: rowReason(err)})
}

func (r *run) add(fn func(c *model.RunCounters)) {
	r.mu.Lock()
	fn(&r.counters)
	r.mu.Unlock()
}

func (r *run) result() model.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := append([]model.RowError(nil), r.errs...)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Row < errs[j].Row })
	return model.RunResult{
		RunID:     r.id,
		Processed: r.counters.Leads,
		Errors:    len(errs),
		Details:   errs,
		Counters:  r.counters,
	}
}

func rowReason(err error) string {
	var ve *resilience.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}

// Run ingests records as one tracked run. Row-level problems are recorded
// in the result and never fail the run; store failures abort it, mark it
// failed and are returned.
func (p *Pipeline) Run(ctx context.Context, source string, records []Record) (model.RunResult, error) {
	r := &run{id: p.deps.Tracker.Start(ctx, source)}
	log := zap.L().With(zap.String("run_id", r.id), zap.String("source", source))

	fail := func(stage string, err error) (model.RunResult, error) {
		p.deps.Tracker.UpdateStage(ctx, r.id, stage, model.StageStatusFailed, map[string]any{"error": err.Error()})
		res := r.result()
		p.deps.Tracker.Fail(ctx, r.id, res.Counters, err)
		return res, err
	}

	// Parse
	p.deps.Tracker.UpdateStage(ctx, r.id, model.StageParse, model.StageStatusRunning, nil)
	leads := make([]model.Lead, len(records))
	for i, rec := range records {
		leads[i] = ExtractLead(rec)
	}
	r.add(func(c *model.RunCounters) { c.Rows = len(records) })
	p.deps.Tracker.UpdateStage(ctx, r.id, model.StageParse, model.StageStatusComplete, map[string]any{"rows": len(records)})

	// Dedup
	p.deps.Tracker.UpdateStage(ctx, r.id, model.StageDedup, model.StageStatusRunning, nil)
	kept, err := p.dedup(ctx, r, records, leads)
	if err != nil {
		return fail(model.StageDedup, err)
	}
	p.deps.Tracker.UpdateStage(ctx, r.id, model.StageDedup, model.StageStatusComplete, map[string]any{
		"created":  r.counters.Created,
		"updated":  r.counters.Updated,
		"rejected": r.counters.Rejected,
	})

	// Classify
	p.deps.Tracker.UpdateStage(ctx, r.id, model.StageClassify, model.StageStatusRunning, nil)
	types, err := p.classify(ctx, kept)
	if err != nil {
		return fail(model.StageClassify, err)
	}
	p.deps.Tracker.UpdateStage(ctx, r.id, model.StageClassify, model.StageStatusComplete, types)

	// CRM
	if p.deps.CRM == nil {
		p.deps.Tracker.UpdateStage(ctx, r.id, model.StageCRM, model.StageStatusSkipped, nil)
	} else {
		p.deps.Tracker.UpdateStage(ctx, r.id, model.StageCRM, model.StageStatusRunning, nil)
		if err := p.syncCRM(ctx, r, kept); err != nil {
			return fail(model.StageCRM, err)
		}
		p.deps.Tracker.UpdateStage(ctx, r.id, model.StageCRM, model.StageStatusComplete, map[string]any{"synced": r.counters.Synced})
	}

	// Enroll
	if !p.cfg.AutoEnroll {
		p.deps.Tracker.UpdateStage(ctx, r.id, model.StageEnroll, model.StageStatusSkipped, nil)
	} else {
		p.deps.Tracker.UpdateStage(ctx, r.id, model.StageEnroll, model.StageStatusRunning, nil)
		if err := p.enroll(ctx, r, kept); err != nil {
			return fail(model.StageEnroll, err)
		}
		p.deps.Tracker.UpdateStage(ctx, r.id, model.StageEnroll, model.StageStatusComplete, map[string]any{"enrolled": r.counters.Enrolled})
	}

	res := r.result()
	p.deps.Tracker.Complete(ctx, r.id, res.Counters)
	log.Info("ingest: run finished",
		zap.Int("rows", res.Counters.Rows),
		zap.Int("leads", res.Counters.Leads),
		zap.Int("rejected", res.Counters.Rejected),
	)
	return res, nil
}

// dedup resolves every lead concurrently. The returned slice holds one
// entry per distinct stored lead, in row order.
func (p *Pipeline) dedup(ctx context.Context, r *run, records []Record, leads []model.Lead) ([]*resolved, error) {
	out := make([]*resolved, len(leads))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i := range leads {
		g.Go(func() error {
			row := records[i].Row
			lead := leads[i]
			if lead.Email == "" && p.deps.Finder != nil {
				p.findEmail(gCtx, &lead)
			}
			dedup.Normalize(&lead)

			stored, action, err := p.deps.Resolver.Resolve(gCtx, lead)
			if err != nil {
				var ve *resilience.ValidationError
				if errors.As(err, &ve) {
					r.reject(row, lead.Email, err)
					return nil
				}
				return eris.Wrapf(err, "ingest: resolve row %d", row)
			}

			metrics.RecordDedup(string(action))
			r.add(func(c *model.RunCounters) {
				if action == model.LeadCreated {
					c.Created++
				} else {
					c.Updated++
				}
			})
			// Keep incoming fields for scoring; the stored row wins on identity.
			merged := lead
			merged.ID = stored.ID
			merged.Fingerprint = stored.Fingerprint
			merged.CRMContactID = stored.CRMContactID
			merged.Email = stored.Email
			out[i] = &resolved{row: row, lead: &merged}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(out))
	kept := make([]*resolved, 0, len(out))
	for _, res := range out {
		if res == nil || seen[res.lead.ID] {
			continue
		}
		seen[res.lead.ID] = true
		kept = append(kept, res)
	}
	r.add(func(c *model.RunCounters) { c.Leads = len(kept) })
	return kept, nil
}

func (p *Pipeline) findEmail(ctx context.Context, lead *model.Lead) {
	email, err := p.deps.Finder.FindEmail(ctx, *lead)
	if err != nil {
		zap.L().Warn("ingest: email lookup failed",
			zap.String("name", lead.FullName()),
			zap.String("organization", lead.Organization),
			zap.Error(err),
		)
		return
	}
	lead.Email = email
}

// classify scores and types every kept lead and persists the result. It
// returns the per-type tally.
func (p *Pipeline) classify(ctx context.Context, kept []*resolved) (map[string]any, error) {
	var mu sync.Mutex
	tally := make(map[string]any)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, res := range kept {
		g.Go(func() error {
			res.lead.Score = classify.Completeness(*res.lead)
			res.class = p.deps.Classifier.Classify(gCtx, *res.lead)
			cls := &model.Classification{Type: res.class.Type, Score: float64(res.class.Score)}
			res.lead.Classification = cls
			if err := p.deps.Store.UpdateLeadEnrichment(gCtx, res.lead.ID, res.lead.Score, cls); err != nil {
				return eris.Wrapf(err, "ingest: save enrichment for lead %s", res.lead.ID)
			}
			mu.Lock()
			n, _ := tally[res.class.Type].(int)
			tally[res.class.Type] = n + 1
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tally, nil
}

// syncCRM upserts each lead. CRM failures are logged per lead; only a
// failure to record the contact id locally aborts the run.
func (p *Pipeline) syncCRM(ctx context.Context, r *run, kept []*resolved) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, res := range kept {
		g.Go(func() error {
			out, err := p.deps.CRM.UpsertContact(gCtx, *res.lead)
			if err != nil {
				zap.L().Warn("ingest: crm sync failed",
					zap.String("lead_id", res.lead.ID),
					zap.Int("row", res.row),
					zap.Error(err),
				)
				return nil
			}
			r.add(func(c *model.RunCounters) { c.Synced++ })
			if out.ContactID == res.lead.CRMContactID {
				return nil
			}
			if err := p.deps.Store.SetLeadCRMContact(gCtx, res.lead.ID, out.ContactID); err != nil {
				return eris.Wrapf(err, "ingest: save crm contact for lead %s", res.lead.ID)
			}
			res.lead.CRMContactID = out.ContactID
			return nil
		})
	}
	return g.Wait()
}

// enroll starts each lead on the sequence its type maps to. Leads that are
// ineligible or already enrolled are skipped.
func (p *Pipeline) enroll(ctx context.Context, r *run, kept []*resolved) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, res := range kept {
		g.Go(func() error {
			_, err := p.deps.Enroller.Enroll(gCtx, res.lead.ID, res.class.Sequence)
			var ve *resilience.ValidationError
			switch {
			case err == nil:
				r.add(func(c *model.RunCounters) { c.Enrolled++ })
			case errors.Is(err, sequence.ErrAlreadyEnrolled):
			case errors.Is(err, store.ErrNotFound):
				zap.L().Warn("ingest: sequence not found, lead left unenrolled",
					zap.String("lead_id", res.lead.ID),
					zap.String("sequence", res.class.Sequence),
				)
			case errors.As(err, &ve):
				zap.L().Debug("ingest: lead not eligible for enrollment",
					zap.String("lead_id", res.lead.ID),
					zap.String("reason", ve.Reason),
				)
			default:
				return eris.Wrapf(err, "ingest: enroll lead %s", res.lead.ID)
			}
			return nil
		})
	}
	return g.Wait()
}
