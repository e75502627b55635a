package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-dispatch/internal/db"
	"github.com/sells-group/lead-dispatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const activeEnrollmentIndex = "idx_enrollments_one_active"

// preparedStatements lists the sweep hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"list_due":        `SELECT ` + enrollmentCols + ` FROM enrollments WHERE status = 'active' AND next_action_due <= $1 ORDER BY next_action_due ASC, created_at ASC LIMIT $2`,
	"advance":         `UPDATE enrollments SET current_step = $1, status = $2, next_action_due = $3, last_sent_at = $4, attempts = 0, status_reason = '', updated_at = $5 WHERE id = $6 AND status = 'active' AND current_step = $7`,
	"append_send_log": `INSERT INTO send_log (message_id, provider, lead_id, enrollment_id, sequence_id, step, recipient, subject, wave, sent_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (message_id) DO NOTHING`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL,
	first_name     TEXT NOT NULL DEFAULT '',
	last_name      TEXT NOT NULL DEFAULT '',
	organization   TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	website        TEXT NOT NULL DEFAULT '',
	city           TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT '',
	country        TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT '',
	source_ref     TEXT NOT NULL DEFAULT '',
	score          INTEGER NOT NULL DEFAULT 0,
	fingerprint    TEXT NOT NULL,
	classification JSONB,
	crm_contact_id TEXT NOT NULL DEFAULT '',
	superseded_by  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT leads_fingerprint_key UNIQUE (fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(email);

CREATE TABLE IF NOT EXISTS sequences (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	version    INTEGER NOT NULL DEFAULT 1,
	steps      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrollments (
	id              TEXT PRIMARY KEY,
	lead_id         TEXT NOT NULL REFERENCES leads(id),
	sequence_id     TEXT NOT NULL REFERENCES sequences(id),
	current_step    INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'active',
	status_reason   TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_action_due TIMESTAMPTZ NOT NULL,
	last_sent_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_one_active ON enrollments(lead_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_enrollments_due ON enrollments(next_action_due) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_enrollments_lead ON enrollments(lead_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS send_log (
	message_id    TEXT PRIMARY KEY,
	provider      TEXT NOT NULL,
	lead_id       TEXT NOT NULL DEFAULT '',
	enrollment_id TEXT NOT NULL DEFAULT '',
	sequence_id   TEXT,
	step          INTEGER NOT NULL DEFAULT 0,
	recipient     TEXT NOT NULL,
	subject       TEXT NOT NULL DEFAULT '',
	wave          INTEGER NOT NULL DEFAULT 0,
	sent_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE send_log ADD COLUMN IF NOT EXISTS enrollment_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_send_log_lead_step ON send_log(lead_id, sequence_id, step);
CREATE INDEX IF NOT EXISTS idx_send_log_enrollment_step ON send_log(enrollment_id, step);

CREATE TABLE IF NOT EXISTS engagement_events (
	id            TEXT PRIMARY KEY,
	lead_id       TEXT NOT NULL,
	enrollment_id TEXT NOT NULL DEFAULT '',
	sequence_id   TEXT NOT NULL,
	step          INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE engagement_events ADD COLUMN IF NOT EXISTS enrollment_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_engagement_enrollment_step ON engagement_events(enrollment_id, step);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'processing',
	counters     JSONB NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, name)
);
`

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Leads ---

const leadCols = `id, email, first_name, last_name, organization, title, phone, website, city, state, country, source, source_ref, score, fingerprint, classification, crm_contact_id, superseded_by, created_at, updated_at`

func scanPgLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var cls []byte
	err := row.Scan(&l.ID, &l.Email, &l.FirstName, &l.LastName, &l.Organization, &l.Title, &l.Phone,
		&l.Website, &l.City, &l.State, &l.Country, &l.Source, &l.SourceRef, &l.Score, &l.Fingerprint,
		&cls, &l.CRMContactID, &l.SupersededBy, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(cls) > 0 {
		l.Classification = &model.Classification{}
		if err := json.Unmarshal(cls, l.Classification); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal classification")
		}
	}
	return &l, nil
}

func (s *PostgresStore) findLead(ctx context.Context, where string, arg any) (*model.Lead, error) {
	l, err := scanPgLead(s.pool.QueryRow(ctx,
		`SELECT `+leadCols+` FROM leads WHERE `+where+` ORDER BY superseded_by = '' DESC, updated_at DESC LIMIT 1`, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := s.findLead(ctx, `id = $1`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	if l == nil {
		return nil, eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return l, nil
}

func (s *PostgresStore) FindLeadByFingerprint(ctx context.Context, fingerprint string) (*model.Lead, error) {
	l, err := s.findLead(ctx, `fingerprint = $1`, fingerprint)
	return l, eris.Wrap(err, "postgres: find lead by fingerprint")
}

func (s *PostgresStore) FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error) {
	l, err := s.findLead(ctx, `email = $1`, email)
	return l, eris.Wrap(err, "postgres: find lead by email")
}

func (s *PostgresStore) InsertLead(ctx context.Context, l *model.Lead) (bool, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	var cls []byte
	if l.Classification != nil {
		var err error
		if cls, err = json.Marshal(l.Classification); err != nil {
			return false, eris.Wrap(err, "postgres: marshal classification")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leads (`+leadCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		l.ID, l.Email, l.FirstName, l.LastName, l.Organization, l.Title, l.Phone, l.Website, l.City,
		l.State, l.Country, l.Source, l.SourceRef, l.Score, l.Fingerprint, cls, l.CRMContactID,
		l.SupersededBy, now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert lead")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RefreshLeadSource(ctx context.Context, leadID, source, sourceRef string) error {
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET source = $1, source_ref = $2, updated_at = $3 WHERE id = $4`,
		source, sourceRef, time.Now().UTC(), leadID)
}

func (s *PostgresStore) MarkSuperseded(ctx context.Context, leadID, supersededBy string) error {
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET superseded_by = $1, updated_at = $2 WHERE id = $3`,
		supersededBy, time.Now().UTC(), leadID)
}

func (s *PostgresStore) UpdateLeadEnrichment(ctx context.Context, leadID string, score int, cls *model.Classification) error {
	var clsJSON []byte
	if cls != nil {
		var err error
		if clsJSON, err = json.Marshal(cls); err != nil {
			return eris.Wrap(err, "postgres: marshal classification")
		}
	}
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET score = $1, classification = $2, updated_at = $3 WHERE id = $4`,
		score, clsJSON, time.Now().UTC(), leadID)
}

func (s *PostgresStore) SetLeadCRMContact(ctx context.Context, leadID, contactID string) error {
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET crm_contact_id = $1, updated_at = $2 WHERE id = $3`,
		contactID, time.Now().UTC(), leadID)
}

// --- Sequences ---

func (s *PostgresStore) UpsertSequence(ctx context.Context, seq *model.Sequence) error {
	steps, err := json.Marshal(seq.Steps)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal steps")
	}
	id := seq.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	err = s.pool.QueryRow(ctx,
		`INSERT INTO sequences (id, name, version, steps, created_at, updated_at) VALUES ($1, $2, 1, $3, $4, $4)
		 ON CONFLICT (name) DO UPDATE SET steps = EXCLUDED.steps, version = sequences.version + 1, updated_at = EXCLUDED.updated_at
		 RETURNING id, version`,
		id, seq.Name, steps, now,
	).Scan(&seq.ID, &seq.Version)
	return eris.Wrapf(err, "postgres: upsert sequence %s", seq.Name)
}

func scanPgSequence(row pgx.Row) (*model.Sequence, error) {
	var seq model.Sequence
	var steps []byte
	if err := row.Scan(&seq.ID, &seq.Name, &seq.Version, &steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &seq.Steps); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal steps")
	}
	return &seq, nil
}

func (s *PostgresStore) getSequence(ctx context.Context, where string, arg any) (*model.Sequence, error) {
	seq, err := scanPgSequence(s.pool.QueryRow(ctx,
		`SELECT id, name, version, steps FROM sequences WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sequence %v", arg)
	}
	return seq, eris.Wrapf(err, "postgres: get sequence %v", arg)
}

func (s *PostgresStore) GetSequence(ctx context.Context, id string) (*model.Sequence, error) {
	return s.getSequence(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetSequenceByName(ctx context.Context, name string) (*model.Sequence, error) {
	return s.getSequence(ctx, `name = $1`, name)
}

func (s *PostgresStore) ListSequences(ctx context.Context) ([]model.Sequence, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, version, steps FROM sequences ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sequences")
	}
	defer rows.Close()

	var out []model.Sequence
	for rows.Next() {
		seq, err := scanPgSequence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sequence")
		}
		out = append(out, *seq)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sequences iterate")
}

// --- Enrollments ---

const enrollmentCols = `id, lead_id, sequence_id, current_step, status, status_reason, attempts, next_action_due, last_sent_at, created_at, updated_at`

func scanPgEnrollment(row pgx.Row) (*model.Enrollment, error) {
	var e model.Enrollment
	err := row.Scan(&e.ID, &e.LeadID, &e.SequenceID, &e.CurrentStep, &e.Status, &e.StatusReason,
		&e.Attempts, &e.NextActionDue, &e.LastSentAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, e *model.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrollments (`+enrollmentCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.LeadID, e.SequenceID, e.CurrentStep, string(e.Status), e.StatusReason, e.Attempts,
		e.NextActionDue.UTC(), e.LastSentAt, now, now,
	)
	if db.IsUniqueViolation(err, activeEnrollmentIndex) {
		return eris.Wrapf(ErrActiveEnrollment, "lead %s", e.LeadID)
	}
	return eris.Wrapf(err, "postgres: insert enrollment for lead %s", e.LeadID)
}

func (s *PostgresStore) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	e, err := scanPgEnrollment(s.pool.QueryRow(ctx,
		`SELECT `+enrollmentCols+` FROM enrollments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "enrollment %s", id)
	}
	return e, eris.Wrapf(err, "postgres: get enrollment %s", id)
}

func (s *PostgresStore) FindEnrollment(ctx context.Context, leadID string, statuses ...model.EnrollmentStatus) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentCols + ` FROM enrollments WHERE lead_id = $1`
	args := []any{leadID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	e, err := scanPgEnrollment(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrapf(err, "postgres: find enrollment for lead %s", leadID)
}

func (s *PostgresStore) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["list_due"], now.UTC(), listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list due enrollments")
	}
	defer rows.Close()

	var out []model.Enrollment
	for rows.Next() {
		e, err := scanPgEnrollment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrollment")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list due iterate")
}

func (s *PostgresStore) AdvanceEnrollment(ctx context.Context, a Advance) (bool, error) {
	status := model.EnrollmentActive
	if a.Complete {
		status = model.EnrollmentCompleted
	}
	sentAt := a.SentAt.UTC()
	tag, err := s.pool.Exec(ctx, preparedStatements["advance"],
		a.ToStep, string(status), a.NextDue.UTC(), &sentAt, time.Now().UTC(), a.ID, a.FromStep)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: advance enrollment %s", a.ID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) DeferEnrollment(ctx context.Context, id string, step int, nextDue time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollments SET next_action_due = $1, updated_at = $2 WHERE id = $3 AND status = 'active' AND current_step = $4`,
		nextDue.UTC(), time.Now().UTC(), id, step)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: defer enrollment %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) SetEnrollmentStatus(ctx context.Context, id string, expect Expect, to model.EnrollmentStatus, reason string) (bool, error) {
	query := `UPDATE enrollments SET status = $1, status_reason = $2, updated_at = $3 WHERE id = $4 AND status = ANY($5)`
	args := []any{string(to), reason, time.Now().UTC(), id, statusStrings(expect.Statuses)}
	if expect.Step > 0 {
		query += ` AND current_step = $6`
		args = append(args, expect.Step)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if db.IsUniqueViolation(err, activeEnrollmentIndex) {
		return false, eris.Wrapf(ErrActiveEnrollment, "enrollment %s", id)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set enrollment %s to %s", id, to)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordStepFailure(ctx context.Context, id string, step int, reason string, maxAttempts int) (int, bool, error) {
	var attempts int
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE enrollments
		 SET attempts = attempts + 1,
		     status = CASE WHEN $1 > 0 AND attempts + 1 >= $1 THEN 'failed' ELSE status END,
		     status_reason = $2, updated_at = $3
		 WHERE id = $4 AND status = 'active' AND current_step = $5
		 RETURNING attempts, status`,
		maxAttempts, reason, time.Now().UTC(), id, step,
	).Scan(&attempts, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: record failure for enrollment %s", id)
	}
	return attempts, status == string(model.EnrollmentFailed), nil
}

// --- Send log ---

func (s *PostgresStore) AppendSendLog(ctx context.Context, e model.SendLogEntry) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, preparedStatements["append_send_log"],
		e.MessageID, e.Provider, e.LeadID, e.EnrollmentID, e.SequenceID, e.Step, e.To, e.Subject, e.Wave, e.SentAt.UTC())
	return eris.Wrapf(err, "postgres: append send log %s", e.MessageID)
}

func (s *PostgresStore) HasSent(ctx context.Context, key SentKey) (bool, error) {
	var row pgx.Row
	if key.EnrollmentID != "" {
		row = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM send_log WHERE enrollment_id = $1 AND step = $2)`,
			key.EnrollmentID, key.Step)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM send_log WHERE enrollment_id = '' AND lead_id = $1 AND sequence_id IS NOT DISTINCT FROM $2 AND step = $3)`,
			key.LeadID, key.SequenceID, key.Step)
	}
	var exists bool
	err := row.Scan(&exists)
	return exists, eris.Wrap(err, "postgres: has sent")
}

func (s *PostgresStore) ListSendLog(ctx context.Context, leadID string) ([]model.SendLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, provider, lead_id, enrollment_id, sequence_id, step, recipient, subject, wave, sent_at
		 FROM send_log WHERE lead_id = $1 ORDER BY sent_at ASC`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list send log")
	}
	defer rows.Close()

	var out []model.SendLogEntry
	for rows.Next() {
		var e model.SendLogEntry
		if err := rows.Scan(&e.MessageID, &e.Provider, &e.LeadID, &e.EnrollmentID, &e.SequenceID, &e.Step, &e.To, &e.Subject, &e.Wave, &e.SentAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan send log")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list send log iterate")
}

// --- Engagement ---

func (s *PostgresStore) RecordEngagement(ctx context.Context, ev model.EngagementEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engagement_events (id, lead_id, enrollment_id, sequence_id, step, kind, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), ev.LeadID, ev.EnrollmentID, ev.SequenceID, ev.Step, string(ev.Kind), ev.OccurredAt.UTC())
	return eris.Wrap(err, "postgres: record engagement")
}

func (s *PostgresStore) GetEngagement(ctx context.Context, enrollmentID string, step int) (model.Engagement, error) {
	var eng model.Engagement
	if enrollmentID == "" {
		return eng, nil
	}
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(bool_or(kind = 'open'), false), COALESCE(bool_or(kind = 'click'), false), COALESCE(bool_or(kind = 'reply'), false)
		 FROM engagement_events WHERE enrollment_id = $1 AND step = $2`,
		enrollmentID, step,
	).Scan(&eng.Opened, &eng.Clicked, &eng.Replied)
	return eng, eris.Wrap(err, "postgres: get engagement")
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, source string) (*model.PipelineRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, source, status, counters, started_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, source, string(model.RunStatusProcessing), []byte("{}"), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.PipelineRun{
		ID:        id,
		Source:    source,
		Status:    model.RunStatusProcessing,
		StartedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpsertRunStage(ctx context.Context, st model.RunStage) error {
	data, err := json.Marshal(st.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage data")
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_stages (run_id, name, status, data, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, name) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		st.RunID, st.Name, string(st.Status), data, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert stage %s for run %s", st.Name, st.RunID)
	}
	_, err = s.pool.Exec(ctx, `UPDATE pipeline_runs SET updated_at = $1 WHERE id = $2`, now, st.RunID)
	return eris.Wrapf(err, "postgres: touch run %s", st.RunID)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, msg string) error {
	data, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counters")
	}
	now := time.Now().UTC()
	return s.execOne(ctx, "run", runID,
		`UPDATE pipeline_runs SET status = $1, counters = $2, error = $3, updated_at = $4, completed_at = $4 WHERE id = $5`,
		string(status), data, msg, now, runID)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, counters model.RunCounters) error {
	return s.finishRun(ctx, runID, model.RunStatusCompleted, counters, "")
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, counters model.RunCounters, msg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, counters, msg)
}

const runCols = `id, source, status, counters, error, started_at, updated_at, completed_at`

func scanPgRun(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var counters []byte
	if err := row.Scan(&r.ID, &r.Source, &r.Status, &counters, &r.Error, &r.StartedAt, &r.UpdatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &r.Counters); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counters")
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM pipeline_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT run_id, name, status, data, updated_at FROM run_stages WHERE run_id = $1 ORDER BY updated_at ASC`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stages for run %s", runID)
	}
	defer rows.Close()
	for rows.Next() {
		var st model.RunStage
		var data []byte
		if err := rows.Scan(&st.RunID, &st.Name, &st.Status, &data, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &st.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage data")
			}
		}
		r.Stages = append(r.Stages, st)
	}
	return r, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + runCols + ` FROM pipeline_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// execOne runs an update that must touch exactly one row.
func (s *PostgresStore) execOne(ctx context.Context, entity, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %s", entity, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
