package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/lead-dispatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so due-time comparisons are numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	fingerprint    TEXT NOT NULL UNIQUE,
	classification TEXT,
	crm_contact_id TEXT NOT NULL DEFAULT '',
	superseded_by  TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(email);

CREATE TABLE IF NOT EXISTS sequences (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	version    INTEGER NOT NULL DEFAULT 1,
	steps      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS enrollments (
	id              TEXT PRIMARY KEY,
	lead_id         TEXT NOT NULL REFERENCES leads(id),
	sequence_id     TEXT NOT NULL REFERENCES sequences(id),
	current_step    INTEGER NOT NULL DEFAULT 1,
	status          TEXT NOT NULL DEFAULT 'active',
	status_reason   TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_action_due INTEGER NOT NULL,
	last_sent_at    INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_one_active ON enrollments(lead_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_enrollments_due ON enrollments(next_action_due) WHERE status = 'active';

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
	sent_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_send_log_lead_step ON send_log(lead_id, sequence_id, step);
CREATE INDEX IF NOT EXISTS idx_send_log_enrollment_step ON send_log(enrollment_id, step);

CREATE TABLE IF NOT EXISTS engagement_events (
	id            TEXT PRIMARY KEY,
	lead_id       TEXT NOT NULL,
	enrollment_id TEXT NOT NULL DEFAULT '',
	sequence_id   TEXT NOT NULL,
	step          INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	occurred_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_engagement_enrollment_step ON engagement_events(enrollment_id, step);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'processing',
	counters     TEXT NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id     TEXT NOT NULL REFERENCES pipeline_runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	data       TEXT,
	seq        INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, name)
);
`

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Leads ---

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var cls sql.NullString
	var created, updated int64
	err := row.Scan(&l.ID, &l.Email, &l.FirstName, &l.LastName, &l.Organization, &l.Title, &l.Phone,
		&l.Website, &l.City, &l.State, &l.Country, &l.Source, &l.SourceRef, &l.Score, &l.Fingerprint,
		&cls, &l.CRMContactID, &l.SupersededBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	l.CreatedAt, l.UpdatedAt = fromMillis(created), fromMillis(updated)
	if cls.Valid && cls.String != "" {
		l.Classification = &model.Classification{}
		if err := json.Unmarshal([]byte(cls.String), l.Classification); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal classification")
		}
	}
	return &l, nil
}

func (s *SQLiteStore) findLead(ctx context.Context, where string, arg any) (*model.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx,
		`SELECT `+leadCols+` FROM leads WHERE `+where+` ORDER BY superseded_by = '' DESC, updated_at DESC LIMIT 1`, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := s.findLead(ctx, `id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	if l == nil {
		return nil, eris.Wrapf(ErrNotFound, "lead %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) FindLeadByFingerprint(ctx context.Context, fingerprint string) (*model.Lead, error) {
	l, err := s.findLead(ctx, `fingerprint = ?`, fingerprint)
	return l, eris.Wrap(err, "sqlite: find lead by fingerprint")
}

func (s *SQLiteStore) FindLeadByEmail(ctx context.Context, email string) (*model.Lead, error) {
	l, err := s.findLead(ctx, `email = ?`, email)
	return l, eris.Wrap(err, "sqlite: find lead by email")
}

func (s *SQLiteStore) InsertLead(ctx context.Context, l *model.Lead) (bool, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now

	cls, err := nullJSON(l.Classification)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal classification")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (`+leadCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		l.ID, l.Email, l.FirstName, l.LastName, l.Organization, l.Title, l.Phone, l.Website, l.City,
		l.State, l.Country, l.Source, l.SourceRef, l.Score, l.Fingerprint, cls, l.CRMContactID,
		l.SupersededBy, millis(now), millis(now),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert lead")
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RefreshLeadSource(ctx context.Context, leadID, source, sourceRef string) error {
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET source = ?, source_ref = ?, updated_at = ? WHERE id = ?`,
		source, sourceRef, nowMillis(), leadID)
}

func (s *SQLiteStore) MarkSuperseded(ctx context.Context, leadID, supersededBy string) error {
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET superseded_by = ?, updated_at = ? WHERE id = ?`,
		supersededBy, nowMillis(), leadID)
}

func (s *SQLiteStore) UpdateLeadEnrichment(ctx context.Context, leadID string, score int, cls *model.Classification) error {
	clsJSON, err := nullJSON(cls)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal classification")
	}
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET score = ?, classification = ?, updated_at = ? WHERE id = ?`,
		score, clsJSON, nowMillis(), leadID)
}

func (s *SQLiteStore) SetLeadCRMContact(ctx context.Context, leadID, contactID string) error {
	return s.execOne(ctx, "lead", leadID,
		`UPDATE leads SET crm_contact_id = ?, updated_at = ? WHERE id = ?`,
		contactID, nowMillis(), leadID)
}

// --- Sequences ---

func (s *SQLiteStore) UpsertSequence(ctx context.Context, seq *model.Sequence) error {
	steps, err := json.Marshal(seq.Steps)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal steps")
	}
	id := seq.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := nowMillis()

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO sequences (id, name, version, steps, created_at, updated_at) VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET steps = excluded.steps, version = sequences.version + 1, updated_at = excluded.updated_at
		 RETURNING id, version`,
		id, seq.Name, string(steps), now, now,
	).Scan(&seq.ID, &seq.Version)
	return eris.Wrapf(err, "sqlite: upsert sequence %s", seq.Name)
}

func scanSequence(row scannable) (*model.Sequence, error) {
	var seq model.Sequence
	var steps string
	if err := row.Scan(&seq.ID, &seq.Name, &seq.Version, &steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &seq.Steps); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal steps")
	}
	return &seq, nil
}

func (s *SQLiteStore) getSequence(ctx context.Context, where string, arg any) (*model.Sequence, error) {
	seq, err := scanSequence(s.db.QueryRowContext(ctx,
		`SELECT id, name, version, steps FROM sequences WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sequence %v", arg)
	}
	return seq, eris.Wrapf(err, "sqlite: get sequence %v", arg)
}

func (s *SQLiteStore) GetSequence(ctx context.Context, id string) (*model.Sequence, error) {
	return s.getSequence(ctx, `id = ?`, id)
}

func (s *SQLiteStore) GetSequenceByName(ctx context.Context, name string) (*model.Sequence, error) {
	return s.getSequence(ctx, `name = ?`, name)
}

func (s *SQLiteStore) ListSequences(ctx context.Context) ([]model.Sequence, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, version, steps FROM sequences ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sequences")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sequence")
		}
		out = append(out, *seq)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sequences iterate")
}

// --- Enrollments ---

func scanEnrollment(row scannable) (*model.Enrollment, error) {
	var e model.Enrollment
	var status string
	var due, created, updated int64
	var lastSent sql.NullInt64
	err := row.Scan(&e.ID, &e.LeadID, &e.SequenceID, &e.CurrentStep, &status, &e.StatusReason,
		&e.Attempts, &due, &lastSent, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.Status = model.EnrollmentStatus(status)
	e.NextActionDue = fromMillis(due)
	e.CreatedAt, e.UpdatedAt = fromMillis(created), fromMillis(updated)
	if lastSent.Valid {
		t := fromMillis(lastSent.Int64)
		e.LastSentAt = &t
	}
	return &e, nil
}

func (s *SQLiteStore) CreateEnrollment(ctx context.Context, e *model.Enrollment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (`+enrollmentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LeadID, e.SequenceID, e.CurrentStep, string(e.Status), e.StatusReason, e.Attempts,
		millis(e.NextActionDue), nullMillis(e.LastSentAt), millis(now), millis(now),
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrActiveEnrollment, "lead %s", e.LeadID)
	}
	return eris.Wrapf(err, "sqlite: insert enrollment for lead %s", e.LeadID)
}

func (s *SQLiteStore) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentCols+` FROM enrollments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "enrollment %s", id)
	}
	return e, eris.Wrapf(err, "sqlite: get enrollment %s", id)
}

func (s *SQLiteStore) FindEnrollment(ctx context.Context, leadID string, statuses ...model.EnrollmentStatus) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentCols + ` FROM enrollments WHERE lead_id = ?`
	args := []any{leadID}
	if len(statuses) > 0 {
		in, inArgs := inClause(statusStrings(statuses))
		query += ` AND status IN ` + in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	e, err := scanEnrollment(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrapf(err, "sqlite: find enrollment for lead %s", leadID)
}

func (s *SQLiteStore) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+enrollmentCols+` FROM enrollments
		 WHERE status = 'active' AND next_action_due <= ?
		 ORDER BY next_action_due ASC, created_at ASC LIMIT ?`,
		millis(now), listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list due enrollments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrollment")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list due iterate")
}

func (s *SQLiteStore) AdvanceEnrollment(ctx context.Context, a Advance) (bool, error) {
	status := model.EnrollmentActive
	if a.Complete {
		status = model.EnrollmentCompleted
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET current_step = ?, status = ?, next_action_due = ?, last_sent_at = ?, attempts = 0, status_reason = '', updated_at = ?
		 WHERE id = ? AND status = 'active' AND current_step = ?`,
		a.ToStep, string(status), millis(a.NextDue), millis(a.SentAt), nowMillis(), a.ID, a.FromStep)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: advance enrollment %s", a.ID)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) DeferEnrollment(ctx context.Context, id string, step int, nextDue time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET next_action_due = ?, updated_at = ? WHERE id = ? AND status = 'active' AND current_step = ?`,
		millis(nextDue), nowMillis(), id, step)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: defer enrollment %s", id)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) SetEnrollmentStatus(ctx context.Context, id string, expect Expect, to model.EnrollmentStatus, reason string) (bool, error) {
	in, inArgs := inClause(statusStrings(expect.Statuses))
	query := `UPDATE enrollments SET status = ?, status_reason = ?, updated_at = ? WHERE id = ? AND status IN ` + in
	args := append([]any{string(to), reason, nowMillis(), id}, inArgs...)
	if expect.Step > 0 {
		query += ` AND current_step = ?`
		args = append(args, expect.Step)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if isSQLiteUnique(err) {
		return false, eris.Wrapf(ErrActiveEnrollment, "enrollment %s", id)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: set enrollment %s to %s", id, to)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) RecordStepFailure(ctx context.Context, id string, step int, reason string, maxAttempts int) (int, bool, error) {
	var attempts int
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE enrollments
		 SET attempts = attempts + 1,
		     status = CASE WHEN ?1 > 0 AND attempts + 1 >= ?1 THEN 'failed' ELSE status END,
		     status_reason = ?2, updated_at = ?3
		 WHERE id = ?4 AND status = 'active' AND current_step = ?5
		 RETURNING attempts, status`,
		maxAttempts, reason, nowMillis(), id, step,
	).Scan(&attempts, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: record failure for enrollment %s", id)
	}
	return attempts, status == string(model.EnrollmentFailed), nil
}

// --- Send log ---

func (s *SQLiteStore) AppendSendLog(ctx context.Context, e model.SendLogEntry) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_log (message_id, provider, lead_id, enrollment_id, sequence_id, step, recipient, subject, wave, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		e.MessageID, e.Provider, e.LeadID, e.EnrollmentID, nullString(e.SequenceID), e.Step, e.To, e.Subject, e.Wave, millis(e.SentAt))
	return eris.Wrapf(err, "sqlite: append send log %s", e.MessageID)
}

func (s *SQLiteStore) HasSent(ctx context.Context, key SentKey) (bool, error) {
	var row *sql.Row
	if key.EnrollmentID != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM send_log WHERE enrollment_id = ? AND step = ?)`,
			key.EnrollmentID, key.Step)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM send_log WHERE enrollment_id = '' AND lead_id = ? AND sequence_id IS ? AND step = ?)`,
			key.LeadID, nullString(key.SequenceID), key.Step)
	}
	var exists bool
	err := row.Scan(&exists)
	return exists, eris.Wrap(err, "sqlite: has sent")
}

func (s *SQLiteStore) ListSendLog(ctx context.Context, leadID string) ([]model.SendLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, provider, lead_id, enrollment_id, sequence_id, step, recipient, subject, wave, sent_at
		 FROM send_log WHERE lead_id = ? ORDER BY sent_at ASC, step ASC`, leadID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list send log")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SendLogEntry
	for rows.Next() {
		var e model.SendLogEntry
		var seqID sql.NullString
		var sentAt int64
		if err := rows.Scan(&e.MessageID, &e.Provider, &e.LeadID, &e.EnrollmentID, &seqID, &e.Step, &e.To, &e.Subject, &e.Wave, &sentAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan send log")
		}
		if seqID.Valid {
			e.SequenceID = &seqID.String
		}
		e.SentAt = fromMillis(sentAt)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list send log iterate")
}

// --- Engagement ---

func (s *SQLiteStore) RecordEngagement(ctx context.Context, ev model.EngagementEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engagement_events (id, lead_id, enrollment_id, sequence_id, step, kind, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.LeadID, ev.EnrollmentID, ev.SequenceID, ev.Step, string(ev.Kind), millis(ev.OccurredAt))
	return eris.Wrap(err, "sqlite: record engagement")
}

func (s *SQLiteStore) GetEngagement(ctx context.Context, enrollmentID string, step int) (model.Engagement, error) {
	var eng model.Engagement
	if enrollmentID == "" {
		return eng, nil
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(kind = 'open'), 0), COALESCE(MAX(kind = 'click'), 0), COALESCE(MAX(kind = 'reply'), 0)
		 FROM engagement_events WHERE enrollment_id = ? AND step = ?`,
		enrollmentID, step,
	).Scan(&eng.Opened, &eng.Clicked, &eng.Replied)
	return eng, eris.Wrap(err, "sqlite: get engagement")
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, source string) (*model.PipelineRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, source, status, counters, started_at, updated_at) VALUES (?, ?, ?, '{}', ?, ?)`,
		id, source, string(model.RunStatusProcessing), millis(now), millis(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &model.PipelineRun{
		ID:        id,
		Source:    source,
		Status:    model.RunStatusProcessing,
		StartedAt: fromMillis(millis(now)),
		UpdatedAt: fromMillis(millis(now)),
	}, nil
}

func (s *SQLiteStore) UpsertRunStage(ctx context.Context, st model.RunStage) error {
	data, err := nullJSON(st.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage data")
	}
	now := nowMillis()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_stages (run_id, name, status, data, seq, updated_at)
		 VALUES (?, ?, ?, ?, (SELECT COUNT(*) FROM run_stages WHERE run_id = ?), ?)
		 ON CONFLICT (run_id, name) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		st.RunID, st.Name, string(st.Status), data, st.RunID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert stage %s for run %s", st.Name, st.RunID)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE pipeline_runs SET updated_at = ? WHERE id = ?`, now, st.RunID)
	return eris.Wrapf(err, "sqlite: touch run %s", st.RunID)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, counters model.RunCounters, msg string) error {
	data, err := json.Marshal(counters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counters")
	}
	now := nowMillis()
	return s.execOne(ctx, "run", runID,
		`UPDATE pipeline_runs SET status = ?, counters = ?, error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(status), string(data), msg, now, now, runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, counters model.RunCounters) error {
	return s.finishRun(ctx, runID, model.RunStatusCompleted, counters, "")
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, counters model.RunCounters, msg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, counters, msg)
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var status, counters string
	var started, updated int64
	var completed sql.NullInt64
	if err := row.Scan(&r.ID, &r.Source, &status, &counters, &r.Error, &started, &updated, &completed); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.StartedAt, r.UpdatedAt = fromMillis(started), fromMillis(updated)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		r.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(counters), &r.Counters); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal counters")
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM pipeline_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, status, data, updated_at FROM run_stages WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stages for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var st model.RunStage
		var status string
		var data sql.NullString
		var updated int64
		if err := rows.Scan(&st.RunID, &st.Name, &status, &data, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		st.Status = model.StageStatus(status)
		st.UpdatedAt = fromMillis(updated)
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &st.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage data")
			}
		}
		r.Stages = append(r.Stages, st)
	}
	return r, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT ` + runCols + ` FROM pipeline_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) execOne(ctx context.Context, entity, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %s", entity, id)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func isSQLiteUnique(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *model.Classification:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
