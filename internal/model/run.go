package model

import "time"

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// StageStatus represents the state of one stage within a run.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// Run stage names used by the ingestion pipeline.
const (
	StageParse    = "parse"
	StageDedup    = "dedup"
	StageCRM      = "crm_sync"
	StageClassify = "classify"
	StageEnroll   = "enroll"
	StageDispatch = "dispatch"
)

// RunCounters holds the per-run tallies reported to callers.
type RunCounters struct {
	Rows     int `json:"rows"`
	Leads    int `json:"leads"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Rejected int `json:"rejected"`
	Enrolled int `json:"enrolled"`
	Synced   int `json:"synced"`
	Emails   int `json:"emails"`
}

// PipelineRun is one record per ingestion batch.
type PipelineRun struct {
	ID          string      `json:"id"`
	Source      string      `json:"source"`
	Status      RunStatus   `json:"status"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	Stages      []RunStage  `json:"stages,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// RunStage is the latest recorded state of a named stage within a run.
type RunStage struct {
	RunID     string         `json:"run_id"`
	Name      string         `json:"name"`
	Status    StageStatus    `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RowError records a rejected input row.
type RowError struct {
	Row    int    `json:"row"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}

// RunResult is returned to callers of an ingestion run.
type RunResult struct {
	RunID     string      `json:"run_id"`
	Processed int         `json:"processed"`
	Errors    int         `json:"errors"`
	Details   []RowError  `json:"error_details,omitempty"`
	Counters  RunCounters `json:"counters"`
}
