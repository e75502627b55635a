package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/lead-dispatch/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []model.PipelineRun{
		{
			ID:          "abc12345-6789-0000-0000-000000000000",
			Source:      "donors-2025.csv",
			Status:      model.RunStatusCompleted,
			Counters:    model.RunCounters{Rows: 120, Leads: 110, Rejected: 10, Enrolled: 80},
			StartedAt:   now,
			UpdatedAt:   done,
			CompletedAt: &done,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Source:    "a-very-long-source-label-that-will-be-truncated.xlsx",
			Status:    model.RunStatusProcessing,
			StartedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "SOURCE")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "donors-2025.csv")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "120")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "processing")
	assert.Contains(t, output, "...")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestComputeRunStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	d1 := now.Add(10 * time.Second)
	d2 := now.Add(30 * time.Second)

	runs := []model.PipelineRun{
		{ID: "1", Status: model.RunStatusCompleted, StartedAt: now, CompletedAt: &d1,
			Counters: model.RunCounters{Rows: 10, Created: 8, Rejected: 2, Enrolled: 5}},
		{ID: "2", Status: model.RunStatusCompleted, StartedAt: now, CompletedAt: &d2,
			Counters: model.RunCounters{Rows: 5, Updated: 5, Synced: 5}},
		{ID: "3", Status: model.RunStatusFailed, StartedAt: now},
		{ID: "4", Status: model.RunStatusProcessing, StartedAt: now},
		{ID: "old", Status: model.RunStatusFailed, StartedAt: now.Add(-48 * time.Hour)},
	}

	s := computeRunStats(runs, now.Add(-24*time.Hour))
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Processing)
	assert.Equal(t, 15, s.Totals.Rows)
	assert.Equal(t, 8, s.Totals.Created)
	assert.Equal(t, 5, s.Totals.Updated)
	assert.Equal(t, 2, s.Totals.Rejected)
	assert.Equal(t, 5, s.Totals.Enrolled)
	assert.Equal(t, 5, s.Totals.Synced)
	assert.InDelta(t, 20.0, s.AvgDurSecs, 0.001)

	all := computeRunStats(runs, time.Time{})
	assert.Equal(t, 5, all.Total)
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, runStats{Total: 3, Completed: 2, Failed: 1, AvgDurSecs: 12.5})

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "Completed:")
	assert.Contains(t, output, "12.5s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
