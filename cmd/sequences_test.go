package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/store"
)

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestLoadSequences_Defaults(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	seqs, err := loadSequences(ctx, st, "")
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	assert.Equal(t, "welcome", seqs[0].Name)
	assert.NotEmpty(t, seqs[0].ID)

	stored, err := st.GetSequenceByName(ctx, "welcome")
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 2)

	// Reloading bumps the version instead of duplicating.
	_, err = loadSequences(ctx, st, "")
	require.NoError(t, err)
	all, err := st.ListSequences(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLoadSequences_File(t *testing.T) {
	st := newSQLiteStore(t)
	path := filepath.Join(t.TempDir(), "sequences.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sequences:
  - name: gala
    steps:
      - delay: 0s
        subject: "Join us, {{ first_name }}"
        body: "<p>Gala invite</p>"
      - delay: 48h
        subject: "Reminder"
        body: "<p>See you there</p>"
`), 0o644))

	seqs, err := loadSequences(context.Background(), st, path)
	require.NoError(t, err)
	require.Len(t, seqs, 1)
	assert.Equal(t, "gala", seqs[0].Name)
	assert.Equal(t, 2, seqs[0].Steps[1].Number)
}

func TestLoadSequences_InvalidFileWritesNothing(t *testing.T) {
	st := newSQLiteStore(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sequences:
  - name: broken
    steps:
      - delay: -1h
        subject: "x"
        body: "y"
`), 0o644))

	_, err := loadSequences(context.Background(), st, path)
	require.Error(t, err)
	all, err := st.ListSequences(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFormatSequences(t *testing.T) {
	var buf bytes.Buffer
	formatSequences(&buf, []model.Sequence{{ID: "abcdef123456", Name: "welcome", Steps: make([]model.Step, 2)}})
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "abcdef12")
	assert.Contains(t, out, "welcome")
}
