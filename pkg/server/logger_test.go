package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLogHandler(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	var console bytes.Buffer
	next := slog.NewJSONHandler(&console, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(NewDBLogHandler(store, jobID, next)).With("component", "coordinator")
	logger.Debug("Planning queries", "count", 3)
	logger.WithGroup("branch").Warn("Branch failed",
		"error", errors.New("no results"),
		"elapsed", 1500*time.Millisecond,
		slog.Group("hit", "url", "https://a.example"))

	require.Len(t, store.logs, 1, "debug records are not persisted")
	entry := store.logs[0]
	assert.Equal(t, jobID, entry.JobID)
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "Branch failed", entry.Message)
	assert.JSONEq(t, `{
		"component": "coordinator",
		"branch.error": "no results",
		"branch.elapsed": "1.5s",
		"branch.hit.url": "https://a.example"
	}`, string(entry.Metadata))

	// both records reach the console handler, tagged with the job
	lines := bytes.Split(bytes.TrimSpace(console.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, jobID.String(), first["job_id"])
	assert.Equal(t, "Planning queries", first["msg"])
}

func TestDBLogHandlerWithoutMirror(t *testing.T) {
	store := newMemStore()
	h := NewDBLogHandler(store, uuid.New(), nil)
	assert.False(t, h.Enabled(t.Context(), slog.LevelDebug))
	assert.True(t, h.Enabled(t.Context(), slog.LevelInfo))

	slog.New(h).Info("Research started", "query", "batteries")
	require.Len(t, store.logs, 1)
	assert.JSONEq(t, `{"query":"batteries"}`, string(store.logs[0].Metadata))
}
