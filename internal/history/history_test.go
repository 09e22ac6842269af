package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	h, err := Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	start := time.Now().Add(-time.Minute)
	h.Record(ctx, Record{
		Task:        "kill",
		Loop:        1,
		CrashMethod: "kill",
		StartedAt:   start,
		FinishedAt:  time.Now(),
		Outcome:     "ok",
	})
	h.Record(ctx, Record{
		Task:        "kill",
		Loop:        2,
		CrashMethod: "kill",
		CanaryFound: true,
		StartedAt:   start,
		FinishedAt:  time.Now(),
		Outcome:     "failure",
		Detail:      sql.NullString{String: "canary document not found", Valid: true},
	})

	recs, err := h.ByTask(ctx, "kill", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Newest first.
	require.Equal(t, 2, recs[0].Loop)
	require.Equal(t, "failure", recs[0].Outcome)
	require.True(t, recs[0].CanaryFound)
	require.True(t, recs[0].Detail.Valid)
	require.Equal(t, 1, recs[1].Loop)
	require.False(t, recs[1].Detail.Valid)

	recs, err = h.ByTask(ctx, "other", 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestNilSinkIsNoOp(t *testing.T) {
	var h *DB
	h.Record(context.Background(), Record{Task: "kill", Loop: 1})
	recs, err := h.ByTask(context.Background(), "kill", 10)
	require.NoError(t, err)
	require.Nil(t, recs)
	require.NoError(t, h.Close())
}
