// Package history persists a per-iteration record of every crash/recovery
// cycle to a local SQLite database (modernc.org/sqlite driver, CGO-free).
// The sink is advisory: recording failures are logged and never abort a run.
package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one crash/recovery iteration.
type Record struct {
	ID          int64
	Task        string
	Loop        int
	CrashMethod string
	CanaryFound bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     string
	Detail      sql.NullString
}

// DB is a SQLite-backed iteration sink. A nil *DB is a valid no-op sink so
// callers do not have to guard every write when history is disabled.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for an in-memory sink.
func Open(ctx context.Context, path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty history db path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	h := &DB{db: d}
	if err := h.ensureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return h, nil
}

func (h *DB) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loop_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task TEXT NOT NULL,
			loop INTEGER NOT NULL,
			crash_method TEXT NOT NULL,
			canary_found BOOLEAN NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_loop_history_task ON loop_history(task);`,
	}
	for _, q := range stmts {
		if _, err := h.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database. Safe on a nil sink.
func (h *DB) Close() error {
	if h == nil {
		return nil
	}
	return h.db.Close()
}

// Record inserts one iteration row. Errors are logged, not returned.
func (h *DB) Record(ctx context.Context, rec Record) {
	if h == nil {
		return
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO loop_history(task, loop, crash_method, canary_found, started_at, finished_at, outcome, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Task, rec.Loop, rec.CrashMethod, rec.CanaryFound,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Outcome, rec.Detail)
	if err != nil {
		slog.Warn("cannot record loop history", "task", rec.Task, "loop", rec.Loop, "error", err)
	}
}

// ByTask returns the most recent iterations for a task, newest first.
func (h *DB) ByTask(ctx context.Context, task string, limit int) ([]Record, error) {
	if h == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, task, loop, crash_method, canary_found, started_at, finished_at, outcome, detail
		FROM loop_history
		WHERE task=?
		ORDER BY id DESC
		LIMIT ?;`, task, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Task, &r.Loop, &r.CrashMethod, &r.CanaryFound,
			&r.StartedAt, &r.FinishedAt, &r.Outcome, &r.Detail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
