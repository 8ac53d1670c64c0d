// Package audit persists a durable trail of completed agent runs to
// SQLite: one row per Runtime.Run call, independent of the per-session
// JSON snapshot C10 keeps (§1 scopes persistent session storage beyond
// that single JSON file out, but an audit trail of what ran and when is
// an ambient operational concern, not session storage, so it lives here
// rather than folding SQL into C10 itself).
//
// Grounded on the teacher repo's internal/sessions.CockroachStore: the
// *sql.DB-wrapping store with an injectable db handle (so tests
// substitute a go-sqlmock connection) is the same shape, with statements
// run directly through ExecContext/QueryContext rather than prepared; the driver is modernc.org/sqlite's pure-Go implementation
// instead of a Postgres wire driver, and the schema is this runtime's
// own run-record shape rather than session branches/channels.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one completed Runtime.Run call.
type Record struct {
	SessionID     string
	Mode          string
	Prompt        string
	Response      string
	ToolCallCount int
	Success       bool
	StartedAt     time.Time
	Duration      time.Duration
}

// Store persists Records to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to a SQLite database file at path (":memory:"
// for an ephemeral store) and ensures the runs table exists.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newWithDB wraps an already-open db handle, used by tests to inject a
// go-sqlmock connection without touching the filesystem.
func newWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		session_id       TEXT NOT NULL,
		mode             TEXT NOT NULL,
		prompt           TEXT NOT NULL,
		response         TEXT NOT NULL,
		tool_call_count  INTEGER NOT NULL,
		success          INTEGER NOT NULL,
		started_at       TEXT NOT NULL,
		duration_ms      INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

// Record inserts one completed run.
func (s *Store) Record(ctx context.Context, r Record) error {
	success := 0
	if r.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (session_id, mode, prompt, response, tool_call_count, success, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Mode, r.Prompt, r.Response, r.ToolCallCount, success,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// RecentBySession returns up to limit of the most recent runs for
// sessionID, newest first.
func (s *Store) RecentBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, mode, prompt, response, tool_call_count, success, started_at, duration_ms
		 FROM runs WHERE session_id = ? ORDER BY started_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var success int
		var startedAt string
		var durationMS int64
		if err := rows.Scan(&r.SessionID, &r.Mode, &r.Prompt, &r.Response, &r.ToolCallCount, &success, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		r.Success = success != 0
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if parsed, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = parsed
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
