// Package history records every session in a small SQLite database so past
// runs can be listed from the CLI and the dashboard.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one session as stored in the database.
type Run struct {
	ID        string
	Project   string
	Slot      int
	Container string
	StartedAt time.Time
	// FinishedAt is zero while the run is in progress.
	FinishedAt time.Time
	Status     string
	// Phase is the failing phase, empty on success.
	Phase        string
	FailedIndex  int // -1 when no command failed
	ExitCode     int
	ArtifactPath string
	Digest       string
	Error        string
}

// Duration returns how long the run took, or zero if it has not finished.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Command is one executed command of a run.
type Command struct {
	Index    int
	Command  string
	ExitCode int
	Status   string
	Duration time.Duration
}

// Store is the history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// Several sp processes write concurrently; WAL plus a busy timeout keeps
	// them from failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		slot INTEGER NOT NULL,
		container TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		failed_index INTEGER NOT NULL DEFAULT -1,
		exit_code INTEGER NOT NULL DEFAULT 0,
		artifact_path TEXT NOT NULL DEFAULT '',
		digest TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS commands (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		PRIMARY KEY (run_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RecordStart inserts a run in the running state.
func (s *Store) RecordStart(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project, slot, container, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Project, r.Slot, r.Container, formatTime(r.StartedAt), StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordFinish stores the final state of a run and its commands. A run
// that was never started is inserted.
func (s *Store) RecordFinish(ctx context.Context, r Run, cmds []Command) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project, slot, container, started_at, finished_at, status, phase,
			failed_index, exit_code, artifact_path, digest, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			phase = excluded.phase,
			failed_index = excluded.failed_index,
			exit_code = excluded.exit_code,
			artifact_path = excluded.artifact_path,
			digest = excluded.digest,
			error = excluded.error
	`, r.ID, r.Project, r.Slot, r.Container, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Status, r.Phase, r.FailedIndex, r.ExitCode, r.ArtifactPath, r.Digest, r.Error)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM commands WHERE run_id = ?", r.ID); err != nil {
		return fmt.Errorf("failed to clear commands: %w", err)
	}
	for _, c := range cmds {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commands (run_id, idx, command, exit_code, status, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, c.Index, c.Command, c.ExitCode, c.Status, c.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to record command %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const runColumns = `id, project, slot, container, started_at, COALESCE(finished_at, ''), status, phase,
	failed_index, exit_code, artifact_path, digest, error`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var startedAt, finishedAt string
	err := row.Scan(&r.ID, &r.Project, &r.Slot, &r.Container, &startedAt, &finishedAt,
		&r.Status, &r.Phase, &r.FailedIndex, &r.ExitCode, &r.ArtifactPath, &r.Digest, &r.Error)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	return r, nil
}

// Get returns a single run.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: %w", id, err)
	}
	return r, nil
}

// Commands returns the recorded commands of a run in order.
func (s *Store) Commands(ctx context.Context, runID string) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, command, exit_code, status, duration_ms
		FROM commands
		WHERE run_id = ?
		ORDER BY idx
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []Command
	for rows.Next() {
		var c Command
		var ms int64
		if err := rows.Scan(&c.Index, &c.Command, &c.ExitCode, &c.Status, &ms); err != nil {
			return nil, err
		}
		c.Duration = time.Duration(ms) * time.Millisecond
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// IsNotFound reports whether err came from looking up a missing run.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
