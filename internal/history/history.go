package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hookdeploy/internal/deployment"
	"hookdeploy/internal/security"
	"hookdeploy/pkg/fileutil"
)

const (
	// DefaultLimit is the page size when a Filter leaves Limit unset.
	DefaultLimit = 20
	// MaxLimit caps a single ListRuns page.
	MaxLimit = 500

	// timeLayout has a fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// History is the append-only audit store of deployment runs, kept in SQLite.
type History struct {
	db *sql.DB
}

// NewHistory opens (or creates) the audit database at dbPath.
func NewHistory(dbPath string) (*History, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && !fileutil.DirExists(dir) {
		if err := security.CreateSecureDir(dir, security.PermDataDir); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if dbPath != ":memory:" {
		if err := security.EnsureFileMode(dbPath, security.PermDBFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to secure database file: %w", err)
		}
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		server TEXT NOT NULL,
		kind TEXT NOT NULL,
		branch TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		commit_sha TEXT,
		pusher TEXT,
		status TEXT NOT NULL,
		error_kind TEXT,
		error_message TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_target_started
		ON runs(repository, server, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS run_steps (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		command TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		output TEXT,
		duration_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
}

// initSchema creates the tables and the triggers that keep them append-only.
func (h *History) initSchema() error {
	for _, stmt := range schema {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	for _, table := range []string{"runs", "run_steps"} {
		for _, op := range []string{"UPDATE", "DELETE"} {
			stmt := fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_%s
				BEFORE %s ON %s
				BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END`,
				table, strings.ToLower(op), op, table)
			if _, err := h.db.Exec(stmt); err != nil {
				return fmt.Errorf("failed to create %s trigger on %s: %w", op, table, err)
			}
		}
	}
	return nil
}

// Record appends a terminal run and its steps in one transaction.
func (h *History) Record(ctx context.Context, run *deployment.Run) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("refusing to record run %s in non-terminal status %s", run.ID, run.Status)
	}
	rec := FromRun(run)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, repository, server, kind, branch, trigger_source, commit_sha, pusher,
		 status, error_kind, error_message, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Repository,
		rec.Server,
		rec.Kind,
		rec.Branch,
		rec.Trigger,
		nullable(rec.CommitSHA),
		nullable(rec.Pusher),
		rec.Status,
		nullable(rec.ErrorKind),
		nullable(rec.Error),
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
		rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", rec.ID, err)
	}

	for i, s := range rec.Steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_steps
			(run_id, seq, name, command, exit_code, output, duration_ms, status, attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, i, s.Name, s.Command, s.ExitCode, s.Output, s.DurationMS, s.Status, s.Attempts)
		if err != nil {
			return fmt.Errorf("failed to insert step %s of run %s: %w", s.Name, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", rec.ID, err)
	}
	return nil
}

const runColumns = `id, repository, server, kind, branch, trigger_source, commit_sha, pusher,
	status, error_kind, error_message, started_at, finished_at, duration_ms`

// GetRun returns one run with its steps.
func (h *History) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	rec, err := scanRunRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	if err := h.loadSteps(ctx, []*RunRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRuns returns the runs matching f, newest first, with their steps.
func (h *History) ListRuns(ctx context.Context, f Filter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if f.Repository != "" {
		where = append(where, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.Server != "" {
		where = append(where, "server = ?")
		args = append(args, f.Server)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, formatTime(f.Until))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	records, err := h.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	if err := h.loadSteps(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// LatestByTarget returns the most recent run of every target that has one,
// ordered by repository then server. Steps are not loaded.
func (h *History) LatestByTarget(ctx context.Context) ([]*RunRecord, error) {
	records, err := h.queryRuns(ctx, `
		SELECT `+runColumns+` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY repository, server
				ORDER BY started_at DESC, rowid DESC
			) AS rn
			FROM runs
		)
		WHERE rn = 1
		ORDER BY repository, server
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest runs: %w", err)
	}
	return records, nil
}

// queryRuns collects every row before returning, so the single connection
// is free again for step queries.
func (h *History) queryRuns(ctx context.Context, query string, args ...any) ([]*RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*RunRecord{}
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

func (h *History) loadSteps(ctx context.Context, records []*RunRecord) error {
	for _, rec := range records {
		rows, err := h.db.QueryContext(ctx, `
			SELECT name, command, exit_code, output, duration_ms, status, attempts
			FROM run_steps
			WHERE run_id = ?
			ORDER BY seq
		`, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to query steps of run %s: %w", rec.ID, err)
		}

		rec.Steps = []StepRecord{}
		for rows.Next() {
			var s StepRecord
			var output sql.NullString
			if err := rows.Scan(&s.Name, &s.Command, &s.ExitCode, &output, &s.DurationMS, &s.Status, &s.Attempts); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan step of run %s: %w", rec.ID, err)
			}
			s.Output = output.String
			rec.Steps = append(rec.Steps, s)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return fmt.Errorf("error iterating steps of run %s: %w", rec.ID, err)
		}
	}
	return nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...any) error
}

func scanRunRecord(s scanner) (*RunRecord, error) {
	var rec RunRecord
	var commitSHA, pusher, errorKind, errorMessage sql.NullString
	var startedAt, finishedAt string

	err := s.Scan(
		&rec.ID,
		&rec.Repository,
		&rec.Server,
		&rec.Kind,
		&rec.Branch,
		&rec.Trigger,
		&commitSHA,
		&pusher,
		&rec.Status,
		&errorKind,
		&errorMessage,
		&startedAt,
		&finishedAt,
		&rec.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	rec.CommitSHA = commitSHA.String
	rec.Pusher = pusher.String
	rec.ErrorKind = errorKind.String
	rec.Error = errorMessage.String

	if rec.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	if rec.FinishedAt, err = time.Parse(timeLayout, finishedAt); err != nil {
		return nil, fmt.Errorf("failed to parse finished_at timestamp: %w", err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
