// Package archive keeps finished runs in a local SQLite database so they can
// be listed and inspected after the process exits.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/devicelab-dev/plan-runner/pkg/executor"
)

// ErrNotFound is returned by GetRun for an unknown run id.
var ErrNotFound = errors.New("archive: run not found")

// Store is a run archive backed by SQLite.
type Store struct {
	DB *sql.DB
}

// RunMeta is the run context not carried by executor.RunResult.
type RunMeta struct {
	DeviceID string
	Package  string
	Driver   string
}

// Run is one archived run.
type Run struct {
	ID         string
	Title      string
	DeviceID   string
	Package    string
	Driver     string
	State      string
	Error      string
	StepCount  int
	Skipped    int
	StartedAt  time.Time
	DurationMs int64
}

// Step is one archived step.
type Step struct {
	Index       int
	Type        string
	Description string
	State       string
	Locator     string
	Attempts    int
	Tolerated   bool
	Error       string
	DurationMs  int64
}

// RunRecord is a run with its steps and log lines.
type RunRecord struct {
	Run
	Steps []Step
	Logs  []string
}

// Open opens (creating if needed) the archive at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			title TEXT,
			device_id TEXT,
			package TEXT,
			driver TEXT,
			state TEXT,
			error TEXT,
			step_count INTEGER,
			skipped INTEGER,
			started_at INTEGER, -- unix milliseconds
			duration_ms INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT,
			idx INTEGER,
			type TEXT,
			description TEXT,
			state TEXT,
			locator TEXT,
			attempts INTEGER,
			tolerated INTEGER,
			error TEXT,
			duration_ms INTEGER,
			PRIMARY KEY (run_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			run_id TEXT,
			seq INTEGER,
			line TEXT,
			PRIMARY KEY (run_id, seq)
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init archive schema: %w", err)
		}
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// SaveRun stores a finished run, replacing an earlier copy with the same id.
func (s *Store) SaveRun(ctx context.Context, res *executor.RunResult, meta RunMeta) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM steps WHERE run_id = ?`,
		`DELETE FROM logs WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, res.ID); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, title, device_id, package, driver, state, error, step_count, skipped, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Title, meta.DeviceID, meta.Package, meta.Driver, res.State.String(), errString(res.Err),
		len(res.Steps), res.Skipped, res.StartedAt.UnixMilli(), res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range res.Steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, idx, type, description, state, locator, attempts, tolerated, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, st.Index, string(st.Type), st.Description, st.State.String(), st.Locator.String(),
			st.Attempts, st.Tolerated, errString(st.Err), st.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.Index, err)
		}
	}

	for i, line := range res.Logs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO logs (run_id, seq, line) VALUES (?, ?, ?)`, res.ID, i, line); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, title, device_id, package, driver, state, error, step_count, skipped, started_at, duration_ms
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// GetRun loads a run with its steps and logs.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, title, device_id, package, driver, state, error, step_count, skipped, started_at, duration_ms
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &RunRecord{Run: run}

	// The pool holds one connection, so each result set is closed before the
	// next query.
	if rec.Steps, err = s.steps(ctx, id); err != nil {
		return nil, err
	}
	if rec.Logs, err = s.logs(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) steps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT idx, type, description, state, locator, attempts, tolerated, error, duration_ms
		FROM steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.Index, &st.Type, &st.Description, &st.State, &st.Locator,
			&st.Attempts, &st.Tolerated, &st.Error, &st.DurationMs); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) logs(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT line FROM logs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r       Run
		startMs int64
	)
	err := row.Scan(&r.ID, &r.Title, &r.DeviceID, &r.Package, &r.Driver, &r.State, &r.Error,
		&r.StepCount, &r.Skipped, &startMs, &r.DurationMs)
	r.StartedAt = time.UnixMilli(startMs)
	return r, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
