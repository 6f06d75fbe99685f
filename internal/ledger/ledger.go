// Package ledger keeps a SQLite record of sweep invocations and the outcome
// of every run they launched.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const DefaultFile = "sweeps.db"

type Ledger struct {
	db *sql.DB
}

// Sweep is one invocation of create, run or aggregate.
type Sweep struct {
	ID         string
	Study      string
	Case       string
	Machine    string
	Action     string
	GitCommit  string
	GitBranch  string
	StartedAt  time.Time
	FinishedAt *time.Time
	Total      int
	Succeeded  int
	Failed     int
	Skipped    int
	Submitted  int
}

type Run struct {
	ID         int64
	SweepID    string
	RunKey     string
	RunDir     string
	PID        int
	JobID      string
	State      string
	ExitCode   *int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Counts are the final tallies of a sweep.
type Counts struct {
	Total, Succeeded, Failed, Skipped, Submitted int
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// runs finish concurrently; serialize writers instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func initSchema(db *sql.DB) error {
	const createSweeps = `
CREATE TABLE IF NOT EXISTS sweeps (
  id          TEXT PRIMARY KEY,
  study       TEXT,
  case_name   TEXT,
  machine     TEXT,
  action      TEXT,
  git_commit  TEXT,
  started_at  TEXT,
  finished_at TEXT,
  total       INTEGER,
  succeeded   INTEGER,
  failed      INTEGER
);`
	const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  sweep_id    TEXT REFERENCES sweeps(id),
  run_key     TEXT,
  run_dir     TEXT,
  pid         INTEGER,
  job_id      TEXT,
  state       TEXT,
  exit_code   INTEGER,
  started_at  TEXT,
  finished_at TEXT
);`
	for _, stmt := range []string{createSweeps, createRuns,
		`CREATE INDEX IF NOT EXISTS runs_sweep ON runs(sweep_id)`} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	migrations := []string{
		`ALTER TABLE sweeps ADD COLUMN git_branch TEXT`,
		`ALTER TABLE sweeps ADD COLUMN skipped INTEGER`,
		`ALTER TABLE sweeps ADD COLUMN submitted INTEGER`,
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
				continue
			}
			return err
		}
	}
	return nil
}

// StartSweep inserts s with a fresh id and start time and returns it.
func (l *Ledger) StartSweep(ctx context.Context, s Sweep) (Sweep, error) {
	s.ID = uuid.NewString()
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO sweeps
  (id, study, case_name, machine, action, git_commit, git_branch, started_at, total, succeeded, failed, skipped, submitted)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0)`,
		s.ID, s.Study, s.Case, s.Machine, s.Action, s.GitCommit, s.GitBranch, s.StartedAt.Format(time.RFC3339))
	if err != nil {
		return Sweep{}, fmt.Errorf("insert sweep: %w", err)
	}
	return s, nil
}

func (l *Ledger) FinishSweep(ctx context.Context, id string, c Counts, at time.Time) error {
	res, err := l.db.ExecContext(ctx, `UPDATE sweeps SET finished_at = ?, total = ?, succeeded = ?, failed = ?,
  skipped = ?, submitted = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), c.Total, c.Succeeded, c.Failed, c.Skipped, c.Submitted, id)
	if err != nil {
		return err
	}
	return expectOne(res, "sweep "+id)
}

// AddRun inserts r and returns its row id.
func (l *Ledger) AddRun(ctx context.Context, r Run) (int64, error) {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `INSERT INTO runs (sweep_id, run_key, run_dir, pid, job_id, state, started_at)
  VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SweepID, r.RunKey, r.RunDir, r.PID, r.JobID, r.State, r.StartedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert run %s: %w", r.RunKey, err)
	}
	return res.LastInsertId()
}

// FinishRun sets the final state of a run.
func (l *Ledger) FinishRun(ctx context.Context, id int64, state string, exitCode *int, at time.Time) error {
	var code sql.NullInt64
	if exitCode != nil {
		code = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	res, err := l.db.ExecContext(ctx, `UPDATE runs SET state = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		state, code, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	return expectOne(res, fmt.Sprintf("run %d", id))
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

const sweepColumns = `id, study, case_name, machine, action, git_commit, git_branch, started_at, finished_at,
  total, succeeded, failed, skipped, submitted`

type scanner interface {
	Scan(dest ...any) error
}

func scanSweep(row scanner) (Sweep, error) {
	var s Sweep
	var commit, branch, started, finished sql.NullString
	var total, succeeded, failed, skipped, submitted sql.NullInt64
	if err := row.Scan(&s.ID, &s.Study, &s.Case, &s.Machine, &s.Action, &commit, &branch, &started, &finished,
		&total, &succeeded, &failed, &skipped, &submitted); err != nil {
		return Sweep{}, err
	}
	s.GitCommit, s.GitBranch = commit.String, branch.String
	s.StartedAt = parseTime(started)
	if finished.Valid && finished.String != "" {
		t := parseTime(finished)
		s.FinishedAt = &t
	}
	s.Total, s.Succeeded, s.Failed = int(total.Int64), int(succeeded.Int64), int(failed.Int64)
	s.Skipped, s.Submitted = int(skipped.Int64), int(submitted.Int64)
	return s, nil
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Sweeps lists the most recent sweeps first. limit <= 0 means no limit.
func (l *Ledger) Sweeps(ctx context.Context, limit int) ([]Sweep, error) {
	q := `SELECT ` + sweepColumns + ` FROM sweeps ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sweep
	for rows.Next() {
		s, err := scanSweep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Sweep loads one sweep by id or unique id prefix.
func (l *Ledger) Sweep(ctx context.Context, id string) (Sweep, error) {
	if id == "" {
		return Sweep{}, fmt.Errorf("sweep id: %w", ErrNotFound)
	}
	rows, err := l.db.QueryContext(ctx, `SELECT `+sweepColumns+` FROM sweeps WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil {
		return Sweep{}, err
	}
	defer rows.Close()
	var found []Sweep
	for rows.Next() {
		s, err := scanSweep(rows)
		if err != nil {
			return Sweep{}, err
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return Sweep{}, err
	}
	switch len(found) {
	case 0:
		return Sweep{}, fmt.Errorf("sweep %s: %w", id, ErrNotFound)
	case 1:
		return found[0], nil
	}
	return Sweep{}, fmt.Errorf("sweep id prefix %q is ambiguous", id)
}

// Runs lists the runs of a sweep in insertion order.
func (l *Ledger) Runs(ctx context.Context, sweepID string) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, sweep_id, run_key, run_dir, pid, job_id, state, exit_code,
  started_at, finished_at FROM runs WHERE sweep_id = ? ORDER BY id`, sweepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var pid, code sql.NullInt64
		var jobID, state, started, finished sql.NullString
		if err := rows.Scan(&r.ID, &r.SweepID, &r.RunKey, &r.RunDir, &pid, &jobID, &state, &code,
			&started, &finished); err != nil {
			return nil, err
		}
		r.PID = int(pid.Int64)
		r.JobID, r.State = jobID.String, state.String
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		r.StartedAt = parseTime(started)
		if finished.Valid && finished.String != "" {
			t := parseTime(finished)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepRecorder records the runs of one sweep as they start and finish. It is
// safe for concurrent use.
type SweepRecorder struct {
	l       *Ledger
	sweepID string

	mu  sync.Mutex
	ids map[string]int64
}

func (l *Ledger) Recorder(sweepID string) *SweepRecorder {
	return &SweepRecorder{l: l, sweepID: sweepID, ids: make(map[string]int64)}
}

func (r *SweepRecorder) Started(ctx context.Context, key, dir string, pid int, jobID string, at time.Time) error {
	state := "RUNNING"
	if jobID != "" {
		state = "SUBMITTED"
	}
	id, err := r.l.AddRun(ctx, Run{SweepID: r.sweepID, RunKey: key, RunDir: dir, PID: pid, JobID: jobID,
		State: state, StartedAt: at})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ids[key] = id
	r.mu.Unlock()
	return nil
}

func (r *SweepRecorder) Finished(ctx context.Context, key, state string, exitCode *int, at time.Time) error {
	r.mu.Lock()
	id, ok := r.ids[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", key, ErrNotFound)
	}
	return r.l.FinishRun(ctx, id, state, exitCode, at)
}
