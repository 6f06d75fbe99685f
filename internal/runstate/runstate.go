// Package runstate reports the lifecycle state of run directories from two
// independent signals: the completion marker in the run log and the liveness
// of the recorded process or scheduler job.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultMarker = "finalized"

	PIDFile  = ".exasweep.pid"
	JobFile  = ".exasweep.job"
	ExitFile = ".exasweep.exit"

	tailBytes = 64 << 10
)

type State int

const (
	NotStarted State = iota
	Running
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	}
	return "NOT_STARTED"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState accepts the names produced by State.String.
func ParseState(s string) (State, error) {
	for _, st := range []State{NotStarted, Running, Complete, Failed} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return NotStarted, fmt.Errorf("unknown run state %q", s)
}

// Report is the outcome of one check.
type Report struct {
	Dir      string
	State    State
	Reason   string
	LastLine string
	PID      int
	JobID    string
	ExitCode *int
}

// JobQuerier tells whether a scheduler job is still queued or running.
type JobQuerier interface {
	JobActive(ctx context.Context, scheduler, id string) (bool, error)
}

// Checker inspects run directories. Check never modifies the filesystem.
type Checker struct {
	LogName string
	Marker  string
	Alive   func(pid int) bool
	Jobs    JobQuerier
	Logger  *zap.Logger
}

// NewChecker returns a checker for logs named logName, using signal-0
// process liveness and the given scheduler querier (which may be nil).
func NewChecker(logName string, jobs JobQuerier, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{LogName: logName, Marker: DefaultMarker, Alive: ProcessAlive, Jobs: jobs, Logger: logger}
}

// Check classifies dir:
//
//	marker in the last log line        -> Complete
//	recorded process or job still live -> Running
//	recorded nonzero exit              -> Failed
//	log present without marker         -> Failed
//	liveness record but nothing alive  -> Failed
//	otherwise                          -> NotStarted
func (c *Checker) Check(ctx context.Context, dir string) (Report, error) {
	r := Report{Dir: dir}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.Reason = "directory does not exist"
			return r, nil
		}
		return r, err
	}

	logPath := filepath.Join(dir, c.LogName)
	last, logExists, err := LastLine(logPath)
	if err != nil {
		return r, fmt.Errorf("read %s: %w", logPath, err)
	}
	r.LastLine = last
	marker := c.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	if logExists && strings.Contains(last, marker) {
		r.State = Complete
		r.Reason = "completion marker found"
		return r, nil
	}

	pid, err := ReadPID(dir)
	if err != nil {
		return r, err
	}
	r.PID = pid
	sched, jobID, err := ReadJob(dir)
	if err != nil {
		return r, err
	}
	r.JobID = jobID
	code, err := ReadExit(dir)
	if err != nil {
		return r, err
	}
	r.ExitCode = code

	if code == nil && pid > 0 && c.alive(pid) {
		r.State = Running
		r.Reason = fmt.Sprintf("process %d alive", pid)
		return r, nil
	}
	if jobID != "" && c.Jobs != nil {
		active, err := c.Jobs.JobActive(ctx, sched, jobID)
		switch {
		case err != nil:
			// scheduler unreachable; do not declare the run dead
			c.Logger.Warn("job state unknown", zap.String("dir", dir), zap.String("job", jobID), zap.Error(err))
			r.State = Running
			r.Reason = fmt.Sprintf("job %s state unknown: %v", jobID, err)
			return r, nil
		case active:
			r.State = Running
			r.Reason = fmt.Sprintf("job %s active", jobID)
			return r, nil
		}
	}

	switch {
	case code != nil && *code != 0:
		r.State = Failed
		r.Reason = fmt.Sprintf("exited with status %d", *code)
	case logExists:
		r.State = Failed
		r.Reason = "log has no completion marker and no live process"
	case pid > 0 || jobID != "":
		r.State = Failed
		r.Reason = "process gone without writing a log"
	case code != nil:
		r.State = Failed
		r.Reason = "exited cleanly without writing a log"
	default:
		r.State = NotStarted
		r.Reason = "not launched"
	}
	return r, nil
}

func (c *Checker) alive(pid int) bool {
	if c.Alive == nil {
		return ProcessAlive(pid)
	}
	return c.Alive(pid)
}

// CheckAll checks every directory, stopping at the first hard error.
func (c *Checker) CheckAll(ctx context.Context, dirs []string) ([]Report, error) {
	out := make([]Report, 0, len(dirs))
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		r, err := c.Check(ctx, d)
		if err != nil {
			return out, fmt.Errorf("check %s: %w", d, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Counts tallies reports per state.
func Counts(reports []Report) map[State]int {
	m := make(map[State]int, 4)
	for _, r := range reports {
		m[r.State]++
	}
	return m
}

// Reset deletes a run directory so it can be recreated. It refuses paths that
// are not run directories.
func Reset(dir string) error {
	base := filepath.Base(filepath.Clean(dir))
	if !strings.HasPrefix(base, ".run_") && !strings.HasPrefix(base, "run_") {
		return fmt.Errorf("refusing to delete %s: not a run directory", dir)
	}
	return os.RemoveAll(dir)
}

// LastLine returns the last non-empty line of path. The second result is
// false when the file does not exist.
func LastLine(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", true, err
	}
	off := info.Size() - tailBytes
	if off < 0 {
		off = 0
	}
	buf := make([]byte, info.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return "", true, err
	}
	lines := strings.Split(strings.ReplaceAll(string(buf), "\r", ""), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s, true, nil
		}
	}
	return "", true, nil
}

// WritePID records the pid of the local process running in dir.
func WritePID(dir string, pid int) error {
	return os.WriteFile(filepath.Join(dir, PIDFile), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// WriteJob records a scheduler job id for dir.
func WriteJob(dir, scheduler, id string) error {
	return os.WriteFile(filepath.Join(dir, JobFile), []byte(scheduler+" "+id+"\n"), 0o644)
}

// WriteExit records the exit status of the local process.
func WriteExit(dir string, code int) error {
	return os.WriteFile(filepath.Join(dir, ExitFile), []byte(strconv.Itoa(code)+"\n"), 0o644)
}

// ClearRecords removes liveness and exit records before a relaunch.
func ClearRecords(dir string) error {
	for _, name := range []string{PIDFile, JobFile, ExitFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func ReadPID(dir string) (int, error) {
	s, err := readRecord(filepath.Join(dir, PIDFile))
	if err != nil || s == "" {
		return 0, err
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad pid %q", filepath.Join(dir, PIDFile), s)
	}
	return pid, nil
}

func ReadJob(dir string) (scheduler, id string, err error) {
	s, err := readRecord(filepath.Join(dir, JobFile))
	if err != nil || s == "" {
		return "", "", err
	}
	fields := strings.Fields(s)
	if len(fields) == 1 {
		return "slurm", fields[0], nil
	}
	return fields[0], fields[len(fields)-1], nil
}

func ReadExit(dir string) (*int, error) {
	s, err := readRecord(filepath.Join(dir, ExitFile))
	if err != nil || s == "" {
		return nil, err
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("%s: bad exit status %q", filepath.Join(dir, ExitFile), s)
	}
	return &code, nil
}

func readRecord(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
