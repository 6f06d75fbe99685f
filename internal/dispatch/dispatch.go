package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exasweep/internal/platform"
	"exasweep/internal/runstate"
)

// ErrSweepFailed is returned by commands after the summary is printed when at
// least one run failed.
var ErrSweepFailed = errors.New("one or more runs failed")

const DefaultMaxParallel = 4

// Process is a launched run.
type Process interface {
	PID() int
	// Wait blocks until the run exits and returns its exit status. A run
	// killed by a signal reports -1.
	Wait() (int, error)
}

// Launcher starts a run's launch script in its directory.
type Launcher interface {
	Start(ctx context.Context, job Job) (Process, error)
}

// LocalLauncher runs `bash run.<machine>.sh` as a child process. Output goes
// to the log the script tees into, not to the caller. The script gets its own
// process group, and cancelling ctx signals the whole group so the agent in
// the tee pipeline stops with the shell.
type LocalLauncher struct {
	Shell string
	// StopGrace is how long a cancelled run may take to exit before it is
	// killed. Zero means DefaultStopGrace.
	StopGrace time.Duration
}

const DefaultStopGrace = 10 * time.Second

func (l LocalLauncher) Start(ctx context.Context, job Job) (Process, error) {
	shell := l.Shell
	if shell == "" {
		shell = "bash"
	}
	cmd := exec.CommandContext(ctx, shell, job.Script)
	cmd.Dir = job.Dir
	cmd.WaitDelay = l.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultStopGrace
	}
	stopGroupOnCancel(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", job.Name, err)
	}
	return &localProcess{cmd: cmd}, nil
}

type localProcess struct {
	cmd *exec.Cmd
}

func (p *localProcess) PID() int { return p.cmd.Process.Pid }

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Submitter hands job scripts to the batch scheduler.
type Submitter struct {
	Runner   platform.Runner
	Platform *platform.Platform
}

// Submit runs sbatch or flux batch in the job directory and records the job
// id the scheduler printed. Both print the id as the last field, e.g.
// "Submitted batch job 2723147".
func (s Submitter) Submit(ctx context.Context, job Job) (string, error) {
	if job.JobScript == "" {
		return "", fmt.Errorf("%s: no job script", job.Name)
	}
	argv, err := s.Platform.SubmitCommand(job.JobScript)
	if err != nil {
		return "", err
	}
	out, err := s.Runner.Run(ctx, job.Dir, argv...)
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", argv[0], err)
	}
	parts := strings.Fields(out)
	if len(parts) == 0 {
		return "", fmt.Errorf("unable to parse %s output: %q", argv[0], out)
	}
	id := parts[len(parts)-1]
	if err := runstate.WriteJob(job.Dir, s.Platform.Scheduler.String(), id); err != nil {
		return id, err
	}
	return id, nil
}

// Recorder receives run lifecycle events. *ledger.SweepRecorder satisfies it.
type Recorder interface {
	Started(ctx context.Context, key, dir string, pid int, jobID string, at time.Time) error
	Finished(ctx context.Context, key, state string, exitCode *int, at time.Time) error
}

// Outcome is what happened to one job.
type Outcome struct {
	Job      Job
	State    string
	PID      int
	JobID    string
	ExitCode *int
	Err      error
}

const (
	StateSubmitted = "SUBMITTED"
	StateSkipped   = "SKIPPED"
)

// Summary tallies one dispatch.
type Summary struct {
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Submitted   int
	FailedNames []string
	Outcomes    []Outcome
}

// Skip counts runs that were not launched because they already exist or
// already completed.
func (s *Summary) Skip(names ...string) {
	s.Total += len(names)
	s.Skipped += len(names)
	for _, n := range names {
		s.Outcomes = append(s.Outcomes, Outcome{Job: Job{Name: n}, State: StateSkipped})
	}
}

// ErrNotRetried marks a run that failed in an earlier dispatch and was left
// in place instead of being relaunched.
var ErrNotRetried = errors.New("failed before, not retried")

// NotRetried counts runs that failed earlier and were not relaunched. They
// stay failed, so they appear in FailedNames and make Err non-nil.
func (s *Summary) NotRetried(names ...string) {
	for _, n := range names {
		s.add(Outcome{Job: Job{Name: n}, State: runstate.Failed.String(), Err: ErrNotRetried})
	}
}

func (s *Summary) add(o Outcome) {
	s.Total++
	s.Outcomes = append(s.Outcomes, o)
	switch o.State {
	case runstate.Complete.String():
		s.Succeeded++
	case StateSubmitted:
		s.Submitted++
	case StateSkipped:
		s.Skipped++
	default:
		s.Failed++
		s.FailedNames = append(s.FailedNames, o.Job.Name)
	}
}

// Line is the one-line sweep summary printed at the end of run.
func (s *Summary) Line() string {
	parts := []string{fmt.Sprintf("%d total", s.Total), fmt.Sprintf("%d succeeded", s.Succeeded)}
	if s.Submitted > 0 {
		parts = append(parts, fmt.Sprintf("%d submitted", s.Submitted))
	}
	parts = append(parts, fmt.Sprintf("%d failed", s.Failed), fmt.Sprintf("%d skipped", s.Skipped))
	return strings.Join(parts, ", ")
}

// Err returns ErrSweepFailed when any run failed.
func (s *Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	sorted := append([]string(nil), s.FailedNames...)
	sort.Strings(sorted)
	return fmt.Errorf("%w: %s", ErrSweepFailed, strings.Join(sorted, ", "))
}

// Dispatcher runs jobs with at most MaxParallel in flight. When Submitter is
// set jobs are submitted to the batch scheduler instead of launched.
type Dispatcher struct {
	MaxParallel int
	Launcher    Launcher
	Submitter   *Submitter
	// Checker, when set, confirms the completion marker after a zero exit.
	Checker  *runstate.Checker
	Recorder Recorder
	Logger   *zap.Logger
	Now      func() time.Time
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}

// Run dispatches jobs and blocks until every launched run has exited (or
// every submission has returned). A failing run never stops its siblings.
// Once ctx is cancelled no further jobs are started.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job) *Summary {
	limit := d.MaxParallel
	if limit <= 0 {
		limit = DefaultMaxParallel
	}
	var g errgroup.Group
	g.SetLimit(limit)

	var mu sync.Mutex
	summary := &Summary{}
	record := func(o Outcome) {
		mu.Lock()
		summary.add(o)
		mu.Unlock()
	}

	d.logger().Info("dispatching runs", zap.Int("runs", len(jobs)), zap.Int("max_parallel", limit),
		zap.Bool("batch", d.Submitter != nil))
	for _, job := range jobs {
		job := job
		// Go blocks while limit runs are in flight.
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(Outcome{Job: job, State: runstate.NotStarted.String(), Err: err})
				return nil
			}
			if d.Submitter != nil {
				record(d.submit(ctx, job))
			} else {
				record(d.launch(ctx, job))
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

func (d *Dispatcher) launch(ctx context.Context, job Job) Outcome {
	log := d.logger().With(zap.String("run", job.Name))
	out := Outcome{Job: job, State: runstate.Failed.String()}
	if err := runstate.ClearRecords(job.Dir); err != nil {
		out.Err = err
		log.Error("failed to clear run records", zap.Error(err))
		return out
	}
	proc, err := d.Launcher.Start(ctx, job)
	if err != nil {
		out.Err = err
		log.Error("failed to launch run", zap.Error(err))
		d.started(ctx, log, job, 0, "")
		d.finished(ctx, log, job, out.State, nil)
		return out
	}
	out.PID = proc.PID()
	if err := runstate.WritePID(job.Dir, out.PID); err != nil {
		log.Warn("failed to record pid", zap.Error(err))
	}
	d.started(ctx, log, job, out.PID, "")
	log.Debug("launched run", zap.Int("pid", out.PID))

	code, err := proc.Wait()
	out.ExitCode = &code
	if werr := runstate.WriteExit(job.Dir, code); werr != nil {
		log.Warn("failed to record exit status", zap.Error(werr))
	}
	switch {
	case err != nil:
		out.Err = err
		log.Error("run did not exit cleanly", zap.Error(err))
	case code != 0:
		out.Err = fmt.Errorf("exit status %d", code)
		log.Error("run failed", zap.Int("exit_code", code))
	default:
		out.State = d.verify(ctx, log, job)
		if out.State == runstate.Complete.String() {
			log.Info("run complete")
		}
	}
	d.finished(ctx, log, job, out.State, out.ExitCode)
	return out
}

// verify applies the completion-marker rule to a run that exited 0.
func (d *Dispatcher) verify(ctx context.Context, log *zap.Logger, job Job) string {
	if d.Checker == nil {
		return runstate.Complete.String()
	}
	r, err := d.Checker.Check(ctx, job.Dir)
	if err != nil {
		log.Warn("failed to check run after exit", zap.Error(err))
		return runstate.Failed.String()
	}
	if r.State != runstate.Complete {
		log.Error("run exited 0 without completion marker", zap.String("reason", r.Reason))
	}
	return r.State.String()
}

func (d *Dispatcher) submit(ctx context.Context, job Job) Outcome {
	log := d.logger().With(zap.String("run", job.Name))
	out := Outcome{Job: job}
	if err := runstate.ClearRecords(job.Dir); err != nil {
		out.State = runstate.Failed.String()
		out.Err = err
		return out
	}
	id, err := d.Submitter.Submit(ctx, job)
	if err != nil {
		out.State = runstate.Failed.String()
		out.Err = err
		log.Error("failed to submit run", zap.Error(err))
		d.started(ctx, log, job, 0, "")
		d.finished(ctx, log, job, out.State, nil)
		return out
	}
	out.State = StateSubmitted
	out.JobID = id
	d.started(ctx, log, job, 0, id)
	log.Info("submitted run", zap.String("job_id", id))
	return out
}

func (d *Dispatcher) started(ctx context.Context, log *zap.Logger, job Job, pid int, jobID string) {
	if d.Recorder == nil {
		return
	}
	if err := d.Recorder.Started(ctx, job.Name, job.Dir, pid, jobID, d.now()); err != nil {
		log.Warn("failed to record run start", zap.Error(err))
	}
}

func (d *Dispatcher) finished(ctx context.Context, log *zap.Logger, job Job, state string, code *int) {
	if d.Recorder == nil {
		return
	}
	if err := d.Recorder.Finished(ctx, job.Name, state, code, d.now()); err != nil {
		log.Warn("failed to record run result", zap.Error(err))
	}
}
