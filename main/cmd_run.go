package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exasweep/internal/dispatch"
	"exasweep/internal/ledger"
	"exasweep/internal/platform"
	"exasweep/internal/runstate"
	"exasweep/internal/sweep"
)

var rerunFailed bool

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create run directories for a study sweep or ensemble",
	Long: `Creates one directory per parameter combination (plus the baseline) under
<root>/<study>, linking the case inputs from <root>/<study>/common and writing
the launch script for the machine. Existing directories are left untouched.`,
	Example: `  exasweep create --study recovery --case CA --machine perlmutter
  exasweep create --study recovery --case standard --ensemble`,
	RunE: runCreate,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch or submit the runs of a study sweep or ensemble",
	Long: `Creates missing run directories, then launches every run that has not
started. On interactive machines at most --max-parallel runs execute at once;
on batch machines each run's job script is submitted to the scheduler.

Completed and still-running runs are skipped. Runs that failed before are
skipped too unless --rerun-failed is given, which deletes and recreates them.
The command exits nonzero when any launched run failed.`,
	Example: `  exasweep run --study recovery --case CA -j 8
  exasweep run --study recovery --rerun-failed`,
	RunE: runRun,
}

func init() {
	for _, c := range []*cobra.Command{createCmd, runCmd} {
		addSelectionFlags(c)
		c.Flags().BoolVar(&ensembleMode, "ensemble", false, "Operate on the study's ensemble of seeded baseline repeats")
	}
	runCmd.Flags().IntVarP(&maxParallel, "max-parallel", "j", dispatch.DefaultMaxParallel,
		"Maximum concurrent runs on interactive machines")
	runCmd.Flags().BoolVar(&rerunFailed, "rerun-failed", false, "Delete and recreate runs that failed before")
}

// sweepSetup is what create and run resolve before touching any directory.
type sweepSetup struct {
	platform *platform.Platform
	targets  []target
	exe      string
}

func setupSweep() (*sweepSetup, error) {
	b, err := loadBundle()
	if err != nil {
		return nil, err
	}
	p, err := resolvePlatform(b)
	if err != nil {
		return nil, err
	}
	targets, err := selectTargets(b, p)
	if err != nil {
		return nil, err
	}
	exe, err := platform.FindExecutable(env.ExaEpiBuild, p.Name)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if err := t.materializer(exe).CheckInputs(); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		if ensembleMode {
			if t.plan.Baseline == nil {
				return nil, fmt.Errorf("study %s has no baseline to repeat as an ensemble", t.study)
			}
			if t.cfg.Ensemble.Runs <= 0 {
				return nil, fmt.Errorf("study %s does not configure ensemble runs", t.study)
			}
		}
	}
	logger.Debug("using executable", zap.String("exe", exe))
	return &sweepSetup{platform: p, targets: targets, exe: exe}, nil
}

// plannedDirs lists the run directories of t in launch order.
func plannedDirs(t target) []string {
	if !ensembleMode {
		return t.runDirs()
	}
	dirs := make([]string, t.cfg.Ensemble.Runs)
	for i := range dirs {
		dirs[i] = filepath.Join(t.ensembleDir(), sweep.MemberDir(i+1))
	}
	return dirs
}

// materialize creates the missing directories of t and returns every job
// together with the names of directories that already existed.
func materialize(t target, m *dispatch.Materializer) ([]dispatch.Job, []string, error) {
	if ensembleMode {
		return m.CreateEnsemble(*t.plan.Baseline, t.cfg.Ensemble)
	}
	var jobs []dispatch.Job
	var existing []string
	for _, c := range t.plan.All() {
		job, created, err := m.Create(c)
		if err != nil {
			return jobs, existing, fmt.Errorf("create %s: %w", c.Name(), err)
		}
		if !created {
			existing = append(existing, job.Name)
		}
		jobs = append(jobs, job)
	}
	return jobs, existing, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()

	s, err := setupSweep()
	if err != nil {
		return err
	}
	rec := beginSweep(ctx, "create", s.targets)
	var counts ledger.Counts
	for _, t := range s.targets {
		jobs, existing, err := materialize(t, t.materializer(s.exe))
		if err != nil {
			rec.finish(ctx, counts)
			return err
		}
		created := len(jobs) - len(existing)
		counts.Total += len(jobs)
		counts.Succeeded += created
		counts.Skipped += len(existing)
		fmt.Fprintf(out, "%s: created %d, already existed %d, total %d\n", t, created, len(existing), len(jobs))
	}
	rec.finish(ctx, counts)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()

	s, err := setupSweep()
	if err != nil {
		return err
	}
	p := s.platform
	checker := runstate.NewChecker(dispatch.LogName(p.Name), jobQuerier(p), logger)

	var queue []dispatch.Job
	var skipped, notRetried []string
	for _, t := range s.targets {
		leave, failed, err := triage(ctx, checker, plannedDirs(t))
		if err != nil {
			return err
		}
		jobs, _, err := materialize(t, t.materializer(s.exe))
		if err != nil {
			return err
		}
		launch, stale := 0, 0
		for _, j := range jobs {
			switch {
			case failed[j.Dir]:
				notRetried = append(notRetried, j.Name)
				stale++
			case leave[j.Dir]:
				skipped = append(skipped, j.Name)
			default:
				queue = append(queue, j)
				launch++
			}
		}
		line := fmt.Sprintf("%s: %d to launch, %d skipped", t, launch, len(jobs)-launch-stale)
		if stale > 0 {
			line += fmt.Sprintf(", %d not retried", stale)
		}
		fmt.Fprintln(out, line)
	}
	if len(notRetried) > 0 {
		fmt.Fprintln(out, "  use --rerun-failed to delete and relaunch runs that failed before")
	}

	rec := beginSweep(ctx, "run", s.targets)
	d := &dispatch.Dispatcher{
		MaxParallel: maxParallel,
		Checker:     checker,
		Recorder:    rec.recorder(),
		Logger:      logger,
	}
	if p.BatchMode {
		d.Submitter = &dispatch.Submitter{Runner: platform.ExecRunner{Host: p.SubmitHost}, Platform: p}
	} else {
		d.Launcher = dispatch.LocalLauncher{Shell: "bash"}
	}
	summary := d.Run(ctx, queue)
	summary.Skip(skipped...)
	summary.NotRetried(notRetried...)
	rec.finish(ctx, ledger.Counts{Total: summary.Total, Succeeded: summary.Succeeded, Failed: summary.Failed,
		Skipped: summary.Skipped, Submitted: summary.Submitted})

	for _, o := range summary.Outcomes {
		switch o.State {
		case dispatch.StateSubmitted:
			fmt.Fprintf(out, "  submitted %-40s job %s\n", o.Job.Name, o.JobID)
		case dispatch.StateSkipped, runstate.Complete.String():
		default:
			reason := o.State
			if o.Err != nil {
				reason = o.Err.Error()
			}
			fmt.Fprintf(out, "  %s %-40s %s\n", failStyle.Render("FAILED"), o.Job.Name, reason)
		}
	}
	fmt.Fprintln(out, summary.Line())
	return summary.Err()
}

// triage checks the planned directories before anything is created. It
// returns the directories to leave alone and, among those, the failed runs
// that are not retried. With --rerun-failed, failed directories are deleted
// instead so they are recreated and relaunched.
func triage(ctx context.Context, checker *runstate.Checker, dirs []string) (map[string]bool, map[string]bool, error) {
	leave := make(map[string]bool)
	notRetried := make(map[string]bool)
	for _, dir := range dirs {
		r, err := checker.Check(ctx, dir)
		if err != nil {
			return nil, nil, err
		}
		log := logger.With(zap.String("dir", dir))
		switch r.State {
		case runstate.Complete:
			leave[dir] = true
			log.Debug("run already complete")
		case runstate.Running:
			leave[dir] = true
			log.Info("run still active", zap.String("reason", r.Reason))
		case runstate.Failed:
			if !rerunFailed {
				leave[dir] = true
				notRetried[dir] = true
				log.Info("run failed before, not retried", zap.String("reason", r.Reason))
				continue
			}
			log.Info("deleting failed run", zap.String("reason", r.Reason))
			if err := runstate.Reset(dir); err != nil {
				return nil, nil, err
			}
		}
	}
	return leave, notRetried, nil
}

func jobQuerier(p *platform.Platform) runstate.JobQuerier {
	if p.Scheduler == platform.None {
		return nil
	}
	return runstate.SchedulerJobs{Runner: platform.ExecRunner{Host: p.SubmitHost}}
}

// sweepRecord is one ledger entry kept open for the duration of a command.
// A nil *sweepRecord means the ledger is off and every method is a no-op.
type sweepRecord struct {
	l  *ledger.Ledger
	sw ledger.Sweep
}

func beginSweep(ctx context.Context, action string, targets []target) *sweepRecord {
	l, err := openLedger()
	if err != nil {
		logger.Warn("sweep ledger unavailable", zap.Error(err))
		return nil
	}
	if l == nil || len(targets) == 0 {
		return nil
	}
	cases := make([]string, len(targets))
	for i, t := range targets {
		cases[i] = t.caseName
	}
	commit, branch := ledger.GitInfo(ctx, env.ExaEpiDir)
	sw, err := l.StartSweep(ctx, ledger.Sweep{
		Study:     targets[0].study,
		Case:      strings.Join(cases, ","),
		Machine:   targets[0].platform.Name,
		Action:    action,
		GitCommit: commit,
		GitBranch: branch,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("failed to record sweep", zap.Error(err))
		l.Close()
		return nil
	}
	logger.Info("recording sweep", zap.String("sweep_id", sw.ID), zap.String("action", action))
	return &sweepRecord{l: l, sw: sw}
}

func (r *sweepRecord) recorder() dispatch.Recorder {
	if r == nil {
		return nil
	}
	return r.l.Recorder(r.sw.ID)
}

func (r *sweepRecord) finish(ctx context.Context, c ledger.Counts) {
	if r == nil {
		return
	}
	// record the tallies even when the command was interrupted
	if err := r.l.FinishSweep(context.WithoutCancel(ctx), r.sw.ID, c, time.Now().UTC()); err != nil {
		logger.Warn("failed to finish sweep record", zap.Error(err))
	}
	r.l.Close()
}
