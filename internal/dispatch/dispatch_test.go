package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"exasweep/internal/config"
	"exasweep/internal/platform"
	"exasweep/internal/runstate"
	"exasweep/internal/sweep"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAgent prints its arguments, sleeps, and finishes with the completion
// marker. Any argument equal to failArg makes it exit 3 instead.
const fakeAgent = `#!/bin/sh
echo "args: $@"
sleep 0.3
for a in "$@"; do
  if [ "$a" = "$FAIL_ARG" ]; then
    echo "abort"
    exit 3
  fi
done
echo "AMReX (24.01) finalized"
`

type fixture struct {
	study string
	exe   string
	mat   *Materializer
}

func newFixture(t *testing.T, p *platform.Platform, failArg string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	study := filepath.Join(t.TempDir(), "recovery")
	common := filepath.Join(study, CommonDir)
	require.NoError(t, os.MkdirAll(common, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(common, "inputs.ca"), []byte("agent.ic_type = census\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(common, "CA.dat"), []byte("census\n"), 0o644))

	bin := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	exe := filepath.Join(bin, "agent.ex")
	script := strings.Replace(fakeAgent, "$FAIL_ARG", failArg, 1)
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))

	return &fixture{
		study: study,
		exe:   exe,
		mat: &Materializer{
			StudyDir: study,
			Platform: p,
			CaseName: "CA",
			Case:     config.Case{Name: "California", InputFile: "inputs.ca", DataFiles: []string{"CA.dat"}},
			Exe:      exe,
		},
	}
}

func localPlatform() *platform.Platform {
	return &platform.Platform{Name: "linux", Scheduler: platform.None, Tasks: 1, Nodes: 1,
		EnvSetup: map[string]string{"OMP_NUM_THREADS": "1"}}
}

func mwpropPlan(t *testing.T) *sweep.Plan {
	t.Helper()
	plan, err := sweep.Enumerate("CA", "linux", []sweep.Axis{{
		Name: "med_workers_proportion", Abbrev: "mwprop", Key: "agent.med_workers_proportion",
		Format: sweep.FormatProportion, Values: []float64{0.00, 0.03, 0.06, 0.09},
	}}, nil)
	require.NoError(t, err)
	return plan
}

func createAll(t *testing.T, m *Materializer, plan *sweep.Plan) []Job {
	t.Helper()
	var jobs []Job
	for _, c := range plan.All() {
		job, created, err := m.Create(c)
		require.NoError(t, err)
		require.True(t, created)
		jobs = append(jobs, job)
	}
	return jobs
}

func TestCreateRunDirectory(t *testing.T) {
	f := newFixture(t, localPlatform(), "")
	require.NoError(t, f.mat.CheckInputs())

	plan := mwpropPlan(t)
	c := plan.Swept[1]
	job, created, err := f.mat.Create(c)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, ".run_CA.linux.mwprop0.03", job.Name)
	assert.Equal(t, "run.linux.sh", job.Script)
	assert.Empty(t, job.JobScript)

	target, err := os.Readlink(filepath.Join(job.Dir, "inputs.ca"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", CommonDir, "inputs.ca"), target)
	_, err = os.Stat(filepath.Join(job.Dir, "CA.dat"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(job.Dir, job.Script))
	require.NoError(t, err)
	script := string(data)
	assert.Contains(t, script, "set -o pipefail\n")
	assert.Contains(t, script, "export OMP_NUM_THREADS=1\n")
	assert.Contains(t, script, "rm -rf out.linux.log plt*")
	assert.Contains(t, script, f.exe+" inputs.ca agent.med_workers_proportion=0.03 2>&1 | tee out.linux.log\n")

	// A second create leaves the directory alone.
	require.NoError(t, os.WriteFile(filepath.Join(job.Dir, "out.linux.log"), []byte("partial\n"), 0o644))
	_, created, err = f.mat.Create(c)
	require.NoError(t, err)
	assert.False(t, created)
	data, err = os.ReadFile(filepath.Join(job.Dir, "out.linux.log"))
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(data))
}

func TestCheckInputsMissing(t *testing.T) {
	f := newFixture(t, localPlatform(), "")
	require.NoError(t, os.Remove(filepath.Join(f.study, CommonDir, "CA.dat")))
	err := f.mat.CheckInputs()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA.dat")

	f.mat.Exe = filepath.Join(t.TempDir(), "missing")
	assert.ErrorIs(t, f.mat.CheckInputs(), platform.ErrExecutableNotFound)
}

func TestCreateBatchJobScript(t *testing.T) {
	p := &platform.Platform{Name: "perlmutter", Scheduler: platform.Slurm, BatchMode: true,
		Tasks: 4, Nodes: 1, GPUs: 4, Queue: "regular", Walltime: "00:30:00", Account: "m5071",
		Constraint: "gpu", GPUAwareFlag: "amrex.use_gpu_aware_mpi=1"}
	f := newFixture(t, p, "")
	plan := mwpropPlan(t)
	job, _, err := f.mat.Create(plan.Swept[0])
	require.NoError(t, err)
	assert.Equal(t, "exaepi.perlmutter.job", job.JobScript)

	data, err := os.ReadFile(filepath.Join(job.Dir, job.JobScript))
	require.NoError(t, err)
	js := string(data)
	assert.Contains(t, js, "#SBATCH -A m5071\n")
	assert.Contains(t, js, "cd "+job.Dir+" || exit 1\n")
	assert.Contains(t, js, "bash run.perlmutter.sh\n")

	data, err = os.ReadFile(filepath.Join(job.Dir, job.Script))
	require.NoError(t, err)
	assert.Contains(t, string(data), "srun -n 4 -N 1 -p regular -t 00:30:00 -G 4 ")
	assert.Contains(t, string(data), "amrex.use_gpu_aware_mpi=1 2>&1 | tee out.perlmutter.log")
}

func TestCreateEnsemble(t *testing.T) {
	f := newFixture(t, localPlatform(), "")
	plan, err := sweep.Enumerate("CA", "linux", []sweep.Axis{{
		Name: "mwprop", Abbrev: "mwprop", Key: "agent.med_workers_proportion",
		Format: sweep.FormatProportion, Values: []float64{0.03},
	}}, map[string]float64{"mwprop": 0})
	require.NoError(t, err)

	ens := config.EnsembleConfig{Runs: 3, BaseSeed: 100}
	jobs, existing, err := f.mat.CreateEnsemble(*plan.Baseline, ens)
	require.NoError(t, err)
	assert.Empty(t, existing)
	require.Len(t, jobs, 3)
	assert.Equal(t, ".ensemble_CA_linux/run_001", jobs[0].Name)
	assert.Equal(t, filepath.Join(f.study, ".ensemble_CA_linux", "run_003"), jobs[2].Dir)
	assert.Equal(t, []string{"agent.med_workers_proportion=0", "agent.seed=102"}, jobs[1].Overrides)

	_, existing, err = f.mat.CreateEnsemble(*plan.Baseline, ens)
	require.NoError(t, err)
	assert.Equal(t, []string{".ensemble_CA_linux/run_001", ".ensemble_CA_linux/run_002",
		".ensemble_CA_linux/run_003"}, existing)

	_, _, err = f.mat.CreateEnsemble(*plan.Baseline, config.EnsembleConfig{})
	assert.Error(t, err)
}

// countingLauncher wraps a launcher and records how many processes are
// alive at once, plus each process's start and end time.
type countingLauncher struct {
	inner Launcher

	mu       sync.Mutex
	inFlight int
	max      int
	spans    [][2]time.Time
}

func (l *countingLauncher) Start(ctx context.Context, job Job) (Process, error) {
	l.mu.Lock()
	l.inFlight++
	if l.inFlight > l.max {
		l.max = l.inFlight
	}
	l.mu.Unlock()
	started := time.Now()
	p, err := l.inner.Start(ctx, job)
	if err != nil {
		l.done(started)
		return nil, err
	}
	return &countingProcess{Process: p, l: l, started: started}, nil
}

func (l *countingLauncher) done(started time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
	l.spans = append(l.spans, [2]time.Time{started, time.Now()})
}

type countingProcess struct {
	Process
	l       *countingLauncher
	started time.Time
}

func (p *countingProcess) Wait() (int, error) {
	code, err := p.Process.Wait()
	p.l.done(p.started)
	return code, err
}

// maxOverlap is the largest number of spans covering one instant.
func maxOverlap(spans [][2]time.Time) int {
	best := 0
	for _, s := range spans {
		n := 0
		for _, o := range spans {
			if !o[0].After(s[0]) && o[1].After(s[0]) {
				n++
			}
		}
		if n > best {
			best = n
		}
	}
	return best
}

func TestDispatcherRespectsMaxParallel(t *testing.T) {
	f := newFixture(t, localPlatform(), "")
	jobs := createAll(t, f.mat, mwpropPlan(t))
	require.Len(t, jobs, 4)

	launcher := &countingLauncher{inner: LocalLauncher{}}
	d := &Dispatcher{
		MaxParallel: 2,
		Launcher:    launcher,
		Checker:     runstate.NewChecker(LogName("linux"), nil, nil),
	}
	summary := d.Run(context.Background(), jobs)

	assert.Equal(t, 2, launcher.max)
	assert.LessOrEqual(t, maxOverlap(launcher.spans), 2)
	assert.Len(t, launcher.spans, 4)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 4, summary.Succeeded)
	assert.NoError(t, summary.Err())

	for _, job := range jobs {
		pid, err := runstate.ReadPID(job.Dir)
		require.NoError(t, err)
		assert.Positive(t, pid)
		code, err := runstate.ReadExit(job.Dir)
		require.NoError(t, err)
		require.NotNil(t, code)
		assert.Zero(t, *code)

		r, err := d.Checker.Check(context.Background(), job.Dir)
		require.NoError(t, err)
		assert.Equal(t, runstate.Complete, r.State, job.Name)
	}
	log, err := os.ReadFile(filepath.Join(jobs[2].Dir, LogName("linux")))
	require.NoError(t, err)
	assert.Contains(t, string(log), "args: inputs.ca agent.med_workers_proportion=0.03")
}

type memRecorder struct {
	mu       sync.Mutex
	started  map[string]int
	finished map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{started: map[string]int{}, finished: map[string]string{}}
}

func (r *memRecorder) Started(_ context.Context, key, _ string, pid int, jobID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[key] = pid
	return nil
}

func (r *memRecorder) Finished(_ context.Context, key, state string, _ *int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.started[key]; !ok {
		return fmt.Errorf("%s not started", key)
	}
	r.finished[key] = state
	return nil
}

func TestDispatcherRecordsFailureWithoutStopping(t *testing.T) {
	f := newFixture(t, localPlatform(), "agent.med_workers_proportion=0.06")
	jobs := createAll(t, f.mat, mwpropPlan(t))
	rec := newMemRecorder()
	d := &Dispatcher{
		MaxParallel: 1,
		Launcher:    LocalLauncher{},
		Checker:     runstate.NewChecker(LogName("linux"), nil, nil),
		Recorder:    rec,
	}
	summary := d.Run(context.Background(), jobs)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{".run_CA.linux.mwprop0.06"}, summary.FailedNames)
	assert.ErrorIs(t, summary.Err(), ErrSweepFailed)
	assert.Equal(t, "4 total, 3 succeeded, 1 failed, 0 skipped", summary.Line())

	assert.Equal(t, "FAILED", rec.finished[".run_CA.linux.mwprop0.06"])
	assert.Equal(t, "COMPLETE", rec.finished[".run_CA.linux.mwprop0.09"])

	failed := filepath.Join(f.study, ".run_CA.linux.mwprop0.06")
	code, err := runstate.ReadExit(failed)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, 3, *code)
	r, err := d.Checker.Check(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, runstate.Failed, r.State)
	assert.Equal(t, "abort", r.LastLine)
}

func TestDispatcherCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, localPlatform(), "")
	jobs := createAll(t, f.mat, mwpropPlan(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	launcher := &countingLauncher{inner: LocalLauncher{}}
	summary := (&Dispatcher{MaxParallel: 2, Launcher: launcher}).Run(ctx, jobs)
	assert.Zero(t, launcher.max)
	assert.Equal(t, 4, summary.Failed)
	for _, o := range summary.Outcomes {
		assert.ErrorIs(t, o.Err, context.Canceled)
	}
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls [][]string
	out   string
	err   error
}

func (r *scriptedRunner) Run(_ context.Context, dir string, argv ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{dir}, argv...))
	return r.out, r.err
}

func TestDispatcherSubmitsBatchJobs(t *testing.T) {
	p := &platform.Platform{Name: "dane", Scheduler: platform.Slurm, BatchMode: true, Tasks: 100, Nodes: 1, Queue: "pbatch"}
	f := newFixture(t, p, "")
	jobs := createAll(t, f.mat, mwpropPlan(t))
	runner := &scriptedRunner{out: "Submitted batch job 2723147"}
	rec := newMemRecorder()
	d := &Dispatcher{
		MaxParallel: 2,
		Submitter:   &Submitter{Runner: runner, Platform: p},
		Recorder:    rec,
	}
	summary := d.Run(context.Background(), jobs)

	assert.Equal(t, 4, summary.Submitted)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, "4 total, 0 succeeded, 4 submitted, 0 failed, 0 skipped", summary.Line())
	require.Len(t, runner.calls, 4)
	for _, call := range runner.calls {
		assert.Equal(t, []string{"sbatch", "exaepi.dane.job"}, call[1:])
	}
	sched, id, err := runstate.ReadJob(jobs[0].Dir)
	require.NoError(t, err)
	assert.Equal(t, "slurm", sched)
	assert.Equal(t, "2723147", id)
	assert.Empty(t, rec.finished)
}

func TestSubmitErrors(t *testing.T) {
	p := &platform.Platform{Name: "tuolumne", Scheduler: platform.Flux, BatchMode: true, Tasks: 4, Nodes: 1}
	job := Job{Name: "x", Dir: t.TempDir(), JobScript: "exaepi.tuolumne.job"}

	_, err := Submitter{Runner: &scriptedRunner{out: "  "}, Platform: p}.Submit(context.Background(), job)
	assert.ErrorContains(t, err, "unable to parse flux output")

	_, err = Submitter{Runner: &scriptedRunner{err: fmt.Errorf("boom")}, Platform: p}.Submit(context.Background(), job)
	assert.ErrorContains(t, err, "flux failed")

	id, err := Submitter{Runner: &scriptedRunner{out: "f2Zx8mDbV"}, Platform: p}.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "f2Zx8mDbV", id)
	sched, got, err := runstate.ReadJob(job.Dir)
	require.NoError(t, err)
	assert.Equal(t, "flux", sched)
	assert.Equal(t, id, got)

	_, err = Submitter{Runner: &scriptedRunner{}, Platform: p}.Submit(context.Background(), Job{Name: "y"})
	assert.ErrorContains(t, err, "no job script")
}

func TestSummarySkip(t *testing.T) {
	var s Summary
	s.Skip(".run_CA.linux.baseline", ".run_CA.linux.mwprop0.03")
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, s.Skipped)
	assert.NoError(t, s.Err())
	assert.Equal(t, "2 total, 0 succeeded, 0 failed, 2 skipped", s.Line())
}

func TestSummaryCountsNotRetriedAsFailed(t *testing.T) {
	var s Summary
	s.Skip(".run_CA.linux.baseline")
	s.NotRetried(".run_CA.linux.mwprop0.06")
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, []string{".run_CA.linux.mwprop0.06"}, s.FailedNames)
	assert.Equal(t, "2 total, 0 succeeded, 1 failed, 1 skipped", s.Line())
	require.Len(t, s.Outcomes, 2)
	assert.ErrorIs(t, s.Outcomes[1].Err, ErrNotRetried)
	err := s.Err()
	assert.ErrorIs(t, err, ErrSweepFailed)
	assert.ErrorContains(t, err, ".run_CA.linux.mwprop0.06")
}
