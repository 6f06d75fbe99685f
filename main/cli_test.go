package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"exasweep/internal/config"
	"exasweep/internal/dispatch"
	"exasweep/internal/ledger"
	"exasweep/internal/sweep"
	"exasweep/internal/table"
)

const testMachines = `machines:
  ws:
    display_name: Test workstation
    scheduler: none
    tasks: 1
`

const testStudies = `studies:
  tiny:
    name: Tiny sweep
    cases: [CA]
    parameters:
      - name: med_workers_proportion
        abbrev: mwprop
        key: agent.med_workers_proportion
        format: proportion
        values: [0.03, 0.06]
    baseline:
      med_workers_proportion: 0.00
    ensemble:
      runs: 3
      seed_key: agent.seed
      base_seed: 10
plot_config:
  format: png
`

const testCases = `test_cases:
  CA:
    name: California
    input_file: inputs.CA
    data_files: [CA.dat]
test_groups:
  standard: [CA]
`

// fakeAgent fails for one proportion and otherwise ends with the marker.
const fakeAgent = `#!/bin/sh
for a in "$@"; do
  if [ "$a" = "agent.med_workers_proportion=0.06" ]; then
    echo "abort"
    exit 3
  fi
done
echo "AMReX (24.01) finalized"
`

const healthyAgent = `#!/bin/sh
echo "AMReX (24.01) finalized"
`

func mapLookup(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

type cliFixture struct {
	root  string
	study string
	exe   string
}

// setupCLI resets the package flags to a private workspace with its own
// configuration, inputs and agent binary.
func setupCLI(t *testing.T) *cliFixture {
	t.Helper()
	logger = zap.NewNop()

	cfg := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg, config.MachinesFile), []byte(testMachines), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, config.StudiesFile), []byte(testStudies), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, config.CasesFile), []byte(testCases), 0o644))

	build := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(build, "bin"), 0o755))
	exe := filepath.Join(build, "bin", "agent.ex")
	require.NoError(t, os.WriteFile(exe, []byte(fakeAgent), 0o755))

	root := t.TempDir()
	common := filepath.Join(root, "tiny", dispatch.CommonDir)
	require.NoError(t, os.MkdirAll(common, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(common, "inputs.CA"), []byte("agent.ic_type = census\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(common, "CA.dat"), []byte("census\n"), 0o644))

	env = config.CaptureEnvironment(mapLookup(map[string]string{"EXAEPI_BUILD": build, "HOME": t.TempDir()}))
	configDir = cfg
	rootDir = root
	ledgerPath = filepath.Join(t.TempDir(), ledger.DefaultFile)
	noLedger = false
	profileName = ""
	machineName = "ws"
	studyName = "tiny"
	caseNames = nil
	maxParallel = 2
	diseaseName = ""
	ensembleMode, rerunFailed, watchStatus, plotAll = false, false, false, false
	plotFormat, plotDir = "", ""
	return &cliFixture{root: root, study: filepath.Join(root, "tiny"), exe: exe}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
}

func captured() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	return cmd, &buf
}

// writeOutput writes a 20-day output table whose compartments scale with v.
func writeOutput(t *testing.T, dir string, v float64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var b strings.Builder
	b.WriteString(strings.Join(table.Header, " ") + "\n")
	for d := 0; d < 20; d++ {
		fmt.Fprintf(&b, "%d", d)
		for c := 1; c < table.MinColumns; c++ {
			fmt.Fprintf(&b, " %g", v*float64(d+c))
		}
		b.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, table.OutputFile("")), []byte(b.String()), 0o644))
}

func TestStudyCases(t *testing.T) {
	logger = zap.NewNop()
	b, err := config.Load("")
	require.NoError(t, err)
	st, err := b.Study("recovery")
	require.NoError(t, err)
	studyName = "recovery"

	for _, tc := range []struct {
		names []string
		want  []string
	}{
		{nil, []string{"CA", "Bay"}},
		{[]string{"standard"}, []string{"Bay", "CA"}},
		{[]string{"all"}, []string{"Bay", "CA"}},
		{[]string{"CA", "CA"}, []string{"CA"}},
	} {
		caseNames = tc.names
		got, err := studyCases(b, st)
		require.NoError(t, err, tc.names)
		assert.Equal(t, tc.want, got, tc.names)
	}

	for _, bad := range [][]string{{"ca_coimm"}, {"Mars"}, {"multidisease"}} {
		caseNames = bad
		_, err := studyCases(b, st)
		assert.ErrorIs(t, err, config.ErrUnknownCase, bad)
	}
	caseNames = nil
}

func TestListCommands(t *testing.T) {
	logger = zap.NewNop()
	configDir = ""
	env = config.CaptureEnvironment(mapLookup(map[string]string{"NERSC_HOST": "perlmutter"}))

	cmd, out := captured()
	require.NoError(t, runListCases(cmd, nil))
	assert.Contains(t, out.String(), "inputs.CA_02D_Cov19S1S2")
	assert.Contains(t, out.String(), "Cov19S1,Cov19S2")
	assert.Contains(t, out.String(), "standard")

	cmd, out = captured()
	require.NoError(t, runListStudies(cmd, nil))
	assert.Regexp(t, `recovery\s+17\s+10\s+CA,Bay\s+mwprop\(4\) x nppd\(4\)`, out.String())

	cmd, out = captured()
	require.NoError(t, runListMachines(cmd, nil))
	assert.Contains(t, out.String(), "* perlmutter")
	assert.Contains(t, out.String(), "detected from the environment")
}

func TestValidate(t *testing.T) {
	f := setupCLI(t)
	env = config.CaptureEnvironment(mapLookup(map[string]string{
		"EXAEPI_BUILD": filepath.Dir(filepath.Dir(f.exe)),
		"EXAEPI_DIR":   t.TempDir(),
	}))

	cmd, out := captured()
	require.NoError(t, runValidate(cmd, nil))
	assert.Contains(t, out.String(), "tiny/CA/ws: 3 runs, 2 input files")
	assert.Contains(t, out.String(), "Environment OK")

	require.NoError(t, os.Remove(filepath.Join(f.study, dispatch.CommonDir, "CA.dat")))
	cmd, out = captured()
	assert.ErrorIs(t, runValidate(cmd, nil), errValidation)
	assert.Contains(t, out.String(), "missing input files")
}

func TestRunSweepLifecycle(t *testing.T) {
	requireShell(t)
	f := setupCLI(t)

	cmd, out := captured()
	err := runRun(cmd, nil)
	assert.ErrorIs(t, err, dispatch.ErrSweepFailed)
	assert.Contains(t, out.String(), "tiny/CA/ws: 3 to launch, 0 skipped")
	assert.Contains(t, out.String(), "3 total, 2 succeeded, 1 failed, 0 skipped")
	assert.Contains(t, out.String(), ".run_CA.ws.mwprop0.06")

	// the failed run is left alone without --rerun-failed
	cmd, out = captured()
	err = runRun(cmd, nil)
	assert.ErrorIs(t, err, dispatch.ErrSweepFailed)
	assert.ErrorContains(t, err, ".run_CA.ws.mwprop0.06")
	assert.Contains(t, out.String(), "tiny/CA/ws: 0 to launch, 2 skipped, 1 not retried")
	assert.Contains(t, out.String(), "use --rerun-failed")
	assert.Regexp(t, `FAILED.*\.run_CA\.ws\.mwprop0\.06\s+failed before, not retried`, out.String())
	assert.Contains(t, out.String(), "3 total, 0 succeeded, 1 failed, 2 skipped")

	require.NoError(t, os.WriteFile(f.exe, []byte(healthyAgent), 0o755))
	rerunFailed = true
	cmd, out = captured()
	require.NoError(t, runRun(cmd, nil))
	assert.Contains(t, out.String(), "tiny/CA/ws: 1 to launch, 2 skipped")
	assert.Contains(t, out.String(), "3 total, 1 succeeded, 0 failed, 2 skipped")

	cmd, out = captured()
	require.NoError(t, runStatus(cmd, nil))
	assert.Contains(t, out.String(), "3 runs, 3 complete, 0 running, 0 failed, 0 not_started")

	l, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	sweeps, err := l.Sweeps(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.Len(t, sweeps, 3)
	first := sweeps[2]
	assert.Equal(t, "run", first.Action)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 1, sweeps[1].Failed)
	assert.Equal(t, 2, sweeps[1].Skipped)

	cmd, out = captured()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), "3 total, 2 ok, 1 failed, 0 skipped")

	cmd, out = captured()
	require.NoError(t, runShow(cmd, []string{first.ID[:8]}))
	assert.Contains(t, out.String(), "Study:    tiny")
	assert.Regexp(t, `\.run_CA\.ws\.mwprop0\.06\s+FAILED\s+\d+\s+-\s+3`, out.String())
}

func TestStatusReportsStates(t *testing.T) {
	requireShell(t)
	f := setupCLI(t)
	noLedger = true

	cmd, out := captured()
	require.NoError(t, runCreate(cmd, nil))
	assert.Contains(t, out.String(), "tiny/CA/ws: created 3, already existed 0, total 3")

	log := dispatch.LogName("ws")
	require.NoError(t, os.WriteFile(filepath.Join(f.study, ".run_CA.ws.baseline", log),
		[]byte("step\nAMReX (24.01) finalized\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.study, ".run_CA.ws.mwprop0.03", log),
		[]byte("step\nSegmentation fault\n"), 0o644))

	cmd, out = captured()
	err := runStatus(cmd, nil)
	assert.ErrorIs(t, err, dispatch.ErrSweepFailed)
	assert.Contains(t, out.String(), "3 runs, 1 complete, 0 running, 1 failed, 1 not_started")
	assert.Contains(t, out.String(), `last line: "Segmentation fault"`)

	// status never touches run directories
	_, err = os.Stat(filepath.Join(f.study, ".run_CA.ws.mwprop0.03", log))
	assert.NoError(t, err)
}

func TestEnsembleCreateAggregatePlot(t *testing.T) {
	requireShell(t)
	f := setupCLI(t)
	ensembleMode = true

	cmd, out := captured()
	require.NoError(t, runCreate(cmd, nil))
	assert.Contains(t, out.String(), "created 3, already existed 0, total 3")

	ens := filepath.Join(f.study, sweep.EnsembleDir("CA", "ws"))
	script, err := os.ReadFile(filepath.Join(ens, "run_002", dispatch.ScriptName("ws")))
	require.NoError(t, err)
	assert.Contains(t, string(script), "agent.seed=12")

	writeOutput(t, filepath.Join(ens, "run_001"), 1)
	writeOutput(t, filepath.Join(ens, "run_002"), 2)

	cmd, out = captured()
	require.NoError(t, runAggregate(cmd, nil))
	assert.Contains(t, out.String(), "tiny/CA/ws: used 2 of 3 runs, 20 days")
	assert.Contains(t, out.String(), "excluded run_003: missing output.dat")
	for _, st := range []string{"mean", "std", "min", "max"} {
		assert.FileExists(t, filepath.Join(ens, "output_summary_"+st+".dat"))
	}

	cmd, out = captured()
	require.NoError(t, runPlot(cmd, nil))
	assert.Contains(t, out.String(), "plots: 1 succeeded, 0 failed")
	assert.FileExists(t, filepath.Join(f.study, "plots", "tiny_CA_ws_ensemble_totalinfected.png"))
}

func TestPlotSweep(t *testing.T) {
	requireShell(t)
	f := setupCLI(t)
	noLedger = true

	plotAll = true
	cmd, out := captured()
	require.NoError(t, runPlot(cmd, nil))
	assert.Contains(t, out.String(), "plots: 0 succeeded, 0 failed")

	cmd, _ = captured()
	require.NoError(t, runCreate(cmd, nil))
	for i, name := range []string{".run_CA.ws.baseline", ".run_CA.ws.mwprop0.03", ".run_CA.ws.mwprop0.06"} {
		writeOutput(t, filepath.Join(f.study, name), float64(i+1))
	}
	plotFormat = "svg"
	cmd, out = captured()
	require.NoError(t, runPlot(cmd, nil))
	assert.Contains(t, out.String(), "ok     tiny/CA/ws (6 files)")
	assert.FileExists(t, filepath.Join(f.study, "plots", "tiny_CA_ws_mwprop0.03_infections.svg"))

	plotAll = false
	studyName = ""
	cmd, _ = captured()
	assert.ErrorContains(t, runPlot(cmd, nil), "--study is required")
}

func TestCompare(t *testing.T) {
	setupCLI(t)
	dir := t.TempDir()
	writeOutput(t, filepath.Join(dir, "base"), 1)
	writeOutput(t, filepath.Join(dir, "same"), 1)
	writeOutput(t, filepath.Join(dir, "drift"), 1.01)

	baselinePath = filepath.Join(dir, "base")
	testPath = filepath.Join(dir, "same", table.OutputFile(""))
	tolerance = 1e-6
	cmd, out := captured()
	require.NoError(t, runCompare(cmd, nil))
	assert.Contains(t, out.String(), "PASS")

	testPath = filepath.Join(dir, "drift")
	plotDir = filepath.Join(dir, "plots")
	cmd, out = captured()
	err := runCompare(cmd, nil)
	assert.ErrorIs(t, err, errRegression)
	assert.Contains(t, out.String(), "FAIL")
	assert.FileExists(t, filepath.Join(plotDir, "compare_deaths.png"))

	tolerance = 0.05
	plotDir = ""
	cmd, _ = captured()
	assert.NoError(t, runCompare(cmd, nil))
}

func TestApplyProfile(t *testing.T) {
	logger = zap.NewNop()
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".exasweep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".exasweep", "config.yaml"), []byte(`defaults:
  machine: ws
  max_parallel: 3
  root: ~/studies
profiles:
  big:
    max_parallel: 16
`), 0o644))
	env = config.CaptureEnvironment(mapLookup(map[string]string{"HOME": home}))

	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().StringVar(&machineName, "machine", "", "")
		cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "")
		cmd.Flags().StringVar(&rootDir, "root", ".", "")
		return cmd
	}

	profileName = "big"
	cmd := newCmd()
	require.NoError(t, applyProfile(cmd))
	assert.Equal(t, "ws", machineName)
	assert.Equal(t, 16, maxParallel)
	assert.Equal(t, filepath.Join(home, "studies"), rootDir)

	cmd = newCmd()
	require.NoError(t, cmd.Flags().Set("max-parallel", "2"))
	require.NoError(t, applyProfile(cmd))
	assert.Equal(t, 2, maxParallel)

	profileName = "nope"
	assert.Error(t, applyProfile(newCmd()))
	profileName = ""
}

func TestWatchRunsReportsChanges(t *testing.T) {
	logger = zap.NewNop()
	old := watchDebounce
	watchDebounce = 50 * time.Millisecond
	defer func() { watchDebounce = old }()

	study := t.TempDir()
	existing := filepath.Join(study, ".run_CA.ws.baseline")
	later := filepath.Join(study, ".run_CA.ws.mwprop0.03")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	reports := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- watchRuns(ctx, []string{study}, []string{existing, later}, func() { reports <- struct{}{} })
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(existing, "out.ws.log"), []byte("step 1\n"), 0o644))
	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("no report after a log write")
	}

	// a run directory created after the watch started is followed too
	require.NoError(t, os.MkdirAll(later, 0o755))
	time.Sleep(200 * time.Millisecond)
	for len(reports) > 0 {
		<-reports
	}
	require.NoError(t, os.WriteFile(filepath.Join(later, "out.ws.log"), []byte("step 1\n"), 0o644))
	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("no report after a write in a new run directory")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchRunsNeedsDirectories(t *testing.T) {
	logger = zap.NewNop()
	missing := filepath.Join(t.TempDir(), "nope")
	err := watchRuns(context.Background(), []string{missing}, nil, func() {})
	assert.ErrorContains(t, err, "no study or run directories")
}
