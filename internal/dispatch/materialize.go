// Package dispatch materializes run directories and launches or submits them
// under a concurrency cap.
package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"exasweep/internal/config"
	"exasweep/internal/platform"
	"exasweep/internal/sweep"
)

const CommonDir = "common"

// ScriptName is the per-run launch script for a machine.
func ScriptName(machine string) string { return "run." + machine + ".sh" }

// LogName is the per-run log the launch script tees into.
func LogName(machine string) string { return "out." + machine + ".log" }

// JobScriptName is the batch wrapper submitted on batch platforms.
func JobScriptName(machine string) string { return "exaepi." + machine + ".job" }

// Job is one materialized run directory.
type Job struct {
	Name      string
	Dir       string
	Script    string
	JobScript string
	Overrides []string
}

// Materializer lays out run directories for one study, case and platform.
type Materializer struct {
	StudyDir string
	Platform *platform.Platform
	CaseName string
	Case     config.Case
	Exe      string
	Logger   *zap.Logger
}

func (m *Materializer) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// Inputs are the files every run links from <study>/common.
func (m *Materializer) Inputs() []string {
	return append([]string{m.Case.InputFile}, m.Case.DataFiles...)
}

// CheckInputs verifies that the executable and every common input exist.
func (m *Materializer) CheckInputs() error {
	if m.Exe == "" {
		return fmt.Errorf("%w: no executable configured", platform.ErrExecutableNotFound)
	}
	if _, err := os.Stat(m.Exe); err != nil {
		return fmt.Errorf("%w: %v", platform.ErrExecutableNotFound, err)
	}
	common := filepath.Join(m.StudyDir, CommonDir)
	var missing []string
	for _, f := range m.Inputs() {
		if _, err := os.Stat(filepath.Join(common, f)); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing input files in %s: %s", common, strings.Join(missing, ", "))
	}
	return nil
}

// JobFor describes the job for dir without touching the filesystem.
func (m *Materializer) JobFor(name, dir string, overrides []string) Job {
	j := Job{
		Name:      name,
		Dir:       dir,
		Script:    ScriptName(m.Platform.Name),
		Overrides: overrides,
	}
	if m.Platform.BatchMode {
		j.JobScript = JobScriptName(m.Platform.Name)
	}
	return j
}

// Create makes the run directory for one combination. An existing directory
// is left untouched and reported with created == false.
func (m *Materializer) Create(c sweep.Combination) (Job, bool, error) {
	name := c.Name()
	return m.create(name, filepath.Join(m.StudyDir, name), c.Overrides())
}

// CreateEnsemble makes .ensemble_<case>_<platform>/run_NNN directories for
// runs repetitions of base, each with its own seed override. Job names are
// relative to the study directory so members of different cases stay apart.
func (m *Materializer) CreateEnsemble(base sweep.Combination, ens config.EnsembleConfig) ([]Job, []string, error) {
	if ens.Runs <= 0 {
		return nil, nil, fmt.Errorf("ensemble runs must be positive, got %d", ens.Runs)
	}
	seedKey := ens.SeedKey
	if seedKey == "" {
		seedKey = "agent.seed"
	}
	ensDir := sweep.EnsembleDir(m.CaseName, m.Platform.Name)
	var jobs []Job
	var existing []string
	for i := 1; i <= ens.Runs; i++ {
		name := path.Join(ensDir, sweep.MemberDir(i))
		overrides := append(append([]string(nil), base.Overrides()...),
			seedKey+"="+strconv.FormatInt(ens.BaseSeed+int64(i), 10))
		job, created, err := m.create(name, filepath.Join(m.StudyDir, filepath.FromSlash(name)), overrides)
		if err != nil {
			return jobs, existing, err
		}
		if !created {
			existing = append(existing, name)
		}
		jobs = append(jobs, job)
	}
	return jobs, existing, nil
}

func (m *Materializer) create(name, dir string, overrides []string) (Job, bool, error) {
	job := m.JobFor(name, dir, overrides)
	if _, err := os.Stat(dir); err == nil {
		return job, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return job, false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return job, false, err
	}
	common := filepath.Join(m.StudyDir, CommonDir)
	for _, f := range m.Inputs() {
		target, err := filepath.Rel(dir, filepath.Join(common, f))
		if err != nil {
			target = filepath.Join(common, f)
		}
		if err := os.Symlink(target, filepath.Join(dir, f)); err != nil {
			return job, false, fmt.Errorf("link %s: %w", f, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, job.Script), []byte(m.runScript(overrides)), 0o755); err != nil {
		return job, false, err
	}
	if job.JobScript != "" {
		if err := os.WriteFile(filepath.Join(dir, job.JobScript), []byte(m.jobScript(dir)), 0o755); err != nil {
			return job, false, err
		}
	}
	m.logger().Debug("created run directory", zap.String("run", name), zap.String("dir", dir))
	return job, true, nil
}

func (m *Materializer) runScript(overrides []string) string {
	p := m.Platform
	logName := LogName(p.Name)
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -o pipefail\n\n")
	if keys := p.EnvKeys(); len(keys) > 0 {
		for _, k := range keys {
			fmt.Fprintf(&b, "export %s=%s\n", k, platform.ShellQuote(p.EnvSetup[k]))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "rm -rf %s plt* cases* output*.dat num_bad_hospitals.dat Backtrace* *.core\n\n", logName)
	argv := p.LaunchCommand(m.Exe, m.Case.InputFile, overrides)
	fmt.Fprintf(&b, "%s 2>&1 | tee %s\n", platform.ShellJoin(argv), logName)
	return b.String()
}

func (m *Materializer) jobScript(dir string) string {
	p := m.Platform
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, line := range p.BatchDirectives("exaepi", "batch."+p.Name+".out") {
		b.WriteString(line + "\n")
	}
	fmt.Fprintf(&b, "\ncd %s || exit 1\n", platform.ShellQuote(dir))
	fmt.Fprintf(&b, "bash %s\n", ScriptName(p.Name))
	return b.String()
}
