package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"exasweep/internal/config"
)

var ErrExecutableNotFound = errors.New("agent executable not found")

// LaunchCommand builds the argv that runs the agent binary on this platform.
func (p *Platform) LaunchCommand(exe, input string, overrides []string) []string {
	var argv []string
	switch p.Scheduler {
	case Slurm:
		argv = []string{"srun", "-n", strconv.Itoa(p.Tasks), "-N", strconv.Itoa(p.Nodes)}
		if p.Queue != "" {
			argv = append(argv, "-p", p.Queue)
		}
		if p.Walltime != "" {
			argv = append(argv, "-t", p.Walltime)
		}
		if p.GPUs > 0 {
			argv = append(argv, "-G", strconv.Itoa(p.gpuCount()))
		}
	case Flux:
		argv = []string{"flux", "run", "--exclusive",
			"--nodes=" + strconv.Itoa(p.Nodes), "--ntasks", strconv.Itoa(p.Tasks)}
		if p.GPUs > 0 {
			argv = append(argv, "--gpus-per-task", "1")
		}
		if p.Queue != "" {
			argv = append(argv, "-q="+p.Queue)
		}
		if p.Walltime != "" {
			argv = append(argv, "-t", p.Walltime)
		}
	default:
		if p.MPILauncher != "" {
			argv = append([]string{p.MPILauncher}, p.MPIFlags...)
			argv = append(argv, "-n", strconv.Itoa(p.Tasks))
		}
	}
	argv = append(argv, exe, input)
	argv = append(argv, overrides...)
	if p.GPUs > 0 && p.GPUAwareFlag != "" {
		argv = append(argv, p.GPUAwareFlag)
	}
	return argv
}

// one GPU per task, capped at what the machine has
func (p *Platform) gpuCount() int {
	if p.Tasks < p.GPUs*p.Nodes {
		return p.Tasks
	}
	return p.GPUs * p.Nodes
}

// BatchDirectives returns the scheduler header lines of a batch job script.
// Platforms without a scheduler have none.
func (p *Platform) BatchDirectives(jobName, logName string) []string {
	switch p.Scheduler {
	case Slurm:
		lines := []string{
			"#SBATCH -J " + jobName,
			"#SBATCH -N " + strconv.Itoa(p.Nodes),
			"#SBATCH -n " + strconv.Itoa(p.Tasks),
		}
		if p.Walltime != "" {
			lines = append(lines, "#SBATCH -t "+p.Walltime)
		}
		if p.Queue != "" {
			lines = append(lines, "#SBATCH -q "+p.Queue)
		}
		if p.Account != "" {
			lines = append(lines, "#SBATCH -A "+p.Account)
		}
		if p.Constraint != "" {
			lines = append(lines, "#SBATCH -C "+p.Constraint)
		}
		if p.GPUs > 0 {
			lines = append(lines, "#SBATCH --gpus-per-node="+strconv.Itoa(p.GPUs))
		}
		return append(lines, "#SBATCH -o "+logName)
	case Flux:
		lines := []string{
			"#flux: --job-name=" + jobName,
			"#flux: -N " + strconv.Itoa(p.Nodes),
			"#flux: -n " + strconv.Itoa(p.Tasks),
		}
		if p.Walltime != "" {
			lines = append(lines, "#flux: -t "+p.Walltime)
		}
		if p.Queue != "" {
			lines = append(lines, "#flux: -q "+p.Queue)
		}
		return append(lines, "#flux: --output="+logName)
	}
	return nil
}

// SubmitCommand returns the argv submitting script to the batch scheduler.
func (p *Platform) SubmitCommand(script string) ([]string, error) {
	switch p.Scheduler {
	case Slurm:
		return []string{"sbatch", script}, nil
	case Flux:
		return []string{"flux", "batch", script}, nil
	}
	return nil, fmt.Errorf("platform %s has no batch scheduler", p.Name)
}

// FindExecutable looks for the agent binary under $EXAEPI_BUILD/<machine>/bin
// and then $EXAEPI_BUILD/bin.
func FindExecutable(build, machine string) (string, error) {
	if build == "" {
		return "", fmt.Errorf("%w: EXAEPI_BUILD is not set", ErrExecutableNotFound)
	}
	dirs := []string{filepath.Join(build, machine, "bin"), filepath.Join(build, "bin")}
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*agent*"))
		if err != nil {
			return "", err
		}
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
				continue
			}
			return m, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrExecutableNotFound, strings.Join(dirs, " or "))
}

// Check is one line of environment validation.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// CheckEnvironment validates the variables and paths a sweep needs. The
// second result is false when any check failed.
func CheckEnvironment(env config.Environment, p *Platform) ([]Check, bool) {
	var checks []Check
	ok := true
	for _, v := range []struct{ name, val string }{
		{"EXAEPI_BUILD", env.ExaEpiBuild},
		{"EXAEPI_DIR", env.ExaEpiDir},
	} {
		c := Check{Name: v.name, OK: true, Detail: v.val}
		switch {
		case v.val == "":
			c.OK, c.Detail = false, "not set"
		default:
			if _, err := os.Stat(v.val); err != nil {
				c.OK, c.Detail = false, "path does not exist: "+v.val
			}
		}
		ok = ok && c.OK
		checks = append(checks, c)
	}
	if p == nil {
		checks = append(checks, Check{Name: "machine", OK: true,
			Detail: "not detected (NERSC_HOST and LCHOST not set); pass --machine"})
		return checks, ok
	}
	checks = append(checks, Check{Name: "machine", OK: true,
		Detail: fmt.Sprintf("%s (%s, scheduler %s)", p.Name, p.DisplayName, p.Scheduler)})
	if env.ExaEpiBuild != "" {
		exe, err := FindExecutable(env.ExaEpiBuild, p.Name)
		c := Check{Name: "executable", OK: err == nil, Detail: exe}
		if err != nil {
			c.Detail = err.Error()
		}
		ok = ok && c.OK
		checks = append(checks, c)
	}
	return checks, ok
}
