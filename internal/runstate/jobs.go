package runstate

import (
	"context"
	"fmt"
	"strings"

	"exasweep/internal/platform"
)

// SchedulerJobs queries Slurm or Flux for job state through a Runner, which
// may hop through ssh to the machine's submit host.
type SchedulerJobs struct {
	Runner platform.Runner
}

func (s SchedulerJobs) JobActive(ctx context.Context, scheduler, id string) (bool, error) {
	state, err := s.JobState(ctx, scheduler, id)
	if err != nil {
		return false, err
	}
	return isActiveStatus(scheduler, state), nil
}

// JobState returns the scheduler's state string for id, or "UNKNOWN" once the
// job has left every accounting source.
func (s SchedulerJobs) JobState(ctx context.Context, scheduler, id string) (string, error) {
	if id == "" {
		return "UNKNOWN", nil
	}
	switch scheduler {
	case "flux":
		return s.fluxJobs(ctx, id)
	case "", "slurm":
		status, err := s.squeue(ctx, id)
		if err != nil {
			return "", err
		}
		if status != "" {
			return status, nil
		}
		// sacct is optional; once the job leaves squeue a missing sacct means unknown
		if status, err = s.sacct(ctx, id); err == nil && status != "" {
			return status, nil
		}
		return "UNKNOWN", nil
	}
	return "", fmt.Errorf("unsupported scheduler %q", scheduler)
}

func (s SchedulerJobs) squeue(ctx context.Context, id string) (string, error) {
	out, err := s.Runner.Run(ctx, "", "squeue", "-h", "-j", id, "-o", "%T")
	if err != nil {
		// squeue exits nonzero for ids it has already forgotten
		if strings.Contains(out, "Invalid job id") {
			return "", nil
		}
		return "", err
	}
	if out == "" {
		return "", nil
	}
	return strings.TrimSpace(strings.Split(out, "\n")[0]), nil
}

func (s SchedulerJobs) sacct(ctx context.Context, id string) (string, error) {
	out, err := s.Runner.Run(ctx, "", "sacct", "-n", "-X", "-j", id, "-o", "State")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return strings.Trim(fields[0], "+"), nil
	}
	return "", nil
}

func (s SchedulerJobs) fluxJobs(ctx context.Context, id string) (string, error) {
	out, err := s.Runner.Run(ctx, "", "flux", "jobs", "--no-header", "--format={state}", id)
	if err != nil {
		return "", err
	}
	if fields := strings.Fields(out); len(fields) > 0 {
		return fields[0], nil
	}
	return "UNKNOWN", nil
}

func isActiveStatus(scheduler, status string) bool {
	s := strings.ToUpper(strings.TrimSpace(status))
	if scheduler == "flux" {
		switch s {
		case "DEPEND", "PRIORITY", "SCHED", "RUN", "CLEANUP":
			return true
		}
		return false
	}
	switch s {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "SUSPENDED", "RESV_DEL_HOLD", "SPECIAL_EXIT",
		"REQUEUED", "RESIZING":
		return true
	}
	return false
}
