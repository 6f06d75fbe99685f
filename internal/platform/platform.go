// Package platform resolves the execution target and builds launch commands
// for it.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"exasweep/internal/config"
)

var ErrUnknownPlatform = errors.New("unknown platform")

type Scheduler int

const (
	None Scheduler = iota
	Slurm
	Flux
)

func (s Scheduler) String() string {
	switch s {
	case Slurm:
		return "slurm"
	case Flux:
		return "flux"
	}
	return "none"
}

func parseScheduler(s string) (Scheduler, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "slurm":
		return Slurm, nil
	case "flux":
		return Flux, nil
	}
	return None, fmt.Errorf("unsupported scheduler %q", s)
}

// Platform is the resolved, immutable description of one target machine.
type Platform struct {
	Name         string
	DisplayName  string
	Scheduler    Scheduler
	BatchMode    bool
	Tasks        int
	Nodes        int
	GPUs         int
	Queue        string
	Walltime     string
	MPILauncher  string
	MPIFlags     []string
	GPUAwareFlag string
	Account      string
	Constraint   string
	SubmitHost   string
	EnvSetup     map[string]string
}

// Resolve picks the platform. A non-empty override always wins and may name a
// machine or a machine group with exactly one member. Otherwise NERSC_HOST and
// then LCHOST are matched against the configured machines.
func Resolve(machines config.Machines, env config.Environment, override string) (*Platform, error) {
	if override != "" {
		name, err := resolveOverride(machines, override)
		if err != nil {
			return nil, err
		}
		return FromConfig(name, machines.Machines[name])
	}
	for _, v := range []string{"NERSC_HOST", "LCHOST"} {
		host := env.Var(v)
		if host == "" {
			continue
		}
		if name, ok := detect(machines, v, host); ok {
			return FromConfig(name, machines.Machines[name])
		}
	}
	return nil, fmt.Errorf("%w: NERSC_HOST=%q LCHOST=%q match no configured machine; pass --machine (one of %s)",
		ErrUnknownPlatform, env.NERSCHost, env.LCHost, strings.Join(config.SortedKeys(machines.Machines), ", "))
}

func resolveOverride(machines config.Machines, name string) (string, error) {
	if _, ok := machines.Machines[name]; ok {
		return name, nil
	}
	if members, ok := machines.Groups[name]; ok {
		if len(members) == 1 {
			return members[0], nil
		}
		return "", fmt.Errorf("%w: group %q has %d machines (%s); name one", ErrUnknownPlatform,
			name, len(members), strings.Join(members, ", "))
	}
	return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownPlatform, name,
		strings.Join(config.SortedKeys(machines.Machines), ", "))
}

// detect matches a host variable value: an exact machine name first, then a
// machine whose env_var is this variable and whose name appears in the value.
func detect(machines config.Machines, variable, host string) (string, bool) {
	if _, ok := machines.Machines[host]; ok {
		return host, true
	}
	lower := strings.ToLower(host)
	var candidates []string
	for name, m := range machines.Machines {
		if m.EnvVar == variable && strings.Contains(lower, strings.ToLower(name)) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	// longest name wins so "linux-gpu" beats "linux"
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) > len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}

// FromConfig converts one machines.yaml entry.
func FromConfig(name string, m config.Machine) (*Platform, error) {
	sched, err := parseScheduler(m.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("machine %s: %w", name, err)
	}
	p := &Platform{
		Name:         name,
		DisplayName:  m.DisplayName,
		Scheduler:    sched,
		BatchMode:    m.BatchMode,
		Tasks:        m.Tasks,
		Nodes:        m.Nodes,
		GPUs:         m.GPUs,
		Queue:        m.Queue,
		Walltime:     m.Walltime,
		MPILauncher:  m.MPILauncher,
		MPIFlags:     strings.Fields(m.MPIFlags),
		GPUAwareFlag: m.GPUAwareMPI,
		Account:      m.Account,
		Constraint:   m.Constraint,
		SubmitHost:   m.SubmitHost,
		EnvSetup:     make(map[string]string, len(m.EnvSetup)),
	}
	for k, v := range m.EnvSetup {
		p.EnvSetup[k] = v
	}
	if p.DisplayName == "" {
		p.DisplayName = name
	}
	if p.Tasks <= 0 {
		p.Tasks = 4
	}
	if p.Nodes <= 0 {
		p.Nodes = 1
	}
	if p.BatchMode && sched == None {
		return nil, fmt.Errorf("machine %s: batch_mode requires a scheduler", name)
	}
	return p, nil
}

// WithCase returns a copy with the case's resource overrides for this machine
// applied. A GPU override only lowers the count on machines that have GPUs.
func (p *Platform) WithCase(c config.Case) *Platform {
	cp := *p
	cp.EnvSetup = make(map[string]string, len(p.EnvSetup))
	for k, v := range p.EnvSetup {
		cp.EnvSetup[k] = v
	}
	cp.MPIFlags = append([]string(nil), p.MPIFlags...)
	o, ok := c.Overrides[p.Name]
	if !ok {
		return &cp
	}
	if o.Tasks > 0 {
		cp.Tasks = o.Tasks
	}
	if o.GPUs != nil && cp.GPUs > 0 {
		cp.GPUs = *o.GPUs
	}
	return &cp
}

// EnvKeys returns the EnvSetup keys in lexical order.
func (p *Platform) EnvKeys() []string { return config.SortedKeys(p.EnvSetup) }
