package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment is the snapshot of process environment the tool depends on.
// It is captured once at the command-line boundary and passed down.
type Environment struct {
	ExaEpiBuild string
	ExaEpiDir   string
	LCHost      string
	NERSCHost   string
	Home        string

	vars map[string]string
}

// CaptureEnvironment reads the relevant variables through lookup
// (os.LookupEnv in production).
func CaptureEnvironment(lookup func(string) (string, bool)) Environment {
	get := func(k string) string {
		v, _ := lookup(k)
		return strings.TrimSpace(v)
	}
	env := Environment{
		ExaEpiBuild: get("EXAEPI_BUILD"),
		ExaEpiDir:   get("EXAEPI_DIR"),
		LCHost:      get("LCHOST"),
		NERSCHost:   get("NERSC_HOST"),
		Home:        get("HOME"),
		vars:        make(map[string]string),
	}
	for _, k := range []string{"EXAEPI_BUILD", "EXAEPI_DIR", "LCHOST", "NERSC_HOST", "HOSTNAME"} {
		if v := get(k); v != "" {
			env.vars[k] = v
		}
	}
	return env
}

// Var returns a captured variable by name. Only the variables captured by
// CaptureEnvironment are visible.
func (e Environment) Var(name string) string {
	switch name {
	case "EXAEPI_BUILD":
		return e.ExaEpiBuild
	case "EXAEPI_DIR":
		return e.ExaEpiDir
	case "LCHOST":
		return e.LCHost
	case "NERSC_HOST":
		return e.NERSCHost
	}
	return e.vars[name]
}

// UserConfig holds per-user defaults from ~/.exasweep/config.(yaml|yml|json).
type UserConfig struct {
	Defaults Profile            `yaml:"defaults" json:"defaults"`
	Profiles map[string]Profile `yaml:"profiles" json:"profiles"`
	path     string
}

type Profile struct {
	Machine     string `yaml:"machine" json:"machine"`
	MaxParallel int    `yaml:"max_parallel" json:"max_parallel"`
	Root        string `yaml:"root" json:"root"`
	ConfigDir   string `yaml:"config_dir" json:"config_dir"`
	Ledger      string `yaml:"ledger" json:"ledger"`
}

func (c *UserConfig) Path() string { return c.path }

// Resolve layers the named profile over the defaults. An empty name returns
// the defaults alone.
func (c *UserConfig) Resolve(name string) (Profile, error) {
	if c == nil {
		if name != "" {
			return Profile{}, fmt.Errorf("profile %q requested but no user config file found", name)
		}
		return Profile{}, nil
	}
	p := c.Defaults
	if name == "" {
		return p, nil
	}
	prof, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in %s", name, c.path)
	}
	if prof.Machine != "" {
		p.Machine = prof.Machine
	}
	if prof.MaxParallel > 0 {
		p.MaxParallel = prof.MaxParallel
	}
	if prof.Root != "" {
		p.Root = prof.Root
	}
	if prof.ConfigDir != "" {
		p.ConfigDir = prof.ConfigDir
	}
	if prof.Ledger != "" {
		p.Ledger = prof.Ledger
	}
	return p, nil
}

// StateDir returns ~/.exasweep, creating it if needed.
func StateDir(home string) (string, error) {
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", err
		}
	}
	dir := filepath.Join(home, ".exasweep")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// LoadUserConfig returns nil, nil when no user config file exists.
func LoadUserConfig(home string) (*UserConfig, error) {
	dir, err := StateDir(home)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		cfg := &UserConfig{
			Profiles: make(map[string]Profile),
			path:     path,
		}
		if err := unmarshalConfigData(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Profiles == nil {
			cfg.Profiles = make(map[string]Profile)
		}
		return cfg, nil
	}
	return nil, nil
}

// ExpandPath resolves a leading ~ against home and makes p absolute.
func ExpandPath(p, home string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		if home == "" {
			var err error
			home, err = os.UserHomeDir()
			if err != nil {
				return "", err
			}
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
		if rest == "" {
			p = home
		} else {
			p = filepath.Join(home, rest)
		}
	}
	return filepath.Abs(p)
}
