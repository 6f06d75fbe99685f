// Package config loads the declarative description of machines, parameter
// studies and simulation cases, plus the per-user defaults file.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownStudy   = errors.New("unknown study")
	ErrUnknownCase    = errors.New("unknown case")
	ErrUnknownMachine = errors.New("unknown machine")
)

const (
	MachinesFile = "machines.yaml"
	StudiesFile  = "studies.yaml"
	CasesFile    = "cases.yaml"
)

//go:embed defaults/*.yaml
var defaults embed.FS

type Machines struct {
	Machines map[string]Machine  `yaml:"machines" json:"machines"`
	Groups   map[string][]string `yaml:"machine_groups" json:"machine_groups"`
}

type Machine struct {
	DisplayName string            `yaml:"display_name" json:"display_name"`
	EnvVar      string            `yaml:"env_var" json:"env_var"`
	Scheduler   string            `yaml:"scheduler" json:"scheduler"`
	BatchMode   bool              `yaml:"batch_mode" json:"batch_mode"`
	Tasks       int               `yaml:"tasks" json:"tasks"`
	Nodes       int               `yaml:"nodes" json:"nodes"`
	GPUs        int               `yaml:"gpus" json:"gpus"`
	Queue       string            `yaml:"queue" json:"queue"`
	Walltime    string            `yaml:"walltime" json:"walltime"`
	MPILauncher string            `yaml:"mpi_launcher" json:"mpi_launcher"`
	MPIFlags    string            `yaml:"mpi_flags" json:"mpi_flags"`
	GPUAwareMPI string            `yaml:"gpu_aware_mpi" json:"gpu_aware_mpi"`
	Account     string            `yaml:"account" json:"account"`
	Constraint  string            `yaml:"constraint" json:"constraint"`
	SubmitHost  string            `yaml:"submit_host" json:"submit_host"`
	EnvSetup    map[string]string `yaml:"env_setup" json:"env_setup"`
}

type Studies struct {
	Studies map[string]Study `yaml:"studies" json:"studies"`
	Plot    PlotConfig       `yaml:"plot_config" json:"plot_config"`
}

type Study struct {
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description" json:"description"`
	Cases       []string            `yaml:"cases" json:"cases"`
	Parameters  []Parameter         `yaml:"parameters" json:"parameters"`
	Baseline    map[string]any      `yaml:"baseline" json:"baseline"`
	DataFiles   map[string][]string `yaml:"data_files" json:"data_files"`
	Ensemble    EnsembleConfig      `yaml:"ensemble" json:"ensemble"`
	Plot        PlotConfig          `yaml:"plot" json:"plot"`
}

// Parameter is one sweep axis. Values keep the scalar types YAML decoded them
// to (int, float64 or bool).
type Parameter struct {
	Name   string `yaml:"name" json:"name"`
	Abbrev string `yaml:"abbrev" json:"abbrev"`
	Key    string `yaml:"key" json:"key"`
	Format string `yaml:"format" json:"format"`
	Values []any  `yaml:"values" json:"values"`
}

type EnsembleConfig struct {
	Runs     int    `yaml:"runs" json:"runs"`
	SeedKey  string `yaml:"seed_key" json:"seed_key"`
	BaseSeed int64  `yaml:"base_seed" json:"base_seed"`
}

type PlotConfig struct {
	GroupBy   string    `yaml:"group_by" json:"group_by"`
	SeriesBy  string    `yaml:"series_by" json:"series_by"`
	MaxSeries int       `yaml:"max_series" json:"max_series"`
	XRange    []float64 `yaml:"xrange" json:"xrange"`
	Width     float64   `yaml:"width" json:"width"`
	Height    float64   `yaml:"height" json:"height"`
	Format    string    `yaml:"format" json:"format"`
}

type Cases struct {
	Cases  map[string]Case     `yaml:"test_cases" json:"test_cases"`
	Groups map[string][]string `yaml:"test_groups" json:"test_groups"`
}

type Case struct {
	Name        string                      `yaml:"name" json:"name"`
	Description string                      `yaml:"description" json:"description"`
	InputFile   string                      `yaml:"input_file" json:"input_file"`
	DataFiles   []string                    `yaml:"data_files" json:"data_files"`
	Tags        []string                    `yaml:"tags" json:"tags"`
	Diseases    []string                    `yaml:"disease_names" json:"disease_names"`
	Overrides   map[string]ResourceOverride `yaml:"overrides" json:"overrides"`
}

type ResourceOverride struct {
	Tasks int  `yaml:"tasks" json:"tasks"`
	GPUs  *int `yaml:"gpus" json:"gpus"`
}

// Bundle is the full configuration surface loaded from one directory.
type Bundle struct {
	Machines Machines
	Studies  Studies
	Cases    Cases

	// Sources records where each file came from ("embedded" or a path).
	Sources map[string]string
}

// Load reads machines.yaml, studies.yaml and cases.yaml from dir. A file that
// does not exist in dir falls back to the copy compiled into the binary.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{Sources: make(map[string]string)}
	targets := []struct {
		name string
		dst  any
	}{
		{MachinesFile, &b.Machines},
		{StudiesFile, &b.Studies},
		{CasesFile, &b.Cases},
	}
	for _, t := range targets {
		data, src, err := readConfigFile(dir, t.name)
		if err != nil {
			return nil, err
		}
		if err := unmarshalConfigData(data, filepath.Ext(t.name), t.dst); err != nil {
			return nil, fmt.Errorf("parse %s: %w", src, err)
		}
		b.Sources[t.name] = src
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func readConfigFile(dir, name string) ([]byte, string, error) {
	if dir != "" {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
	}
	data, err := defaults.ReadFile("defaults/" + name)
	if err != nil {
		return nil, "", fmt.Errorf("embedded %s: %w", name, err)
	}
	return data, "embedded", nil
}

func (b *Bundle) validate() error {
	if len(b.Machines.Machines) == 0 {
		return fmt.Errorf("%s defines no machines", b.Sources[MachinesFile])
	}
	for name, m := range b.Machines.Machines {
		switch m.Scheduler {
		case "", "none", "slurm", "flux":
		default:
			return fmt.Errorf("machine %s: unsupported scheduler %q", name, m.Scheduler)
		}
	}
	for group, members := range b.Machines.Groups {
		for _, m := range members {
			if _, ok := b.Machines.Machines[m]; !ok {
				return fmt.Errorf("machine group %s: %w %q", group, ErrUnknownMachine, m)
			}
		}
	}
	for name, s := range b.Studies.Studies {
		if len(s.Parameters) == 0 {
			return fmt.Errorf("study %s: no parameters", name)
		}
		for i, p := range s.Parameters {
			if p.Name == "" {
				return fmt.Errorf("study %s: parameter %d has no name", name, i+1)
			}
			if len(p.Values) == 0 {
				return fmt.Errorf("study %s: parameter %s has no values", name, p.Name)
			}
		}
	}
	return nil
}

// Study returns the named study.
func (b *Bundle) Study(name string) (Study, error) {
	s, ok := b.Studies.Studies[name]
	if !ok {
		return Study{}, fmt.Errorf("%w %q (available: %s)", ErrUnknownStudy, name,
			strings.Join(SortedKeys(b.Studies.Studies), ", "))
	}
	return s, nil
}

// StudyCase checks that caseName is one of the study's cases and returns the
// case definition. Cases listed by a study but absent from cases.yaml get the
// conventional inputs.<case> input file.
func (b *Bundle) StudyCase(study Study, studyName, caseName string) (Case, error) {
	found := false
	for _, c := range study.Cases {
		if c == caseName {
			found = true
			break
		}
	}
	if !found {
		return Case{}, fmt.Errorf("%w %q for study %s (available: %s)", ErrUnknownCase, caseName,
			studyName, strings.Join(study.Cases, ", "))
	}
	c := b.Cases.Cases[caseName]
	if c.InputFile == "" {
		c.InputFile = "inputs." + caseName
	}
	if c.Name == "" {
		c.Name = caseName
	}
	c.DataFiles = mergeFiles(study.DataFiles[caseName], c.DataFiles)
	return c, nil
}

// ResolveCases expands case names, groups and "all" into a sorted set.
// Unknown names are returned separately so callers can warn about them.
func (b *Bundle) ResolveCases(names []string) (resolved, unknown []string) {
	set := make(map[string]struct{})
	for _, name := range names {
		switch {
		case name == "all":
			for c := range b.Cases.Cases {
				set[c] = struct{}{}
			}
		case len(b.Cases.Groups[name]) > 0:
			for _, c := range b.Cases.Groups[name] {
				set[c] = struct{}{}
			}
		default:
			if _, ok := b.Cases.Cases[name]; ok {
				set[name] = struct{}{}
			} else {
				unknown = append(unknown, name)
			}
		}
	}
	for c := range set {
		resolved = append(resolved, c)
	}
	sort.Strings(resolved)
	return resolved, unknown
}

func mergeFiles(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, f := range l {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unmarshalConfigData(data []byte, ext string, target any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch strings.ToLower(ext) {
	case ".json":
		return json.Unmarshal(trimmed, target)
	default:
		return yaml.Unmarshal(trimmed, target)
	}
}
