package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exasweep/internal/config"
	"exasweep/internal/dispatch"
	"exasweep/internal/ledger"
	"exasweep/internal/logging"
	"exasweep/internal/platform"
	"exasweep/internal/sweep"
)

var (
	// Global flags
	verbose     bool
	profileName string
	configDir   string
	rootDir     string
	ledgerPath  string
	noLedger    bool
	machineName string

	// Selection flags shared by the sweep commands
	studyName    string
	caseNames    []string
	maxParallel  int
	diseaseName  string
	ensembleMode bool

	logger *zap.Logger
	env    config.Environment
)

var rootCmd = &cobra.Command{
	Use:   "exasweep",
	Short: "Parameter sweeps and ensembles for the ExaEpi agent model",
	Long: `exasweep lays out, launches, monitors and post-processes parameter sweeps
of the ExaEpi agent-based epidemiology model, on workstations and on Slurm or
Flux clusters.

Machines, studies and cases are read from machines.yaml, studies.yaml and
cases.yaml in --config-dir. Files missing there fall back to built-in defaults.
EXAEPI_BUILD must point at the ExaEpi build tree; NERSC_HOST or LCHOST select
the machine unless --machine is given.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return err
		}
		env = config.CaptureEnvironment(os.LookupEnv)
		return applyProfile(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&profileName, "profile", "", "Profile from ~/.exasweep/config.yaml")
	pf.StringVar(&configDir, "config-dir", "config", "Directory with machines.yaml, studies.yaml and cases.yaml")
	pf.StringVar(&rootDir, "root", ".", "Directory holding one subdirectory per study")
	pf.StringVar(&ledgerPath, "ledger", "", "Sweep ledger database (default ~/.exasweep/sweeps.db)")
	pf.BoolVar(&noLedger, "no-ledger", false, "Do not record sweeps in the ledger")
	pf.StringVarP(&machineName, "machine", "m", "", "Target machine (default: detected from NERSC_HOST or LCHOST)")

	rootCmd.AddCommand(validateCmd, listCasesCmd, listStudiesCmd, listMachinesCmd)
	rootCmd.AddCommand(createCmd, runCmd, statusCmd)
	rootCmd.AddCommand(aggregateCmd, plotCmd, compareCmd)
	rootCmd.AddCommand(historyCmd, showCmd, serveCmd)
}

func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&studyName, "study", "s", "", "Study from studies.yaml")
	cmd.Flags().StringSliceVarP(&caseNames, "case", "c", nil,
		`Cases, case groups or "all" (default: every case of the study)`)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// applyProfile fills flags the user did not set from the user config file.
func applyProfile(cmd *cobra.Command) error {
	uc, err := config.LoadUserConfig(env.Home)
	if err != nil {
		return fmt.Errorf("load user config: %w", err)
	}
	prof, err := uc.Resolve(profileName)
	if err != nil {
		return err
	}
	unset := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && !f.Changed
	}
	if prof.Machine != "" && unset("machine") {
		machineName = prof.Machine
	}
	if prof.MaxParallel > 0 && unset("max-parallel") {
		maxParallel = prof.MaxParallel
	}
	for _, p := range []struct {
		flag, value string
		dst         *string
	}{
		{"root", prof.Root, &rootDir},
		{"config-dir", prof.ConfigDir, &configDir},
		{"ledger", prof.Ledger, &ledgerPath},
	} {
		if p.value != "" && unset(p.flag) {
			*p.dst = p.value
		}
		if *p.dst == "" {
			continue
		}
		expanded, err := config.ExpandPath(*p.dst, env.Home)
		if err != nil {
			return fmt.Errorf("--%s: %w", p.flag, err)
		}
		*p.dst = expanded
	}
	if uc != nil {
		logger.Debug("applied user config", zap.String("path", uc.Path()), zap.String("profile", profileName))
	}
	return nil
}

func loadBundle() (*config.Bundle, error) {
	b, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return b, nil
}

func resolvePlatform(b *config.Bundle) (*platform.Platform, error) {
	p, err := platform.Resolve(b.Machines, env, machineName)
	if err != nil {
		return nil, err
	}
	logger.Debug("resolved platform", zap.String("machine", p.Name), zap.Stringer("scheduler", p.Scheduler))
	return p, nil
}

// openLedger returns nil, nil when the ledger is disabled.
func openLedger() (*ledger.Ledger, error) {
	if noLedger {
		return nil, nil
	}
	path := ledgerPath
	if path == "" {
		dir, err := config.StateDir(env.Home)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, ledger.DefaultFile)
	}
	l, err := ledger.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return l, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// target is one study case on the resolved platform.
type target struct {
	study    string
	cfg      config.Study
	caseName string
	kase     config.Case
	platform *platform.Platform
	plan     *sweep.Plan
}

func (t target) dir() string { return filepath.Join(rootDir, t.study) }

func (t target) ensembleDir() string {
	return filepath.Join(t.dir(), sweep.EnsembleDir(t.caseName, t.platform.Name))
}

func (t target) runDirs() []string {
	names := t.plan.Names()
	dirs := make([]string, len(names))
	for i, n := range names {
		dirs[i] = filepath.Join(t.dir(), n)
	}
	return dirs
}

func (t target) materializer(exe string) *dispatch.Materializer {
	return &dispatch.Materializer{
		StudyDir: t.dir(),
		Platform: t.platform,
		CaseName: t.caseName,
		Case:     t.kase,
		Exe:      exe,
		Logger:   logger,
	}
}

func (t target) String() string { return t.study + "/" + t.caseName + "/" + t.platform.Name }

func requireStudy(b *config.Bundle) (config.Study, error) {
	if studyName == "" {
		return config.Study{}, fmt.Errorf("--study is required (available: %s)",
			strings.Join(config.SortedKeys(b.Studies.Studies), ", "))
	}
	return b.Study(studyName)
}

// selectTargets resolves --study and --case against the configuration.
func selectTargets(b *config.Bundle, p *platform.Platform) ([]target, error) {
	st, err := requireStudy(b)
	if err != nil {
		return nil, err
	}
	names, err := studyCases(b, st)
	if err != nil {
		return nil, err
	}
	targets := make([]target, 0, len(names))
	for _, name := range names {
		c, err := b.StudyCase(st, studyName, name)
		if err != nil {
			return nil, err
		}
		plan, err := sweep.PlanForStudy(st, name, p.Name)
		if err != nil {
			return nil, fmt.Errorf("study %s case %s: %w", studyName, name, err)
		}
		targets = append(targets, target{study: studyName, cfg: st, caseName: name, kase: c,
			platform: p.WithCase(c), plan: plan})
	}
	return targets, nil
}

// studyCases expands --case. Groups and "all" are narrowed to the cases the
// study lists; a case named explicitly must be one of them.
func studyCases(b *config.Bundle, st config.Study) ([]string, error) {
	if len(caseNames) == 0 {
		return st.Cases, nil
	}
	inStudy := make(map[string]bool, len(st.Cases))
	for _, c := range st.Cases {
		inStudy[c] = true
	}
	notInStudy := func(c string) error {
		return fmt.Errorf("%w %q for study %s (available: %s)", config.ErrUnknownCase, c, studyName,
			strings.Join(st.Cases, ", "))
	}
	seen := make(map[string]bool)
	var out []string
	for _, n := range caseNames {
		if _, ok := b.Cases.Cases[n]; ok && !inStudy[n] {
			return nil, notInStudy(n)
		}
	}
	resolved, unknown := b.ResolveCases(caseNames)
	for _, c := range resolved {
		if inStudy[c] && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range unknown {
		if !inStudy[c] {
			return nil, notInStudy(c)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s selects no case of study %s", config.ErrUnknownCase,
			strings.Join(caseNames, ","), studyName)
	}
	sort.Strings(out)
	return out, nil
}

// diseases returns the output files to process for a case: the --disease
// flag, every disease of a multi-disease case, or the single default output.
func diseases(c config.Case) []string {
	if diseaseName != "" {
		return []string{diseaseName}
	}
	if len(c.Diseases) > 0 {
		return c.Diseases
	}
	return []string{""}
}
