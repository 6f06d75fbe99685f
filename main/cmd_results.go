package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"exasweep/internal/config"
	"exasweep/internal/dispatch"
	"exasweep/internal/ensemble"
	"exasweep/internal/ledger"
	"exasweep/internal/platform"
	"exasweep/internal/render"
	"exasweep/internal/runstate"
	"exasweep/internal/sweep"
	"exasweep/internal/table"
)

var (
	plotAll    bool
	plotFormat string
	plotDir    string

	baselinePath string
	testPath     string
	tolerance    float64
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute per-day ensemble statistics",
	Long: `Reads run_*/output.dat (or output_<disease>.dat) of the ensemble directory of
each selected case, excludes unusable runs with a reason, truncates the rest
to the shortest run and writes <output>_summary_{mean,std,min,max}.dat next to
them. Refuses while any member is still running.`,
	RunE: runAggregate,
}

var plotCmd = &cobra.Command{
	Use:   "plot",
	Short: "Draw sweep or ensemble charts",
	Long: `Draws one chart per group and metric for a sweep, or one chart per derived
quantity for an ensemble. Images go to <root>/<study>/plots unless --out is
given. With --all every study, case and machine that has output is plotted
and failures are collected into one report.`,
	RunE: runPlot,
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare a test run against a baseline run",
	Long: `Computes L1, L2 and L-infinity norms of the difference between two output
tables for each compared quantity and fails when any relative L2 norm exceeds
--tolerance. Either argument may be a run directory or an output file.`,
	Example: `  exasweep compare --baseline regtests/CA.perlmutter --test runs/CA.perlmutter`,
	RunE:    runCompare,
}

func init() {
	addSelectionFlags(aggregateCmd)
	aggregateCmd.Flags().StringVar(&diseaseName, "disease", "", "Disease output to aggregate (default: every disease of the case)")

	addSelectionFlags(plotCmd)
	plotCmd.Flags().BoolVar(&ensembleMode, "ensemble", false, "Plot the ensemble summary instead of the sweep")
	plotCmd.Flags().StringVar(&diseaseName, "disease", "", "Disease output to plot (default: every disease of the case)")
	plotCmd.Flags().BoolVar(&plotAll, "all", false, "Plot every study, case and machine with output")
	plotCmd.Flags().StringVar(&plotFormat, "format", "", "Image format: png, svg, pdf or eps (default from studies.yaml)")
	plotCmd.Flags().StringVarP(&plotDir, "out", "o", "", "Output directory for images")

	compareCmd.Flags().StringVar(&baselinePath, "baseline", "", "Baseline run directory or output file")
	compareCmd.Flags().StringVar(&testPath, "test", "", "Test run directory or output file")
	compareCmd.Flags().Float64Var(&tolerance, "tolerance", 1e-6, "Maximum relative L2 norm per quantity")
	compareCmd.Flags().StringVar(&diseaseName, "disease", "", "Disease output to compare")
	compareCmd.Flags().StringVarP(&plotDir, "out", "o", "", "Also draw overlay charts into this directory")
	_ = compareCmd.MarkFlagRequired("baseline")
	_ = compareCmd.MarkFlagRequired("test")
}

var errAggregate = errors.New("aggregation failed")

func runAggregate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()

	b, err := loadBundle()
	if err != nil {
		return err
	}
	p, err := resolvePlatform(b)
	if err != nil {
		return err
	}
	targets, err := selectTargets(b, p)
	if err != nil {
		return err
	}
	checker := runstate.NewChecker(dispatch.LogName(p.Name), jobQuerier(p), logger)

	rec := beginSweep(ctx, "aggregate", targets)
	var counts ledger.Counts
	var failed []string
	for _, t := range targets {
		for _, d := range diseases(t.kase) {
			label := t.String()
			if d != "" {
				label += " " + d
			}
			res, err := aggregateEnsemble(ctx, t, d, checker)
			if err != nil {
				fmt.Fprintf(out, "%s %s: %v\n", failStyle.Render("FAILED"), label, err)
				failed = append(failed, label)
				counts.Failed++
				continue
			}
			counts.Total += res.Total
			counts.Succeeded += len(res.Used)
			counts.Skipped += len(res.Excluded)
			printAggregate(out, label, res)
		}
	}
	rec.finish(ctx, counts)
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", errAggregate, strings.Join(failed, ", "))
	}
	return nil
}

func aggregateEnsemble(ctx context.Context, t target, disease string, checker *runstate.Checker) (*ensemble.Result, error) {
	dir := t.ensembleDir()
	res, err := ensemble.Aggregate(ctx, dir, ensemble.Options{Disease: disease, Checker: checker, Logger: logger})
	if err != nil {
		return nil, err
	}
	if _, err := ensemble.Write(res, dir); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	return res, nil
}

func printAggregate(out io.Writer, label string, res *ensemble.Result) {
	fmt.Fprintf(out, "%s: %s, %d days\n", label, res.Summary(), res.Rows)
	for _, x := range res.Excluded {
		fmt.Fprintf(out, "  excluded %s: %s\n", x.Name, x.Reason)
	}
	o := res.Outcomes
	fmt.Fprintf(out, "  peak infected   %12.1f ± %.1f\n", o.PeakInfected.Mean, o.PeakInfected.Std)
	fmt.Fprintf(out, "  peak day        %12.1f ± %.1f\n", o.PeakDay.Mean, o.PeakDay.Std)
	fmt.Fprintf(out, "  deaths          %12.1f ± %.1f\n", o.CumulativeDeath.Mean, o.CumulativeDeath.Std)
	fmt.Fprintf(out, "  waves           %12.1f ± %.1f\n", o.Waves.Mean, o.Waves.Std)
	fmt.Fprintf(out, "  wrote %s_{%s}.dat\n", ensemble.SummaryBase(res.Disease), strings.Join(ensemble.Statistics, ","))
}

func runPlot(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	out := cmd.OutOrStdout()

	b, err := loadBundle()
	if err != nil {
		return err
	}
	var targets []target
	if plotAll {
		targets, err = allTargets(b)
	} else {
		var p *platform.Platform
		if p, err = resolvePlatform(b); err == nil {
			targets, err = selectTargets(b, p)
		}
	}
	if err != nil {
		return err
	}

	report := render.NewBatchReport()
	for _, t := range targets {
		for _, d := range diseases(t.kase) {
			label := t.String()
			if d != "" {
				label += " " + d
			}
			files, err := plotTarget(ctx, b, t, d)
			if plotAll && errors.Is(err, render.ErrNoData) {
				logger.Debug("nothing to plot", zap.String("target", label), zap.Error(err))
				continue
			}
			report.Add(label, files, err)
		}
	}
	for _, line := range report.Lines() {
		fmt.Fprintln(out, line)
	}
	return report.Err()
}

// allTargets is every study and case on --machine, or on every configured
// machine when none is given.
func allTargets(b *config.Bundle) ([]target, error) {
	machines := config.SortedKeys(b.Machines.Machines)
	if machineName != "" {
		machines = []string{machineName}
	}
	var targets []target
	for _, m := range machines {
		mc, ok := b.Machines.Machines[m]
		if !ok {
			return nil, fmt.Errorf("%w %q", platform.ErrUnknownPlatform, m)
		}
		p, err := platform.FromConfig(m, mc)
		if err != nil {
			return nil, err
		}
		for _, key := range config.SortedKeys(b.Studies.Studies) {
			st := b.Studies.Studies[key]
			for _, cs := range st.Cases {
				c, err := b.StudyCase(st, key, cs)
				if err != nil {
					return nil, err
				}
				plan, err := sweep.PlanForStudy(st, cs, m)
				if err != nil {
					return nil, fmt.Errorf("study %s case %s: %w", key, cs, err)
				}
				targets = append(targets, target{study: key, cfg: st, caseName: cs, kase: c,
					platform: p.WithCase(c), plan: plan})
			}
		}
	}
	return targets, nil
}

func plotOptions(b *config.Bundle, t target, disease string) render.Options {
	dir := plotDir
	if dir == "" {
		dir = filepath.Join(t.dir(), "plots")
	}
	if disease != "" {
		dir = filepath.Join(dir, disease)
	}
	o := render.OptionsFromConfig(b.Studies.Plot, t.cfg.Plot, dir)
	if plotFormat != "" {
		o.Format = plotFormat
	}
	o.Logger = logger
	return o
}

func plotTarget(ctx context.Context, b *config.Bundle, t target, disease string) ([]string, error) {
	o := plotOptions(b, t, disease)
	machine := t.platform.Name
	if ensembleMode {
		dir := t.ensembleDir()
		res, err := ensemble.ReadSummary(dir, disease)
		if errors.Is(err, fs.ErrNotExist) {
			// no summary yet: aggregate on the fly without writing it
			res, err = ensemble.Aggregate(ctx, dir, ensemble.Options{Disease: disease, Logger: logger})
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ensemble.ErrNoUsableRuns) {
				return nil, fmt.Errorf("%w: %v", render.ErrNoData, err)
			}
		}
		if err != nil {
			return nil, err
		}
		base := strings.Join([]string{t.study, t.caseName, machine, "ensemble"}, "_")
		return render.Ensemble(res, t.caseName+" "+machine, base, o)
	}

	runs, err := render.LoadRuns(t.dir(), t.caseName, machine, t.plan, disease, dispatch.LogName(machine), logger)
	if err != nil {
		return nil, err
	}
	chart := render.SweepChart{
		Study:     t.study,
		Case:      t.caseName,
		Machine:   machine,
		Axes:      t.plan.Axes,
		GroupBy:   t.cfg.Plot.GroupBy,
		SeriesBy:  t.cfg.Plot.SeriesBy,
		MaxSeries: t.cfg.Plot.MaxSeries,
	}
	return chart.Render(runs, o)
}

var errRegression = errors.New("regression check failed")

// readOutputArg accepts a run directory or an output file.
func readOutputArg(path, disease string) (*table.Table, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		path = filepath.Join(path, table.OutputFile(disease))
	}
	return table.ReadOutput(path)
}

func runCompare(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	base, err := readOutputArg(baselinePath, diseaseName)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}
	test, err := readOutputArg(testPath, diseaseName)
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	norms, err := table.Compare(base, test, table.CompareMetrics)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-18s %12s %12s %12s %12s %12s %12s\n", "QUANTITY", "L1", "L2", "LINF", "L1_REL", "L2_REL", "LINF_REL")
	var over []string
	for _, n := range norms {
		mark := okStyle.Render("ok")
		if n.L2Rel > tolerance {
			mark = failStyle.Render("FAIL")
			over = append(over, n.Metric)
		}
		fmt.Fprintf(out, "%-18s %12.4e %12.4e %12.4e %12.4e %12.4e %12.4e %s\n", n.Metric,
			n.L1, n.L2, n.LInf, n.L1Rel, n.L2Rel, n.LInfRel, mark)
	}
	if plotDir != "" {
		files, err := render.Compare(base, test, table.CompareMetrics, filepath.Base(testPath), "compare",
			render.Options{OutDir: plotDir, Logger: logger})
		if err != nil {
			return fmt.Errorf("plot comparison: %w", err)
		}
		fmt.Fprintf(out, "wrote %d charts to %s\n", len(files), plotDir)
	}
	if len(over) > 0 {
		return fmt.Errorf("%w: %s exceed relative L2 tolerance %g", errRegression, strings.Join(over, ", "), tolerance)
	}
	fmt.Fprintf(out, "PASS (tolerance %g)\n", tolerance)
	return nil
}
