// Package ensemble aggregates the output tables of repeated stochastic runs
// into per-day mean, standard deviation, minimum and maximum.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"exasweep/internal/runstate"
	"exasweep/internal/table"
)

var (
	ErrNoUsableRuns = errors.New("no usable ensemble runs")
	ErrRunsPending  = errors.New("ensemble runs still running")
)

// Statistic suffixes of the summary files, in write order.
var Statistics = []string{"mean", "std", "min", "max"}

// SummaryHeader is the header line of every summary file.
var SummaryHeader = []string{"Day", "TotalInfected", "TotalHospitalized", "Deaths", "Recovered"}

type Options struct {
	Disease string
	// Checker, when set, is used to refuse aggregation while members run.
	Checker *runstate.Checker
	Logger  *zap.Logger
}

type Member struct {
	Name string
	Rows int
}

type Exclusion struct {
	Name   string
	Reason string
}

// Series holds one statistic track per derived quantity.
type Series struct {
	Mean, Std, Min, Max []float64
}

func (s Series) stat(name string) []float64 {
	switch name {
	case "std":
		return s.Std
	case "min":
		return s.Min
	case "max":
		return s.Max
	}
	return s.Mean
}

type Quantity struct {
	Name string
	Series
}

type Result struct {
	Dir      string
	Disease  string
	Total    int
	Used     []Member
	Excluded []Exclusion
	// Rows is the common length every used run was truncated to.
	Rows       int
	Days       []float64
	Quantities []Quantity
	Outcomes   Outcomes
}

// Summary is the operator-facing usage line.
func (r *Result) Summary() string {
	return fmt.Sprintf("used %d of %d runs", len(r.Used), r.Total)
}

// Quantity returns the named derived quantity.
func (r *Result) Quantity(name string) (Quantity, bool) {
	for _, q := range r.Quantities {
		if q.Name == name {
			return q, true
		}
	}
	return Quantity{}, false
}

// Members lists the run_* subdirectories of dir in name order.
func Members(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Aggregate reads run_*/<output file> under dir. Runs whose file is missing,
// unreadable, too narrow or empty are excluded with a reason; the rest are
// truncated to the shortest of them.
func Aggregate(ctx context.Context, dir string, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	names, err := Members(dir)
	if err != nil {
		return nil, fmt.Errorf("list ensemble %s: %w", dir, err)
	}
	res := &Result{Dir: dir, Disease: opts.Disease, Total: len(names)}
	if len(names) == 0 {
		return res, fmt.Errorf("%w: %s has no run_* directories", ErrNoUsableRuns, dir)
	}

	if opts.Checker != nil {
		var pending []string
		for _, n := range names {
			r, err := opts.Checker.Check(ctx, filepath.Join(dir, n))
			if err != nil {
				return nil, err
			}
			if r.State == runstate.Running {
				pending = append(pending, n)
			}
		}
		if len(pending) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrRunsPending, strings.Join(pending, ", "))
		}
	}

	file := table.OutputFile(opts.Disease)
	var tables []*table.Table
	for _, n := range names {
		t, err := table.ReadOutput(filepath.Join(dir, n, file))
		if err != nil {
			reason := err.Error()
			switch {
			case errors.Is(err, fs.ErrNotExist):
				reason = "missing " + file
			case errors.Is(err, table.ErrTooFewColumns):
				reason = "too few columns"
			case errors.Is(err, table.ErrEmpty):
				reason = "no data rows"
			}
			logger.Warn("excluding ensemble run", zap.String("run", n), zap.String("reason", reason))
			res.Excluded = append(res.Excluded, Exclusion{Name: n, Reason: reason})
			continue
		}
		res.Used = append(res.Used, Member{Name: n, Rows: t.Len()})
		tables = append(tables, t)
	}
	if len(tables) == 0 {
		return res, fmt.Errorf("%w: %s (%d excluded)", ErrNoUsableRuns, dir, len(res.Excluded))
	}

	res.Rows = tables[0].Len()
	for _, t := range tables[1:] {
		if t.Len() < res.Rows {
			res.Rows = t.Len()
		}
	}
	for _, t := range tables {
		t.Truncate(res.Rows)
	}
	res.Days = tables[0].Days()

	perRun := make([][][]float64, len(table.EnsembleMetrics)) // metric -> run -> day
	for mi, m := range table.EnsembleMetrics {
		perRun[mi] = make([][]float64, len(tables))
		for ri, t := range tables {
			perRun[mi][ri] = m.Values(t)
		}
		res.Quantities = append(res.Quantities, Quantity{Name: m.Name, Series: reduce(perRun[mi], res.Rows)})
	}
	res.Outcomes = computeOutcomes(res.Days, perRun[0], perRun[2])
	logger.Info("aggregated ensemble", zap.String("dir", dir), zap.Int("used", len(res.Used)),
		zap.Int("total", res.Total), zap.Int("rows", res.Rows))
	return res, nil
}

// reduce computes per-day statistics across runs. Std is the population
// standard deviation.
func reduce(runs [][]float64, rows int) Series {
	s := Series{
		Mean: make([]float64, rows),
		Std:  make([]float64, rows),
		Min:  make([]float64, rows),
		Max:  make([]float64, rows),
	}
	col := make([]float64, len(runs))
	for d := 0; d < rows; d++ {
		for r := range runs {
			col[r] = runs[r][d]
		}
		s.Mean[d], s.Std[d] = stat.PopMeanStdDev(col, nil)
		s.Min[d] = floats.Min(col)
		s.Max[d] = floats.Max(col)
	}
	return s
}

// SummaryBase is the file name stem of the summary files.
func SummaryBase(disease string) string {
	return strings.TrimSuffix(table.OutputFile(disease), ".dat") + "_summary"
}

// Write saves <base>_summary_{mean,std,min,max}.dat into dir and returns the
// paths written.
func Write(r *Result, dir string) ([]string, error) {
	base := SummaryBase(r.Disease)
	var paths []string
	for _, st := range Statistics {
		path := filepath.Join(dir, base+"_"+st+".dat")
		cols := [][]float64{r.Days}
		for _, q := range r.Quantities {
			cols = append(cols, q.stat(st))
		}
		if err := writeFile(path, cols); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, cols [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := table.Write(f, SummaryHeader, cols...); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ReadSummary loads previously written summary files for plotting.
func ReadSummary(dir, disease string) (*Result, error) {
	base := SummaryBase(disease)
	tables := make(map[string]*table.Table, len(Statistics))
	for _, st := range Statistics {
		t, err := table.Read(filepath.Join(dir, base+"_"+st+".dat"), len(SummaryHeader))
		if err != nil {
			return nil, err
		}
		tables[st] = t
	}
	mean := tables["mean"]
	res := &Result{Dir: dir, Disease: disease, Rows: mean.Len(), Days: mean.Days()}
	for i, name := range SummaryHeader[1:] {
		col := i + 1
		res.Quantities = append(res.Quantities, Quantity{Name: name, Series: Series{
			Mean: mean.Column(col),
			Std:  tables["std"].Column(col),
			Min:  tables["min"].Column(col),
			Max:  tables["max"].Column(col),
		}})
	}
	return res, nil
}
