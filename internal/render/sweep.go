package render

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"exasweep/internal/sweep"
	"exasweep/internal/table"
)

// Run is one decoded run directory and its tables. Hospital is nil when the
// run has neither a hospital file nor overload lines in its log.
type Run struct {
	Key      sweep.RunKey
	Dir      string
	Output   *table.Table
	Hospital *table.Table
}

// LoadRuns finds the run directories of caseName on platform under studyDir,
// recovers their parameters from the directory names against plan and reads
// their output tables. Directories that do not decode or have no output yet
// are skipped.
func LoadRuns(studyDir, caseName, platform string, plan *sweep.Plan, disease, logName string, logger *zap.Logger) ([]Run, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dec, err := plan.Decoder()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(studyDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoData, studyDir)
		}
		return nil, err
	}
	prefix := sweep.RunPrefix(caseName, platform)
	var runs []Run
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		key, err := dec.Decode(e.Name())
		if err != nil {
			logger.Debug("skipping directory", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		dir := filepath.Join(studyDir, e.Name())
		out, err := table.ReadOutput(filepath.Join(dir, table.OutputFile(disease)))
		if err != nil {
			logger.Debug("skipping run without usable output", zap.String("run", e.Name()), zap.Error(err))
			continue
		}
		run := Run{Key: key, Dir: dir, Output: out}
		if hosp, err := table.ReadHospital(dir, logName); err == nil && hosp.Len() > 0 {
			run.Hospital = hosp
		}
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no completed runs for %s on %s", ErrNoData, caseName, platform)
	}
	return runs, nil
}

// SweepChart describes the charts of one study/case/machine sweep.
type SweepChart struct {
	Study   string
	Case    string
	Machine string
	Axes    []sweep.Axis
	// GroupBy names the axis that splits runs into separate charts; the
	// first axis when empty.
	GroupBy string
	// SeriesBy names the axis whose value picks a series' color and glyph.
	// With two axes it defaults to the one not grouped by.
	SeriesBy  string
	MaxSeries int
	Metrics   []table.Metric
}

func axisIndex(axes []sweep.Axis, name string) int {
	for i, a := range axes {
		if a.Name == name || a.Abbrev == name {
			return i
		}
	}
	return -1
}

type group struct {
	value float64
	index int
	runs  []Run
}

// Render draws one chart per group and metric. Metrics no run has data for
// (hospital metrics of runs without overload output) are skipped.
func (c SweepChart) Render(runs []Run, o Options) ([]string, error) {
	if len(c.Axes) == 0 {
		return nil, fmt.Errorf("study %s has no parameters to group by", c.Study)
	}
	gi := 0
	if c.GroupBy != "" {
		if gi = axisIndex(c.Axes, c.GroupBy); gi < 0 {
			return nil, fmt.Errorf("group_by %q is not a parameter of %s", c.GroupBy, c.Study)
		}
	}
	si := -1
	switch {
	case c.SeriesBy != "":
		if si = axisIndex(c.Axes, c.SeriesBy); si < 0 {
			return nil, fmt.Errorf("series_by %q is not a parameter of %s", c.SeriesBy, c.Study)
		}
	case len(c.Axes) == 2:
		si = 1 - gi
	}
	metrics := c.Metrics
	if len(metrics) == 0 {
		metrics = table.SweepMetrics
	}

	var baseline *Run
	byValue := map[string]*group{}
	groupAxis := c.Axes[gi]
	for i := range runs {
		r := runs[i]
		if r.Key.Baseline {
			if baseline == nil {
				baseline = &runs[i]
			}
			continue
		}
		v, ok := r.Key.Value(groupAxis.Name)
		if !ok {
			continue
		}
		name := groupAxis.Format.Name(v)
		g, ok := byValue[name]
		if !ok {
			g = &group{value: v, index: groupAxis.Index(v)}
			byValue[name] = g
		}
		g.runs = append(g.runs, r)
	}
	if len(byValue) == 0 {
		return nil, fmt.Errorf("%w: no swept runs for %s on %s", ErrNoData, c.Case, c.Machine)
	}
	groups := make([]*group, 0, len(byValue))
	for _, g := range byValue {
		sortRuns(g.runs, c.Axes, si)
		if c.MaxSeries > 0 && len(g.runs) > c.MaxSeries {
			o.logger().Info("limiting series per chart", zap.Float64(groupAxis.Name, g.value),
				zap.Int("runs", len(g.runs)), zap.Int("max_series", c.MaxSeries))
			g.runs = g.runs[:c.MaxSeries]
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].value < groups[j].value })

	ranges := make([]yRange, len(metrics))
	for mi, m := range metrics {
		ranges[mi].log = m.LogScale
		if baseline != nil {
			if _, vals, ok := metricSeries(*baseline, m); ok {
				ranges[mi].observe(vals)
			}
		}
		for _, g := range groups {
			for _, r := range g.runs {
				if _, vals, ok := metricSeries(r, m); ok {
					ranges[mi].observe(vals)
				}
			}
		}
	}

	var files []string
	for _, g := range groups {
		frag := groupAxis.Abbrev + groupAxis.Format.Name(g.value)
		for mi, m := range metrics {
			p := newPlot(fmt.Sprintf("%s %s: %s = %s", c.Case, c.Machine, groupAxis.Name,
				groupAxis.Format.Arg(g.value)), m.Name, o)
			drawn := 0
			if baseline != nil {
				if days, vals, ok := metricSeries(*baseline, m); ok {
					if err := addBaseline(p, xys(days, vals, m.LogScale)); err != nil {
						return files, err
					}
					drawn++
				}
			}
			for pos, r := range g.runs {
				days, vals, ok := metricSeries(r, m)
				if !ok {
					continue
				}
				idx := pos
				if si >= 0 {
					if v, ok := r.Key.Value(c.Axes[si].Name); ok {
						idx = c.Axes[si].Index(v)
					}
				}
				if err := addSeries(p, seriesLabel(r.Key, c.Axes, gi, si), xys(days, vals, m.LogScale), StyleFor(idx)); err != nil {
					return files, err
				}
				drawn++
			}
			if drawn == 0 {
				continue
			}
			ranges[mi].apply(p)
			base := strings.Join([]string{c.Study, c.Case, c.Machine, frag, slug(m.Name)}, "_")
			path, err := o.save(p, base)
			if err != nil {
				return files, err
			}
			files = append(files, path)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: nothing to draw for %s on %s", ErrNoData, c.Case, c.Machine)
	}
	return files, nil
}

func metricSeries(r Run, m table.Metric) (days, vals []float64, ok bool) {
	t := r.Output
	if m.Hospital {
		t = r.Hospital
	}
	if t == nil || t.Len() == 0 {
		return nil, nil, false
	}
	return t.Days(), m.Values(t), true
}

// sortRuns orders a group by the series axis value, falling back to the
// directory name.
func sortRuns(runs []Run, axes []sweep.Axis, si int) {
	sort.SliceStable(runs, func(i, j int) bool {
		if si >= 0 {
			vi, _ := runs[i].Key.Value(axes[si].Name)
			vj, _ := runs[j].Key.Value(axes[si].Name)
			if vi != vj {
				return vi < vj
			}
		}
		return runs[i].Key.Encode() < runs[j].Key.Encode()
	})
}

// seriesLabel names a run by the series axis, or by every parameter other
// than the grouping one.
func seriesLabel(k sweep.RunKey, axes []sweep.Axis, gi, si int) string {
	if si >= 0 {
		a := axes[si]
		if v, ok := k.Value(a.Name); ok {
			return a.Abbrev + "=" + a.Format.Arg(v)
		}
	}
	var parts []string
	for _, p := range k.Params {
		if p.Name == axes[gi].Name && len(k.Params) > 1 {
			continue
		}
		parts = append(parts, p.Abbrev+"="+p.Format.Arg(p.Value))
	}
	return strings.Join(parts, ",")
}
