package render

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"exasweep/internal/ensemble"
	"exasweep/internal/table"
)

var (
	bandColor   = color.RGBA{R: 31, G: 119, B: 180, A: 64}
	extremaGray = color.Gray{Y: 110}
)

// Ensemble draws one chart per derived quantity of r: the mean, a band of
// one standard deviation around it, and dashed minimum and maximum lines.
// Files are named <base>_<quantity>.
func Ensemble(r *ensemble.Result, title, base string, o Options) ([]string, error) {
	if r == nil || len(r.Days) == 0 || len(r.Quantities) == 0 {
		return nil, fmt.Errorf("%w: empty ensemble summary", ErrNoData)
	}
	var files []string
	for _, q := range r.Quantities {
		heading := title + ": " + q.Name
		// summaries read back from disk do not know their run counts
		if r.Total > 0 {
			heading += " (" + r.Summary() + ")"
		}
		p := newPlot(heading, q.Name, o)
		if err := drawEnsemble(p, r.Days, q); err != nil {
			return files, fmt.Errorf("%s: %w", q.Name, err)
		}
		var yr yRange
		yr.observe(q.Max)
		yr.observe(q.Mean)
		yr.apply(p)
		path, err := o.save(p, base+"_"+slug(q.Name))
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

func drawEnsemble(p *plot.Plot, days []float64, q ensemble.Quantity) error {
	n := len(days)
	if len(q.Std) == n {
		ring := make(plotter.XYs, 0, 2*n)
		for i := 0; i < n; i++ {
			ring = append(ring, plotter.XY{X: days[i], Y: q.Mean[i] + q.Std[i]})
		}
		for i := n - 1; i >= 0; i-- {
			lo := q.Mean[i] - q.Std[i]
			if lo < 0 {
				lo = 0
			}
			ring = append(ring, plotter.XY{X: days[i], Y: lo})
		}
		band, err := plotter.NewPolygon(ring)
		if err != nil {
			return err
		}
		band.Color = bandColor
		band.LineStyle.Width = 0
		p.Add(band)
		p.Legend.Add("mean ± std", band)
	}

	mean, err := plotter.NewLine(xys(days, q.Mean, false))
	if err != nil {
		return err
	}
	mean.LineStyle.Color = plotutil.Color(0)
	mean.LineStyle.Width = vg.Points(2)
	p.Add(mean)
	p.Legend.Add("mean", mean)

	for _, ext := range []struct {
		name string
		vals []float64
	}{{"min", q.Min}, {"max", q.Max}} {
		if len(ext.vals) != n {
			continue
		}
		l, err := plotter.NewLine(xys(days, ext.vals, false))
		if err != nil {
			return err
		}
		l.LineStyle.Color = extremaGray
		l.LineStyle.Width = vg.Points(1)
		l.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(l)
		p.Legend.Add(ext.name, l)
	}
	return nil
}

// Compare overlays a test run on a baseline run, one chart per metric.
func Compare(baseline, test *table.Table, metrics []table.Metric, title, base string, o Options) ([]string, error) {
	if baseline == nil || test == nil || baseline.Len() == 0 || test.Len() == 0 {
		return nil, fmt.Errorf("%w: comparison needs two non-empty tables", ErrNoData)
	}
	var files []string
	for _, m := range metrics {
		p := newPlot(title+": "+m.Name, m.Name, o)
		bv, tv := m.Values(baseline), m.Values(test)
		if err := addBaseline(p, xys(baseline.Days(), bv, m.LogScale)); err != nil {
			return files, err
		}
		if err := addSeries(p, "test", xys(test.Days(), tv, m.LogScale), StyleFor(0)); err != nil {
			return files, err
		}
		yr := yRange{log: m.LogScale}
		yr.observe(bv)
		yr.observe(tv)
		yr.apply(p)
		path, err := o.save(p, base+"_"+slug(m.Name))
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}
