// Package render draws time-series charts of sweep and ensemble results.
package render

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"exasweep/internal/config"
)

// ErrNoData is returned when a chart request has no output files to draw.
var ErrNoData = errors.New("no output data")

const (
	DefaultWidth  = 20 * vg.Centimeter
	DefaultHeight = 12 * vg.Centimeter
	DefaultFormat = "png"

	headroom = 1.1
)

// Options controls chart layout and where images are written.
type Options struct {
	OutDir string
	Format string
	Width  vg.Length
	Height vg.Length
	// XRange limits the day axis when it holds two values.
	XRange []float64
	Logger *zap.Logger
}

// OptionsFromConfig merges a study's plot section over the global one.
// Width and height are in centimeters.
func OptionsFromConfig(global, study config.PlotConfig, outDir string) Options {
	merged := global
	if study.Width > 0 {
		merged.Width = study.Width
	}
	if study.Height > 0 {
		merged.Height = study.Height
	}
	if len(study.XRange) == 2 {
		merged.XRange = study.XRange
	}
	if study.Format != "" {
		merged.Format = study.Format
	}
	o := Options{OutDir: outDir, Format: merged.Format, XRange: merged.XRange}
	if merged.Width > 0 {
		o.Width = vg.Length(merged.Width) * vg.Centimeter
	}
	if merged.Height > 0 {
		o.Height = vg.Length(merged.Height) * vg.Centimeter
	}
	return o
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) format() string {
	if o.Format == "" {
		return DefaultFormat
	}
	return strings.TrimPrefix(strings.ToLower(o.Format), ".")
}

func (o Options) size() (vg.Length, vg.Length) {
	w, h := o.Width, o.Height
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	return w, h
}

// save writes p as <OutDir>/<base>.<format> and returns the path.
func (o Options) save(p *plot.Plot, base string) (string, error) {
	if err := os.MkdirAll(o.OutDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(o.OutDir, base+"."+o.format())
	w, h := o.size()
	if err := p.Save(w, h, path); err != nil {
		return "", fmt.Errorf("save %s: %w", path, err)
	}
	o.logger().Debug("wrote chart", zap.String("path", path))
	return path, nil
}

func newPlot(title, ylabel string, o Options) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Days"
	p.Y.Label.Text = ylabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	if len(o.XRange) == 2 {
		p.X.Min, p.X.Max = o.XRange[0], o.XRange[1]
	}
	return p
}

// yRange is the shared vertical extent of one metric across charts.
type yRange struct {
	max float64
	log bool
}

func (r *yRange) observe(vals []float64) {
	for _, v := range vals {
		if !math.IsNaN(v) && v > r.max {
			r.max = v
		}
	}
}

// limits are [0, 1.1*max] on a linear axis and [1, 1.1*max] on a log axis.
func (r yRange) limits() (float64, float64) {
	if r.log {
		if r.max <= 1 {
			return 1, 10
		}
		return 1, r.max * headroom
	}
	if r.max <= 0 {
		return 0, 100
	}
	return 0, r.max * headroom
}

func (r yRange) apply(p *plot.Plot) {
	p.Y.Min, p.Y.Max = r.limits()
	if r.log {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
}

func xys(days, vals []float64, log bool) plotter.XYs {
	n := len(days)
	if len(vals) < n {
		n = len(vals)
	}
	pts := make(plotter.XYs, n)
	for i := 0; i < n; i++ {
		v := vals[i]
		if log && v < 1 {
			v = 1
		}
		pts[i] = plotter.XY{X: days[i], Y: v}
	}
	return pts
}

// Style is the look of one swept series. Styles are keyed by the position
// of the series value in its axis so that a value looks the same on every
// chart.
type Style struct {
	Color  color.Color
	Shape  draw.GlyphDrawer
	Dashes []vg.Length
}

func StyleFor(index int) Style {
	if index < 0 {
		index = 0
	}
	return Style{
		Color:  plotutil.Color(index),
		Shape:  plotutil.Shape(index),
		Dashes: []vg.Length{vg.Points(6), vg.Points(3)},
	}
}

var baselineColor = color.Black

// addBaseline draws a solid black line.
func addBaseline(p *plot.Plot, pts plotter.XYs) error {
	l, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	l.LineStyle.Color = baselineColor
	l.LineStyle.Width = vg.Points(2)
	p.Add(l)
	p.Legend.Add("baseline", l)
	return nil
}

// addSeries draws a dashed line with a glyph on roughly every tenth point.
func addSeries(p *plot.Plot, label string, pts plotter.XYs, s Style) error {
	l, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	l.LineStyle.Color = s.Color
	l.LineStyle.Width = vg.Points(1.5)
	l.LineStyle.Dashes = s.Dashes

	every := len(pts) / 10
	if every < 1 {
		every = 1
	}
	marks := make(plotter.XYs, 0, len(pts)/every+1)
	for i := 0; i < len(pts); i += every {
		marks = append(marks, pts[i])
	}
	sc, err := plotter.NewScatter(marks)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = s.Color
	sc.GlyphStyle.Shape = s.Shape
	sc.GlyphStyle.Radius = vg.Points(2.5)

	p.Add(l, sc)
	p.Legend.Add(label, l, sc)
	return nil
}

// slug turns a metric or quantity name into a file name fragment.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// BatchReport collects per-request results of a multi-chart invocation.
type BatchReport struct {
	Succeeded map[string][]string
	Failed    map[string]error
}

func NewBatchReport() *BatchReport {
	return &BatchReport{Succeeded: map[string][]string{}, Failed: map[string]error{}}
}

// Add records the files produced for name, or the error that stopped it.
func (r *BatchReport) Add(name string, files []string, err error) {
	if err != nil {
		r.Failed[name] = err
		return
	}
	r.Succeeded[name] = files
}

// Lines is the end-of-run summary, failures last.
func (r *BatchReport) Lines() []string {
	lines := []string{fmt.Sprintf("plots: %d succeeded, %d failed", len(r.Succeeded), len(r.Failed))}
	for _, name := range config.SortedKeys(r.Succeeded) {
		lines = append(lines, fmt.Sprintf("  ok     %s (%d files)", name, len(r.Succeeded[name])))
	}
	for _, name := range config.SortedKeys(r.Failed) {
		lines = append(lines, fmt.Sprintf("  failed %s: %v", name, r.Failed[name]))
	}
	return lines
}

// Err is non-nil when any request failed.
func (r *BatchReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := config.SortedKeys(r.Failed)
	return fmt.Errorf("%d plot request(s) failed: %s", len(names), strings.Join(names, ", "))
}
