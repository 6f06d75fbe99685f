// Package sweep enumerates parameter combinations and maps each one to a
// canonical run directory name and a list of key=value overrides.
package sweep

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"exasweep/internal/config"
)

// Axis is one swept parameter with its ordered values.
type Axis struct {
	Name   string
	Abbrev string
	Key    string
	Format Format
	Values []float64
}

func (a Axis) param(v float64) Param {
	return Param{Name: a.Name, Abbrev: a.Abbrev, Key: a.Key, Format: a.Format, Value: v}
}

// Index returns the position of v in the axis values, or -1.
func (a Axis) Index(v float64) int {
	name := a.Format.Name(v)
	for i, x := range a.Values {
		if a.Format.Name(x) == name {
			return i
		}
	}
	return -1
}

// withDefaults fills an empty abbreviation or override key with the
// parameter name.
func (a Axis) withDefaults() Axis {
	if a.Abbrev == "" {
		a.Abbrev = a.Name
	}
	if a.Key == "" {
		a.Key = a.Name
	}
	return a
}

func axesWithDefaults(axes []Axis) []Axis {
	out := make([]Axis, len(axes))
	for i, a := range axes {
		out[i] = a.withDefaults()
	}
	return out
}

// AxesFromStudy converts the configured parameters of a study into axes.
func AxesFromStudy(s config.Study) ([]Axis, error) {
	axes := make([]Axis, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		f, err := ParseFormat(p.Format)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		a := Axis{Name: p.Name, Abbrev: p.Abbrev, Key: p.Key, Format: f}.withDefaults()
		for _, raw := range p.Values {
			v, err := ScalarValue(raw, f)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
			}
			a.Values = append(a.Values, v)
		}
		axes = append(axes, a)
	}
	if err := validateAxes(axes); err != nil {
		return nil, err
	}
	return axes, nil
}

// BaselineFromStudy converts the study baseline into a value map keyed by
// parameter name. Keys may also be given as abbreviations.
func BaselineFromStudy(s config.Study, axes []Axis) (map[string]float64, error) {
	if len(s.Baseline) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(s.Baseline))
	for k, raw := range s.Baseline {
		a, ok := findAxis(axes, k)
		if !ok {
			return nil, fmt.Errorf("baseline: %q is not a parameter of this study", k)
		}
		v, err := ScalarValue(raw, a.Format)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", k, err)
		}
		out[a.Name] = v
	}
	return out, nil
}

// PlanForStudy enumerates the runs of one case of a configured study on a
// platform.
func PlanForStudy(s config.Study, caseName, platform string) (*Plan, error) {
	axes, err := AxesFromStudy(s)
	if err != nil {
		return nil, err
	}
	baseline, err := BaselineFromStudy(s, axes)
	if err != nil {
		return nil, err
	}
	return Enumerate(caseName, platform, axes, baseline)
}

// ScalarValue converts a decoded YAML/JSON scalar into a float64.
func ScalarValue(raw any, f Format) (float64, error) {
	var v float64
	switch x := raw.(type) {
	case int:
		v = float64(x)
	case int64:
		v = float64(x)
	case uint64:
		v = float64(x)
	case float64:
		v = x
	case bool:
		if x {
			v = 1
		}
	default:
		return 0, fmt.Errorf("value %v (%T) is not a number or boolean", raw, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value %v is not finite", raw)
	}
	if f == FormatCount && v != math.Trunc(v) {
		return 0, fmt.Errorf("value %v is not a whole number", raw)
	}
	if f == FormatFlag && v != 0 && v != 1 {
		return 0, fmt.Errorf("value %v is not a boolean", raw)
	}
	return v, nil
}

func findAxis(axes []Axis, name string) (Axis, bool) {
	for _, a := range axes {
		if a.Name == name || a.Abbrev == name {
			return a, true
		}
	}
	return Axis{}, false
}

func validateAxes(axes []Axis) error {
	for i, a := range axes {
		if a.Name == "" {
			return fmt.Errorf("axis %d has no name", i+1)
		}
		if err := validateAbbrev(a.Abbrev); err != nil {
			return fmt.Errorf("axis %s: %w", a.Name, err)
		}
		for j, b := range axes {
			if i == j {
				continue
			}
			if a.Name == b.Name {
				return fmt.Errorf("axis %s declared twice", a.Name)
			}
			if strings.HasPrefix(b.Abbrev, a.Abbrev) {
				return fmt.Errorf("%w: abbreviation %q of %s is a prefix of %q of %s",
					ErrNameCollision, a.Abbrev, a.Name, b.Abbrev, b.Name)
			}
		}
	}
	return nil
}

func validateAbbrev(s string) error {
	if s == "" {
		return fmt.Errorf("empty abbreviation")
	}
	for i, r := range s {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || (i > 0 && (unicode.IsDigit(r) || r == '_'))) {
			return fmt.Errorf("abbreviation %q must be ASCII letters, digits and underscores, starting with a letter", s)
		}
	}
	return nil
}

// Combination is one point of the sweep.
type Combination struct {
	Key RunKey
	// Index holds the position of each value in its axis, aligned with Plan.Axes.
	// Baseline entries have -1 where the value is not one of the swept values.
	Index []int
}

func (c Combination) Name() string        { return c.Key.Encode() }
func (c Combination) Overrides() []string { return c.Key.Overrides() }
func (c Combination) Baseline() bool      { return c.Key.Baseline }

// Plan is the enumerated sweep for one case on one platform.
type Plan struct {
	Case     string
	Platform string
	Axes     []Axis
	// Baseline is nil when the study defines none.
	Baseline *Combination
	Swept    []Combination
}

// All returns the baseline (if any) followed by the swept combinations.
func (p *Plan) All() []Combination {
	out := make([]Combination, 0, p.Len())
	if p.Baseline != nil {
		out = append(out, *p.Baseline)
	}
	return append(out, p.Swept...)
}

func (p *Plan) Len() int {
	n := len(p.Swept)
	if p.Baseline != nil {
		n++
	}
	return n
}

// Names returns the directory name of every combination, baseline first.
func (p *Plan) Names() []string {
	all := p.All()
	out := make([]string, len(all))
	for i, c := range all {
		out[i] = c.Name()
	}
	return out
}

// Enumerate builds the Cartesian product of axes in declaration order with
// the first axis varying slowest. A non-nil baseline adds one extra entry.
// Axes without an abbreviation or override key use their name for both.
// Name collisions between any two entries are reported as ErrNameCollision.
func Enumerate(caseName, platform string, axes []Axis, baseline map[string]float64) (*Plan, error) {
	if err := ValidateName("case", caseName); err != nil {
		return nil, err
	}
	if err := ValidateName("platform", platform); err != nil {
		return nil, err
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("no parameter axes")
	}
	axes = axesWithDefaults(axes)
	if err := validateAxes(axes); err != nil {
		return nil, err
	}
	total := 1
	for _, a := range axes {
		if len(a.Values) == 0 {
			return nil, fmt.Errorf("axis %s has no values", a.Name)
		}
		total *= len(a.Values)
	}

	plan := &Plan{Case: caseName, Platform: platform, Axes: axes, Swept: make([]Combination, 0, total)}
	seen := make(map[string][]int, total)
	idx := make([]int, len(axes))
	for n := 0; n < total; n++ {
		key := RunKey{Case: caseName, Platform: platform, Params: make([]Param, len(axes))}
		for i, a := range axes {
			key.Params[i] = a.param(a.Values[idx[i]])
		}
		name := key.Encode()
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%w: %s produced by value indexes %v and %v", ErrNameCollision, name, prev, idx)
		}
		seen[name] = append([]int(nil), idx...)
		plan.Swept = append(plan.Swept, Combination{Key: key, Index: append([]int(nil), idx...)})

		// odometer, last axis fastest
		for i := len(axes) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i].Values) {
				break
			}
			idx[i] = 0
		}
	}

	if baseline != nil {
		b, err := baselineCombination(caseName, platform, axes, baseline)
		if err != nil {
			return nil, err
		}
		if len(b.Key.Params) == len(axes) {
			asSwept := RunKey{Case: caseName, Platform: platform, Params: b.Key.Params}.Encode()
			if _, ok := seen[asSwept]; ok {
				return nil, fmt.Errorf("%w: baseline values coincide with swept combination %s", ErrNameCollision, asSwept)
			}
		}
		plan.Baseline = &b
	}
	return plan, nil
}

func baselineCombination(caseName, platform string, axes []Axis, baseline map[string]float64) (Combination, error) {
	known := make(map[string]bool, len(baseline))
	c := Combination{
		Key:   RunKey{Case: caseName, Platform: platform, Baseline: true},
		Index: make([]int, len(axes)),
	}
	for i, a := range axes {
		c.Index[i] = -1
		v, ok := baseline[a.Name]
		if !ok {
			v, ok = baseline[a.Abbrev]
			if ok {
				known[a.Abbrev] = true
			}
		} else {
			known[a.Name] = true
		}
		if !ok {
			continue
		}
		c.Key.Params = append(c.Key.Params, a.param(v))
		c.Index[i] = a.Index(v)
	}
	var extra []string
	for k := range baseline {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return Combination{}, fmt.Errorf("baseline names unknown parameters: %s", strings.Join(extra, ", "))
	}
	return c, nil
}

// Decoder returns a decoder for the run names of the plan. Decoding the
// baseline name yields the baseline parameter values.
func (p *Plan) Decoder() (*Decoder, error) {
	var base []Param
	if p.Baseline != nil {
		base = p.Baseline.Key.Params
	}
	return NewDecoder(p.Axes, base)
}

// Decode parses name against axes. It is shorthand for NewDecoder + Decode
// without baseline values.
func Decode(name string, axes []Axis) (RunKey, error) {
	d, err := NewDecoder(axes, nil)
	if err != nil {
		return RunKey{}, err
	}
	return d.Decode(name)
}
