package sweep

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrNotRunKey     = errors.New("not a run directory name")
	ErrNameCollision = errors.New("run directory name collision")
)

const (
	runPrefix      = ".run_"
	ensemblePrefix = ".ensemble_"
	baselineTag    = "baseline"
)

// Format controls how a parameter value is spelled in a directory name.
type Format int

const (
	FormatPlain      Format = iota // shortest decimal
	FormatProportion               // %.2f
	FormatRate                     // %.3f
	FormatCount                    // %03d
	FormatFlag                     // t / f
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return FormatPlain, nil
	case "proportion":
		return FormatProportion, nil
	case "rate":
		return FormatRate, nil
	case "count":
		return FormatCount, nil
	case "flag", "bool":
		return FormatFlag, nil
	}
	return 0, fmt.Errorf("unknown parameter format %q", s)
}

func (f Format) String() string {
	switch f {
	case FormatProportion:
		return "proportion"
	case FormatRate:
		return "rate"
	case FormatCount:
		return "count"
	case FormatFlag:
		return "flag"
	}
	return "plain"
}

// pattern is the regexp fragment matching one formatted value.
func (f Format) pattern() string {
	switch f {
	case FormatProportion:
		return `-?\d+\.\d{2}`
	case FormatRate:
		return `-?\d+\.\d{3}`
	case FormatCount:
		return `-?\d+`
	case FormatFlag:
		return `[tf]`
	}
	return `-?\d+(?:\.\d+)?`
}

// Name formats v for a directory name.
func (f Format) Name(v float64) string {
	if v == 0 {
		v = 0 // drop the sign of -0
	}
	switch f {
	case FormatProportion:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case FormatRate:
		return strconv.FormatFloat(v, 'f', 3, 64)
	case FormatCount:
		return fmt.Sprintf("%03d", int64(math.Round(v)))
	case FormatFlag:
		if v != 0 {
			return "t"
		}
		return "f"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Arg formats v as the external binary expects it on the command line.
func (f Format) Arg(v float64) string {
	if v == 0 {
		v = 0
	}
	switch f {
	case FormatCount:
		return strconv.FormatInt(int64(math.Round(v)), 10)
	case FormatFlag:
		return strconv.FormatBool(v != 0)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (f Format) parse(s string) (float64, error) {
	switch f {
	case FormatFlag:
		if s == "t" {
			return 1, nil
		}
		return 0, nil
	case FormatCount:
		n, err := strconv.ParseInt(s, 10, 64)
		return float64(n), err
	}
	return strconv.ParseFloat(s, 64)
}

// Param is one assigned parameter of a run.
type Param struct {
	Name   string
	Abbrev string
	Key    string
	Format Format
	Value  float64
}

// Fragment is the directory-name spelling, e.g. "mwprop0.03".
func (p Param) Fragment() string { return p.Abbrev + p.Format.Name(p.Value) }

// Override is the key=value token handed to the agent binary.
func (p Param) Override() string { return p.Key + "=" + p.Format.Arg(p.Value) }

// RunKey identifies one run directory. Baseline keys carry their parameters
// but do not spell them in the name.
type RunKey struct {
	Case     string
	Platform string
	Baseline bool
	Params   []Param
}

// Encode returns the canonical directory name:
//
//	.run_<case>.<platform>.baseline
//	.run_<case>.<platform>.<abbrev><value>...
func (k RunKey) Encode() string {
	var b strings.Builder
	b.WriteString(runPrefix)
	b.WriteString(k.Case)
	b.WriteByte('.')
	b.WriteString(k.Platform)
	if k.Baseline {
		b.WriteString("." + baselineTag)
		return b.String()
	}
	b.WriteString(k.fragments())
	return b.String()
}

func (k RunKey) String() string { return k.Encode() }

func (k RunKey) fragments() string {
	var b strings.Builder
	for _, p := range k.Params {
		b.WriteByte('.')
		b.WriteString(p.Fragment())
	}
	return b.String()
}

// Value returns the value of the named parameter (matched by name or abbrev).
func (k RunKey) Value(name string) (float64, bool) {
	for _, p := range k.Params {
		if p.Name == name || p.Abbrev == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Overrides returns the key=value tokens for every assigned parameter.
func (k RunKey) Overrides() []string {
	out := make([]string, 0, len(k.Params))
	for _, p := range k.Params {
		out = append(out, p.Override())
	}
	return out
}

// RunPrefix is the name prefix shared by every run directory of a
// case/platform pair.
func RunPrefix(caseName, platform string) string {
	return runPrefix + caseName + "." + platform + "."
}

// Decoder parses run directory names produced for a fixed set of axes.
type Decoder struct {
	axes     []Axis
	baseline []Param
	re       *regexp.Regexp
}

// NewDecoder compiles a decoder for axes in declaration order. The baseline
// name carries no values, so decoding it returns a copy of baseline.
func NewDecoder(axes []Axis, baseline []Param) (*Decoder, error) {
	axes = axesWithDefaults(axes)
	if err := validateAxes(axes); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(`^` + regexp.QuoteMeta(runPrefix) + `([^.]+)\.([^.]+)\.(?:(` + baselineTag + `)`)
	if len(axes) > 0 {
		b.WriteString(`|`)
		for i, a := range axes {
			if i > 0 {
				b.WriteString(`\.`)
			}
			b.WriteString(regexp.QuoteMeta(a.Abbrev) + `(` + a.Format.pattern() + `)`)
		}
	}
	b.WriteString(`)$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile run name pattern: %w", err)
	}
	return &Decoder{axes: axes, baseline: baseline, re: re}, nil
}

// Decode recovers the run key from a directory name. Names that match the
// pattern but are not in canonical form (e.g. "mwprop00.03") are rejected so
// that Decode followed by Encode always returns the input.
func (d *Decoder) Decode(name string) (RunKey, error) {
	m := d.re.FindStringSubmatch(name)
	if m == nil {
		return RunKey{}, fmt.Errorf("%w: %q", ErrNotRunKey, name)
	}
	key := RunKey{Case: m[1], Platform: m[2]}
	if m[3] == baselineTag {
		key.Baseline = true
		key.Params = append([]Param(nil), d.baseline...)
		return key, nil
	}
	for i, a := range d.axes {
		raw := m[4+i]
		v, err := a.Format.parse(raw)
		if err != nil {
			return RunKey{}, fmt.Errorf("%w: %q: parameter %s: %v", ErrNotRunKey, name, a.Name, err)
		}
		key.Params = append(key.Params, a.param(v))
	}
	if key.Encode() != name {
		return RunKey{}, fmt.Errorf("%w: %q is not in canonical form", ErrNotRunKey, name)
	}
	return key, nil
}

// EnsembleDir names the directory holding the repeated runs of a case.
func EnsembleDir(caseName, platform string) string {
	return ensemblePrefix + caseName + "_" + platform
}

// ParseEnsembleDir splits an ensemble directory name. Platform names never
// contain underscores, so the last underscore separates the two parts.
func ParseEnsembleDir(name string) (caseName, platform string, err error) {
	if !strings.HasPrefix(name, ensemblePrefix) {
		return "", "", fmt.Errorf("%q: not an ensemble directory", name)
	}
	rest := strings.TrimPrefix(name, ensemblePrefix)
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%q: not an ensemble directory", name)
	}
	return rest[:i], rest[i+1:], nil
}

// MemberDir names the i-th (1-based) run of an ensemble.
func MemberDir(i int) string { return fmt.Sprintf("run_%03d", i) }

// ValidateName checks that a case or platform name can be embedded in a run
// directory name without making it ambiguous.
func ValidateName(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%s name is empty", kind)
	}
	if strings.ContainsAny(s, "./ \t") {
		return fmt.Errorf("%s name %q must not contain '.', '/' or spaces", kind, s)
	}
	if kind == "platform" && strings.Contains(s, "_") {
		return fmt.Errorf("platform name %q must not contain '_'", s)
	}
	return nil
}
