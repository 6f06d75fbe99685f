// Package table reads the agent's whitespace-delimited output tables and
// derives the summed quantities used by plots, ensembles and comparisons.
package table

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

var (
	ErrTooFewColumns = errors.New("too few columns")
	ErrEmpty         = errors.New("no data rows")
)

// Column positions of output.dat. Semantics are fixed by position.
const (
	ColDay = iota
	ColSusceptible
	ColPresymptomaticPreinfectious
	ColSymptomaticPreinfectiousNH
	ColSymptomaticPreinfectiousH
	ColPresymptomaticInfectious
	ColSymptomaticInfectiousNH
	ColSymptomaticInfectiousH
	ColAsymptomaticPreinfectious
	ColAsymptomaticInfectious
	ColHospitalNoninfectious
	ColHospitalInfectious
	ColICU
	ColVentilator
	ColRecovered
	ColDead
	ColNewSymptomatic
	ColNewHospitalized

	MinColumns
)

// Header is the column header written by the agent.
var Header = []string{"Day", "Su", "PS/PI", "S/PI/NH", "S/PI/H", "PS/I", "S/I/NH", "S/I/H",
	"A/PI", "A/I", "H/NI", "H/I", "ICU", "V", "R", "D", "NewS", "NewH"}

// OutputFile is output.dat for single-disease runs and output_<disease>.dat
// otherwise.
func OutputFile(disease string) string {
	if disease == "" {
		return "output.dat"
	}
	return "output_" + disease + ".dat"
}

// Table is a parsed numeric table. Rows all have the same width.
type Table struct {
	Header []string
	Rows   [][]float64
}

func (t *Table) Len() int { return len(t.Rows) }

func (t *Table) Width() int {
	if len(t.Rows) == 0 {
		return len(t.Header)
	}
	return len(t.Rows[0])
}

// Column copies column i.
func (t *Table) Column(i int) []float64 {
	out := make([]float64, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out
}

// Days is shorthand for Column(ColDay).
func (t *Table) Days() []float64 { return t.Column(ColDay) }

// Truncate keeps the first n rows.
func (t *Table) Truncate(n int) {
	if n < len(t.Rows) {
		t.Rows = t.Rows[:n]
	}
}

// Read parses path, which must have at least minCols columns.
func Read(path string, minCols int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Parse(f, minCols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ReadOutput reads an agent output table.
func ReadOutput(path string) (*Table, error) { return Read(path, MinColumns) }

// Parse reads a table with one optional header line. A first line that does
// not parse as numbers is taken as the header.
func Parse(r io.Reader, minCols int) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	t := &Table{}
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		row, err := parseRow(fields)
		if err != nil {
			if t.Header == nil && len(t.Rows) == 0 {
				t.Header = fields
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(t.Rows) > 0 && len(row) != len(t.Rows[0]) {
			return nil, fmt.Errorf("line %d: %d columns, expected %d", line, len(row), len(t.Rows[0]))
		}
		t.Rows = append(t.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(t.Rows) == 0 {
		return nil, ErrEmpty
	}
	if w := t.Width(); w < minCols {
		return nil, fmt.Errorf("%w: found %d, need %d", ErrTooFewColumns, w, minCols)
	}
	return t, nil
}

func parseRow(fields []string) ([]float64, error) {
	row := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %q is not a number", i, f)
		}
		row[i] = v
	}
	return row, nil
}

// Sum adds the given columns row by row.
func Sum(t *Table, cols []int) []float64 {
	out := make([]float64, t.Len())
	for _, c := range cols {
		floats.Add(out, t.Column(c))
	}
	return out
}

// Write emits a table with a header line and %g-formatted values.
func Write(w io.Writer, header []string, columns ...[]float64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, strings.Join(header, " "))
	n := 0
	if len(columns) > 0 {
		n = len(columns[0])
	}
	for r := 0; r < n; r++ {
		for c, col := range columns {
			if c > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatFloat(col[r], 'g', -1, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}
