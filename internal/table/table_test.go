package table

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outputText renders rows days of an 18-column table where column c of day d
// holds d*100+c.
func outputText(days int) string {
	var b strings.Builder
	b.WriteString(strings.Join(Header, " ") + "\n")
	for d := 0; d < days; d++ {
		for c := 0; c < MinColumns; c++ {
			if c > 0 {
				b.WriteByte(' ')
			}
			if c == ColDay {
				fmt.Fprintf(&b, "%d", d)
			} else {
				fmt.Fprintf(&b, "%d", d*100+c)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func TestParseOutput(t *testing.T) {
	tbl, err := Parse(strings.NewReader(outputText(4)), MinColumns)
	require.NoError(t, err)
	assert.Equal(t, Header, tbl.Header)
	assert.Equal(t, 4, tbl.Len())
	assert.Equal(t, MinColumns, tbl.Width())
	assert.Equal(t, []float64{0, 1, 2, 3}, tbl.Days())
	assert.Equal(t, []float64{15, 115, 215, 315}, tbl.Column(ColDead))

	tbl.Truncate(2)
	assert.Equal(t, 2, tbl.Len())
	tbl.Truncate(10)
	assert.Equal(t, 2, tbl.Len())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader("Day Su\n0 1\n1 2\n"), MinColumns)
	assert.ErrorIs(t, err, ErrTooFewColumns)

	_, err = Parse(strings.NewReader(strings.Join(Header, " ")+"\n"), MinColumns)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("a b\n1 2\n1 2 3\n"), 2)
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("a b\n1 2\n1 x\n"), 2)
	assert.Error(t, err)

	// no header is fine
	tbl, err := Parse(strings.NewReader("# comment\n\n1 2\n3 4\n"), 2)
	require.NoError(t, err)
	assert.Nil(t, tbl.Header)
	assert.Equal(t, 2, tbl.Len())
}

func TestReadMissing(t *testing.T) {
	_, err := ReadOutput(filepath.Join(t.TempDir(), OutputFile("")))
	assert.True(t, os.IsNotExist(err))
}

func TestOutputFile(t *testing.T) {
	assert.Equal(t, "output.dat", OutputFile(""))
	assert.Equal(t, "output_Cov19S1.dat", OutputFile("Cov19S1"))
}

func TestMetrics(t *testing.T) {
	tbl, err := Parse(strings.NewReader(outputText(2)), MinColumns)
	require.NoError(t, err)

	// day 0: sum of column indexes; day 1 adds 100 per column
	assert.Equal(t, []float64{3 + 4 + 5 + 6 + 7 + 8, 600 + 33}, Infections.Values(tbl))
	assert.Equal(t, []float64{21, 221}, Hospitalizations.Values(tbl))
	assert.Equal(t, []float64{15, 115}, Deaths.Values(tbl))
	assert.Equal(t, []float64{65, 1065}, TotalInfected.Values(tbl))
	assert.Equal(t, []float64{46, 446}, TotalHospitalized.Values(tbl))
	assert.Equal(t, []float64{14, 114}, Recovered.Values(tbl))
	assert.Len(t, SweepMetrics, 5)
	assert.Len(t, EnsembleMetrics, 4)
}

func TestHospitalFromLog(t *testing.T) {
	dir := t.TempDir()
	log := strings.Join([]string{
		"Initializing AMReX",
		"Day 0: 0 hospitals over capacity, 0 underserved hospitalized agents",
		"Day 1: 3 hospitals over capacity, 120 underserved hospitalized agents",
		"something else",
		"Day 2: 5 hospitals over capacity, 410 underserved hospitalized agents",
		"AMReX finalized",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.linux.log"), []byte(log), 0o644))

	tbl, err := ReadHospital(dir, "out.linux.log")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, tbl.Column(HospDay))
	assert.Equal(t, []float64{0, 3, 5}, OverloadedHospitals.Values(tbl))
	assert.Equal(t, []float64{0, 120, 410}, UnderservedPatients.Values(tbl))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, HospitalHeader, tbl.Column(HospDay), tbl.Column(HospOverloaded), tbl.Column(HospUnderserved)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, HospitalFile), buf.Bytes(), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "out.linux.log")))
	again, err := ReadHospital(dir, "out.linux.log")
	require.NoError(t, err)
	assert.Equal(t, tbl.Rows, again.Rows)

	_, err = ReadHospital(t.TempDir(), "out.linux.log")
	assert.Error(t, err)

	_, err = ParseHospitalLog(strings.NewReader("no overload lines\n"))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestComputeNorms(t *testing.T) {
	n, err := ComputeNorms([]float64{1, 2, 3}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = ComputeNorms([]float64{3, 4, 0}, []float64{4, 2, 0})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, n.L1, 1e-12)
	assert.InDelta(t, math.Sqrt(5), n.L2, 1e-12)
	assert.InDelta(t, 2.0, n.LInf, 1e-12)
	assert.InDelta(t, 3.0/7.0, n.L1Rel, 1e-12)
	assert.InDelta(t, math.Sqrt(5)/5, n.L2Rel, 1e-12)
	assert.InDelta(t, 0.5, n.LInfRel, 1e-12)

	n, err = ComputeNorms([]float64{0, 0}, []float64{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, n.L1)
	assert.Zero(t, n.L1Rel)

	_, err = ComputeNorms([]float64{1}, []float64{1, 2})
	assert.Error(t, err)
}

func TestCompareTables(t *testing.T) {
	base, err := Parse(strings.NewReader(outputText(3)), MinColumns)
	require.NoError(t, err)
	test, err := Parse(strings.NewReader(outputText(3)), MinColumns)
	require.NoError(t, err)
	test.Rows[2][ColDead] += 10

	got, err := Compare(base, test, CompareMetrics)
	require.NoError(t, err)
	require.Len(t, got, len(CompareMetrics))
	for _, m := range got {
		if m.Metric == "Deaths" {
			assert.Equal(t, 10.0, m.LInf)
			continue
		}
		assert.Zero(t, m.L2, m.Metric)
	}

	test.Truncate(2)
	_, err = Compare(base, test, CompareMetrics)
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []string{"Day", "X"}, []float64{0, 1}, []float64{0.5, 12}))
	assert.Equal(t, "Day X\n0 0.5\n1 12\n", buf.String())
}
