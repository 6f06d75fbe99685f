package table

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Norms of the difference between a baseline and a test series. Relative
// norms divide by the same norm of the baseline and are 0 when it is 0.
type Norms struct {
	L1, L2, LInf          float64
	L1Rel, L2Rel, LInfRel float64
}

func ComputeNorms(baseline, test []float64) (Norms, error) {
	if len(baseline) != len(test) {
		return Norms{}, fmt.Errorf("length mismatch: baseline %d rows, test %d rows", len(baseline), len(test))
	}
	if len(baseline) == 0 {
		return Norms{}, ErrEmpty
	}
	diff := make([]float64, len(test))
	floats.SubTo(diff, test, baseline)

	n := Norms{
		L1:   floats.Norm(diff, 1),
		L2:   floats.Norm(diff, 2),
		LInf: floats.Norm(diff, math.Inf(1)),
	}
	n.L1Rel = relative(n.L1, floats.Norm(baseline, 1))
	n.L2Rel = relative(n.L2, floats.Norm(baseline, 2))
	n.LInfRel = relative(n.LInf, floats.Norm(baseline, math.Inf(1)))
	return n, nil
}

func relative(abs, base float64) float64 {
	if base > 0 {
		return abs / base
	}
	return 0
}

// MetricNorms pairs a metric with its difference norms.
type MetricNorms struct {
	Metric string
	Norms
}

// Compare computes norms for each metric over two tables of equal length.
func Compare(baseline, test *Table, metrics []Metric) ([]MetricNorms, error) {
	out := make([]MetricNorms, 0, len(metrics))
	for _, m := range metrics {
		n, err := ComputeNorms(m.Values(baseline), m.Values(test))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		out = append(out, MetricNorms{Metric: m.Name, Norms: n})
	}
	return out, nil
}
