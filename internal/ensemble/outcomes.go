package ensemble

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	waveWindow    = 14
	waveThreshold = 0.01
)

// Estimate is an across-run mean with its sample standard deviation.
type Estimate struct {
	Mean, Std float64
}

// Outcomes summarizes each run's infection curve, then the ensemble.
type Outcomes struct {
	PeakInfected    Estimate
	PeakDay         Estimate
	CumulativeDeath Estimate
	Waves           Estimate
}

func computeOutcomes(days []float64, infected, deaths [][]float64) Outcomes {
	n := len(infected)
	peaks := make([]float64, n)
	peakDays := make([]float64, n)
	cum := make([]float64, n)
	waves := make([]float64, n)
	for r := 0; r < n; r++ {
		curve := infected[r]
		if len(curve) == 0 {
			continue
		}
		i := floats.MaxIdx(curve)
		peaks[r] = curve[i]
		peakDays[r] = days[i]
		cum[r] = deaths[r][len(deaths[r])-1]
		waves[r] = float64(countWaves(curve))
	}
	return Outcomes{
		PeakInfected:    estimate(peaks),
		PeakDay:         estimate(peakDays),
		CumulativeDeath: estimate(cum),
		Waves:           estimate(waves),
	}
}

func estimate(x []float64) Estimate {
	if len(x) == 0 {
		return Estimate{}
	}
	m, s := stat.MeanStdDev(x, nil)
	if math.IsNaN(s) || math.IsInf(s, 0) {
		s = 0
	}
	return Estimate{Mean: m, Std: s}
}

// countWaves counts local maxima of the 14-day centered moving average that
// exceed 1% of its maximum. A curve always has at least one wave.
func countWaves(curve []float64) int {
	smoothed := curve
	if len(curve) > waveWindow {
		smoothed = movingAverage(curve, waveWindow)
	}
	threshold := waveThreshold * floats.Max(smoothed)
	peaks := 0
	for t := 1; t < len(smoothed)-1; t++ {
		if smoothed[t] > smoothed[t-1] && smoothed[t] > smoothed[t+1] && smoothed[t] > threshold {
			peaks++
		}
	}
	if peaks < 1 {
		return 1
	}
	return peaks
}

// movingAverage convolves x with a flat window of width w and keeps the
// centered len(x) samples; samples past either end count as zero.
func movingAverage(x []float64, w int) []float64 {
	out := make([]float64, len(x))
	shift := (w - 1) / 2
	for t := range x {
		var sum float64
		for j := 0; j < w; j++ {
			k := t + shift - j
			if k >= 0 && k < len(x) {
				sum += x[k]
			}
		}
		out[t] = sum / float64(w)
	}
	return out
}
