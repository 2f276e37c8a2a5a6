package normalization

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Summary holds descriptive statistics of a score population.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize computes population statistics over ascending scores. An empty
// input yields the zero Summary.
func Summarize(sorted []float64) Summary {
	if len(sorted) == 0 {
		return Summary{}
	}
	mean, variance := stat.PopMeanVariance(sorted, nil)
	return Summary{
		Count:  len(sorted),
		Mean:   mean,
		StdDev: math.Sqrt(math.Max(variance, 0)),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// BuildPercentileTable samples the score at every step percentile points
// (0, step, ..., 100) by linear interpolation over ascending scores. At least
// two scores are required; otherwise nil is returned.
func BuildPercentileTable(sorted []float64, step float64) []PercentilePoint {
	if len(sorted) < 2 {
		return nil
	}
	if step <= 0 || step > 50 {
		step = 1
	}
	steps := int(math.Ceil(100 / step))
	table := make([]PercentilePoint, 0, steps+1)
	for i := 0; i <= steps; i++ {
		pct := math.Min(float64(i)*step, 100)
		score := stat.Quantile(pct/100, stat.LinInterp, sorted, nil)
		table = append(table, PercentilePoint{Percentile: pct, Score: Round2(score)})
	}
	return table
}
