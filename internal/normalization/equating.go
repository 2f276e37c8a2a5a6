package normalization

import (
	"math"
	"sort"
)

// Beasley-Springer-Moro coefficients.
var (
	bsmA = [4]float64{2.50662823884, -18.61500062529, 41.39119773534, -25.44106049637}
	bsmB = [4]float64{-8.47351093090, 23.08336743743, -21.06224101826, 3.13082909833}
	bsmC = [9]float64{
		0.3374754822726147, 0.9761690190917186, 0.1607979714918209,
		0.0276438810333863, 0.0038405729373609, 0.0003951896511919,
		0.0000321767881768, 0.0000002888167364, 0.0000003960315187,
	}
)

// InverseNormal approximates the standard normal quantile for p in (0, 1)
// using the Beasley-Springer-Moro rational approximation.
func InverseNormal(p float64) float64 {
	y := p - 0.5
	if math.Abs(y) < 0.42 {
		r := y * y
		num := ((bsmA[3]*r+bsmA[2])*r+bsmA[1])*r + bsmA[0]
		den := (((bsmB[3]*r+bsmB[2])*r+bsmB[1])*r+bsmB[0])*r + 1
		return y * num / den
	}

	r := p
	if y > 0 {
		r = 1 - p
	}
	r = math.Log(-math.Log(r))
	x := bsmC[8]
	for i := 7; i >= 0; i-- {
		x = bsmC[i] + r*x
	}
	if y < 0 {
		x = -x
	}
	return x
}

// Interpolate returns the score at percentile pct by linear interpolation
// between the bracketing entries of an ascending table. Percentiles outside
// the table clamp to its first or last score.
func Interpolate(table []PercentilePoint, pct float64) float64 {
	n := len(table)
	if n == 0 {
		return 0
	}
	if pct <= table[0].Percentile {
		return table[0].Score
	}
	if pct >= table[n-1].Percentile {
		return table[n-1].Score
	}

	idx := sort.Search(n, func(i int) bool { return table[i].Percentile >= pct })
	if table[idx].Percentile == pct {
		return table[idx].Score
	}
	lo, hi := table[idx-1], table[idx]
	span := hi.Percentile - lo.Percentile
	if span == 0 {
		return lo.Score
	}
	return lo.Score + (pct-lo.Percentile)/span*(hi.Score-lo.Score)
}
