package normalization

// RankCounter assigns competition ranks to a stream of scores that arrives
// in descending order. The zero value is ready to use.
type RankCounter struct {
	position int
	rank     int
	last     float64
}

// Next returns the rank of score, which must not exceed the previous score.
func (c *RankCounter) Next(score float64) int {
	c.position++
	if c.position == 1 || score != c.last {
		c.rank = c.position
		c.last = score
	}
	return c.rank
}

// RankPercentile converts a rank within a scope of size n into a percentile:
// (n - rank + 1) / n * 100, rounded to two decimals.
func RankPercentile(rank, n int) float64 {
	if n <= 0 || rank <= 0 {
		return 0
	}
	return Round2(float64(n-rank+1) / float64(n) * 100)
}
