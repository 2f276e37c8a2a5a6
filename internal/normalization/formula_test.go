package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func sampleParams() Params {
	return Params{
		RawScore:     120,
		ShiftMean:    100,
		ShiftStdDev:  20,
		GlobalMean:   110,
		GlobalStdDev: 25,
		MaxMarks:     300,
		RankInShift:  11,
		TotalInShift: 101,
	}
}

func TestEngineUnknownMethodFallsBackToZScore(t *testing.T) {
	engine := NewEngine()
	for _, p := range []Params{sampleParams(), {RawScore: 40, ShiftMean: 55, ShiftStdDev: 9, GlobalMean: 60, GlobalStdDev: 12}} {
		assert.Equal(t, engine.NormalizedScore("z_score", p), engine.NormalizedScore("unknown_method", p))
		assert.Equal(t, engine.NormalizedScore("z_score", p), engine.NormalizedScore("", p))
	}
	assert.Equal(t, MethodZScore, engine.Resolve("bogus"))
	assert.Equal(t, MethodEquating, engine.Resolve(" Equating "))
	assert.False(t, engine.Supports("bogus"))
}

func TestZScoreWorkedExample(t *testing.T) {
	assert.Equal(t, 135.0, NewEngine().NormalizedScore("z_score", sampleParams()))
}

func TestZScoreDegenerateSpread(t *testing.T) {
	p := sampleParams()
	p.ShiftStdDev = 0
	for _, raw := range []float64{-4, 0, 73.25, 300} {
		p.RawScore = raw
		assert.Equal(t, raw, ZScore(p))
	}
}

func TestPercentileDegenerateShift(t *testing.T) {
	p := sampleParams()
	for _, total := range []int{0, 1} {
		p.TotalInShift = total
		p.RankInShift = 1
		assert.Equal(t, p.RawScore, Percentile(p))
	}
}

func TestPercentileScalesToMaxMarks(t *testing.T) {
	p := sampleParams()
	// (101 - 11) / 100 * 100 = 90th percentile of 300 marks.
	assert.InDelta(t, 270.0, Percentile(p), 1e-9)

	p.RankInShift = 1
	assert.InDelta(t, 300.0, Percentile(p), 1e-9)
	p.RankInShift = p.TotalInShift
	assert.InDelta(t, 0.0, Percentile(p), 1e-9)
}

func TestModifiedZUsesTargetDistribution(t *testing.T) {
	p := sampleParams()
	assert.InDelta(t, 65.0, ModifiedZ(p), 1e-9)

	p.Config = Config{TargetMean: ptr(500), TargetStdDev: ptr(100)}
	assert.InDelta(t, 600.0, ModifiedZ(p), 1e-9)

	p.ShiftStdDev = 0
	assert.Equal(t, p.RawScore, ModifiedZ(p))
}

func TestEquatingUsesLookupTable(t *testing.T) {
	p := sampleParams()
	p.TotalInShift = 5
	p.Lookup = []PercentilePoint{{0, 0}, {50, 100}, {100, 200}}

	// rank 4 of 5 -> 25th percentile, rank 2 of 5 -> 75th.
	p.RankInShift = 4
	assert.InDelta(t, 50.0, Equating(p), 1e-9)
	p.RankInShift = 2
	assert.InDelta(t, 150.0, Equating(p), 1e-9)
	p.RankInShift = 3
	assert.InDelta(t, 100.0, Equating(p), 1e-9)
}

func TestEquatingParametricFallback(t *testing.T) {
	p := sampleParams()
	p.TotalInShift = 3
	p.RankInShift = 2 // median
	assert.InDelta(t, p.GlobalMean, Equating(p), 1e-9)

	p.RankInShift = 1 // 100th percentile clamps to 99.9
	assert.InDelta(t, InverseNormal(0.999)*p.GlobalStdDev+p.GlobalMean, Equating(p), 1e-9)

	p.TotalInShift = 1
	assert.Equal(t, p.RawScore, Equating(p))
}

func TestRawPassthrough(t *testing.T) {
	p := sampleParams()
	p.RawScore = 87.456
	assert.Equal(t, 87.46, NewEngine().NormalizedScore("raw", p))
}

func TestCustomBlendAndClamp(t *testing.T) {
	p := sampleParams()
	// Defaults: 0*raw + 1*z + 0.
	assert.InDelta(t, 135.0, Custom(p), 1e-9)

	p.Config = Config{RawWeight: 0.5, ZWeight: ptr(0.5), Offset: 10}
	assert.InDelta(t, 0.5*120+0.5*135+10, Custom(p), 1e-9)

	p.Config = Config{RawWeight: 2, ZWeight: ptr(0), MaxScore: ptr(180)}
	assert.Equal(t, 180.0, Custom(p))

	p.Config = Config{RawWeight: -1, ZWeight: ptr(0), MinScore: ptr(0)}
	assert.Equal(t, 0.0, Custom(p))
}

func TestCustomClampViaParsedConfig(t *testing.T) {
	p := sampleParams()
	p.Config = ParseConfig([]byte(`{"customParams":{"rawWeight":3,"zWeight":0},"maxNormalizedScore":180}`))
	assert.Equal(t, 180.0, NewEngine().NormalizedScore("custom", p))
}

func TestEngineRegisterOverrides(t *testing.T) {
	engine := NewEngine()
	engine.Register(MethodRaw, FormulaFunc(func(p Params) float64 { return p.RawScore * 2 }))
	require.True(t, engine.Supports("raw"))
	assert.Equal(t, 240.0, engine.NormalizedScore("raw", sampleParams()))
}

func TestNormalizedScoreNeverReturnsNonFinite(t *testing.T) {
	p := sampleParams()
	p.RawScore = 90
	p.ShiftMean = 0
	p.ShiftStdDev = 5e-324
	assert.Equal(t, 90.0, NewEngine().NormalizedScore("modified_z", p))
}

func TestParseConfig(t *testing.T) {
	cfg := ParseConfig([]byte(`{"targetMean":60,"customParams":{"rawWeight":0.25,"offset":-3},"minNormalizedScore":0,"useLookupTable":false,"percentileStep":5}`))
	require.NotNil(t, cfg.TargetMean)
	assert.Equal(t, 60.0, *cfg.TargetMean)
	assert.Equal(t, 15.0, cfg.TargetStdDevOrDefault())
	assert.Equal(t, 0.25, cfg.RawWeight)
	assert.Equal(t, 1.0, cfg.ZWeightOrDefault())
	assert.Equal(t, -3.0, cfg.Offset)
	require.NotNil(t, cfg.MinScore)
	assert.Nil(t, cfg.MaxScore)
	assert.True(t, cfg.DisableLookup)
	assert.Equal(t, 5.0, cfg.PercentileStepOrDefault())

	assert.Equal(t, Config{}, ParseConfig([]byte(`not json`)))
	assert.Equal(t, Config{}, ParseConfig(nil))
}
