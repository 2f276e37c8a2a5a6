// Package normalization maps raw shift scores onto a common scale and ranks
// them. Everything here is pure: no I/O, no shared state.
package normalization

import (
	"math"
	"strings"
)

// Method identifies a normalization formula.
type Method string

const (
	MethodZScore     Method = "z_score"
	MethodPercentile Method = "percentile"
	MethodModifiedZ  Method = "modified_z"
	MethodEquating   Method = "equating"
	MethodRaw        Method = "raw"
	MethodCustom     Method = "custom"
)

// Methods lists every built-in method in a stable order.
func Methods() []Method {
	return []Method{MethodZScore, MethodPercentile, MethodModifiedZ, MethodEquating, MethodRaw, MethodCustom}
}

// PercentilePoint is one entry of a global percentile -> score lookup table.
type PercentilePoint struct {
	Percentile float64 `json:"percentile"`
	Score      float64 `json:"score"`
}

// Params is the complete input bundle for a single formula evaluation.
type Params struct {
	RawScore     float64
	ShiftMean    float64
	ShiftStdDev  float64
	GlobalMean   float64
	GlobalStdDev float64
	MaxMarks     float64
	RankInShift  int
	TotalInShift int
	// Lookup must be sorted by ascending percentile.
	Lookup []PercentilePoint
	Config Config
}

// Formula converts one raw score into a normalized score.
type Formula interface {
	Apply(p Params) float64
}

// FormulaFunc adapts a plain function to Formula.
type FormulaFunc func(p Params) float64

// Apply implements Formula.
func (f FormulaFunc) Apply(p Params) float64 { return f(p) }

// Engine dispatches to registered formulas by method name.
type Engine struct {
	formulas map[Method]Formula
}

// NewEngine returns an engine with all built-in formulas registered.
func NewEngine() *Engine {
	return &Engine{
		formulas: map[Method]Formula{
			MethodZScore:     FormulaFunc(ZScore),
			MethodPercentile: FormulaFunc(Percentile),
			MethodModifiedZ:  FormulaFunc(ModifiedZ),
			MethodEquating:   FormulaFunc(Equating),
			MethodRaw:        FormulaFunc(Raw),
			MethodCustom:     FormulaFunc(Custom),
		},
	}
}

// Register installs or replaces a formula.
func (e *Engine) Register(method Method, f Formula) {
	e.formulas[method] = f
}

// Supports reports whether method resolves to a registered formula without fallback.
func (e *Engine) Supports(method string) bool {
	_, ok := e.formulas[Method(normalizeName(method))]
	return ok
}

// Resolve returns the method that will actually be evaluated. Unknown names fall back to z_score.
func (e *Engine) Resolve(method string) Method {
	m := Method(normalizeName(method))
	if _, ok := e.formulas[m]; ok {
		return m
	}
	return MethodZScore
}

// NormalizedScore evaluates method against p, rounded to two decimals.
// Non-finite results degrade to the raw score.
func (e *Engine) NormalizedScore(method string, p Params) float64 {
	score := e.formulas[e.Resolve(method)].Apply(p)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = p.RawScore
	}
	return Round2(score)
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func normalizeName(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}

// ZScore rescales the shift z-score onto the exam's global mean and stddev.
func ZScore(p Params) float64 {
	if !usableSpread(p.ShiftStdDev) {
		return p.RawScore
	}
	z := (p.RawScore - p.ShiftMean) / p.ShiftStdDev
	return z*p.GlobalStdDev + p.GlobalMean
}

// Percentile maps the candidate's position in the shift onto 0..MaxMarks.
func Percentile(p Params) float64 {
	pct, ok := shiftPercentile(p)
	if !ok {
		return p.RawScore
	}
	return pct / 100 * p.MaxMarks
}

// ModifiedZ maps the shift z-score onto a configured target distribution.
func ModifiedZ(p Params) float64 {
	if !usableSpread(p.ShiftStdDev) {
		return p.RawScore
	}
	z := (p.RawScore - p.ShiftMean) / p.ShiftStdDev
	return z*p.Config.TargetStdDevOrDefault() + p.Config.TargetMeanOrDefault()
}

// Equating maps the shift percentile to the score at the same global
// percentile, falling back to a normal approximation when no table is known.
func Equating(p Params) float64 {
	pct, ok := shiftPercentile(p)
	if !ok {
		return p.RawScore
	}
	if len(p.Lookup) > 0 {
		return Interpolate(p.Lookup, pct)
	}
	clamped := math.Min(math.Max(pct, 0.1), 99.9)
	z := InverseNormal(clamped / 100)
	return z*p.GlobalStdDev + p.GlobalMean
}

// Raw passes the score through untouched.
func Raw(p Params) float64 {
	return p.RawScore
}

// Custom blends raw and z-score results linearly and clamps to configured bounds.
func Custom(p Params) float64 {
	cfg := p.Config
	score := cfg.RawWeight*p.RawScore + cfg.ZWeightOrDefault()*ZScore(p) + cfg.Offset
	if cfg.MinScore != nil && score < *cfg.MinScore {
		score = *cfg.MinScore
	}
	if cfg.MaxScore != nil && score > *cfg.MaxScore {
		score = *cfg.MaxScore
	}
	return score
}

func shiftPercentile(p Params) (float64, bool) {
	if p.TotalInShift <= 1 || p.RankInShift <= 0 {
		return 0, false
	}
	return float64(p.TotalInShift-p.RankInShift) / float64(p.TotalInShift-1) * 100, true
}

func usableSpread(stdDev float64) bool {
	return stdDev > 0 && !math.IsNaN(stdDev) && !math.IsInf(stdDev, 0)
}
