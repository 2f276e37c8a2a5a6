package normalization

import (
	"github.com/tidwall/gjson"
)

const (
	defaultTargetMean   = 50.0
	defaultTargetStdDev = 15.0
)

// Config carries method-specific parameters. Nil pointers mean "not set".
type Config struct {
	TargetMean     *float64
	TargetStdDev   *float64
	RawWeight      float64
	ZWeight        *float64
	Offset         float64
	MinScore       *float64
	MaxScore       *float64
	DisableLookup  bool
	PercentileStep float64
}

// TargetMeanOrDefault returns targetMean or 50.
func (c Config) TargetMeanOrDefault() float64 {
	if c.TargetMean != nil {
		return *c.TargetMean
	}
	return defaultTargetMean
}

// TargetStdDevOrDefault returns targetStdDev or 15.
func (c Config) TargetStdDevOrDefault() float64 {
	if c.TargetStdDev != nil {
		return *c.TargetStdDev
	}
	return defaultTargetStdDev
}

// ZWeightOrDefault returns customParams.zWeight or 1.
func (c Config) ZWeightOrDefault() float64 {
	if c.ZWeight != nil {
		return *c.ZWeight
	}
	return 1
}

// PercentileStepOrDefault returns the lookup table resolution in percentile points.
func (c Config) PercentileStepOrDefault() float64 {
	if c.PercentileStep > 0 && c.PercentileStep <= 50 {
		return c.PercentileStep
	}
	return 1
}

// ParseConfig reads the exam's JSON normalization config. Unknown keys are
// ignored and malformed documents yield the zero Config.
//
//	{
//	  "targetMean": 50, "targetStdDev": 15,
//	  "customParams": {"rawWeight": 0, "zWeight": 1, "offset": 0},
//	  "minNormalizedScore": 0, "maxNormalizedScore": 180,
//	  "useLookupTable": true, "percentileStep": 1
//	}
func ParseConfig(raw []byte) Config {
	var cfg Config
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return cfg
	}
	doc := gjson.ParseBytes(raw)

	cfg.TargetMean = optionalNumber(doc.Get("targetMean"))
	cfg.TargetStdDev = optionalNumber(doc.Get("targetStdDev"))
	cfg.RawWeight = doc.Get("customParams.rawWeight").Float()
	cfg.ZWeight = optionalNumber(doc.Get("customParams.zWeight"))
	cfg.Offset = doc.Get("customParams.offset").Float()
	cfg.MinScore = optionalNumber(doc.Get("minNormalizedScore"))
	cfg.MaxScore = optionalNumber(doc.Get("maxNormalizedScore"))
	if v := doc.Get("useLookupTable"); v.Exists() {
		cfg.DisableLookup = !v.Bool()
	}
	cfg.PercentileStep = doc.Get("percentileStep").Float()
	return cfg
}

func optionalNumber(v gjson.Result) *float64 {
	if v.Type != gjson.Number {
		return nil
	}
	n := v.Float()
	return &n
}
