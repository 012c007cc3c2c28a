package telemetry

import "math"

// Quality classifies a value against a set of thresholds.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityWarning Quality = "warning"
	QualityBad     Quality = "bad"
	QualityUnknown Quality = "unknown"
)

// Thresholds describe a comfortable band [GoodMin, GoodMax] nested inside an
// acceptable band [WarnMin, WarnMax].
type Thresholds struct {
	GoodMin float64 `yaml:"good_min" json:"good_min"`
	GoodMax float64 `yaml:"good_max" json:"good_max"`
	WarnMin float64 `yaml:"warn_min" json:"warn_min"`
	WarnMax float64 `yaml:"warn_max" json:"warn_max"`
}

var (
	DefaultTemperatureThresholds = Thresholds{GoodMin: 20, GoodMax: 24, WarnMin: 18, WarnMax: 26}
	DefaultHumidityThresholds    = Thresholds{GoodMin: 40, GoodMax: 60, WarnMin: 30, WarnMax: 70}
)

// Evaluate returns QualityUnknown for a nil value, QualityBad outside the
// warn band, QualityWarning outside the good band and QualityGood otherwise.
func (t Thresholds) Evaluate(value *float64) Quality {
	if value == nil || math.IsNaN(*value) {
		return QualityUnknown
	}
	v := *value
	switch {
	case v < t.WarnMin || v > t.WarnMax:
		return QualityBad
	case v < t.GoodMin || v > t.GoodMax:
		return QualityWarning
	default:
		return QualityGood
	}
}

// Valid reports whether the good band lies inside the warn band.
func (t Thresholds) Valid() bool {
	return t.WarnMin <= t.GoodMin && t.GoodMin <= t.GoodMax && t.GoodMax <= t.WarnMax
}

// Particulate matter limits in µg/m³.
const (
	PM25Good    = 12.0
	PM25Warning = 35.0
	PM10Good    = 20.0
	PM10Warning = 50.0

	pmFallback = 999.0
)

// EvaluateAirQuality grades a PM2.5/PM10 pair. A missing value counts as
// very high, so an unknown pair is never reported as good.
func EvaluateAirQuality(pm25, pm10 *float64) Quality {
	p25, p10 := pmFallback, pmFallback
	if pm25 != nil {
		p25 = *pm25
	}
	if pm10 != nil {
		p10 = *pm10
	}
	switch {
	case p25 <= PM25Good && p10 <= PM10Good:
		return QualityGood
	case p25 <= PM25Warning || p10 <= PM10Warning:
		return QualityWarning
	default:
		return QualityBad
	}
}
