// Package pattern runs chart-pattern detectors over the trailing window of
// a candle series. Detectors are pure: they read the slice they are given
// and never modify it.
package pattern

import "chartfeed/internal/model"

// Detector finds zero or one pattern in the trailing candles.
type Detector interface {
	Name() string
	Detect(candles []model.Candle) (model.Finding, bool)
}

// Default returns the detectors run for every chart update.
func Default() []Detector {
	return []Detector{
		NewMicroPullback(),
		NewSupportResistance(),
		NewGapZone(),
		NewFlagPennant(),
	}
}

// DetectAll runs each detector against candles and collects findings in
// detector order.
func DetectAll(candles []model.Candle, detectors []Detector) []model.Finding {
	var out []model.Finding
	for _, d := range detectors {
		if f, ok := d.Detect(candles); ok {
			out = append(out, f)
		}
	}
	return out
}

// strengthFor maps a count of satisfied quality conditions to a label.
func strengthFor(n int) string {
	switch {
	case n >= 2:
		return model.StrengthStrong
	case n == 1:
		return model.StrengthModerate
	default:
		return model.StrengthWeak
	}
}

// window returns the trailing n candles or nil when there are fewer.
func window(candles []model.Candle, n int) []model.Candle {
	if n <= 0 || len(candles) < n {
		return nil
	}
	return candles[len(candles)-n:]
}

func highLow(cs []model.Candle) (high, low float64) {
	high, low = cs[0].High, cs[0].Low
	for _, c := range cs[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

func avgVolume(cs []model.Candle) float64 {
	if len(cs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cs {
		sum += float64(c.Volume)
	}
	return sum / float64(len(cs))
}

func valid(cs []model.Candle) bool {
	for _, c := range cs {
		if !c.Valid() {
			return false
		}
	}
	return true
}
