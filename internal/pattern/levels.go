package pattern

import (
	"math"

	"chartfeed/internal/model"
)

// SupportResistance finds the window extreme nearest to the last close
// that price has touched repeatedly.
type SupportResistance struct {
	Window     int
	Tolerance  float64 // touch distance as a fraction of the level
	MinTouches int
}

// NewSupportResistance returns the detector with its standard thresholds.
func NewSupportResistance() *SupportResistance {
	return &SupportResistance{Window: 30, Tolerance: 0.003, MinTouches: 2}
}

func (s *SupportResistance) Name() string { return "support_resistance" }

func (s *SupportResistance) Detect(candles []model.Candle) (model.Finding, bool) {
	win := window(candles, s.Window)
	if win == nil || !valid(win) {
		return model.Finding{}, false
	}
	high, low := highLow(win)
	var resTouches, supTouches int
	for _, c := range win {
		if math.Abs(c.High-high) <= high*s.Tolerance {
			resTouches++
		}
		if math.Abs(c.Low-low) <= low*s.Tolerance {
			supTouches++
		}
	}

	last := win[len(win)-1]
	kind, level, touches := "", 0.0, 0
	resOK, supOK := resTouches >= s.MinTouches, supTouches >= s.MinTouches
	switch {
	case resOK && supOK:
		if high-last.Close <= last.Close-low {
			kind, level, touches = "resistance", high, resTouches
		} else {
			kind, level, touches = "support", low, supTouches
		}
	case resOK:
		kind, level, touches = "resistance", high, resTouches
	case supOK:
		kind, level, touches = "support", low, supTouches
	default:
		return model.Finding{}, false
	}

	return model.Finding{
		Kind:     kind,
		Strength: strengthFor(touches - s.MinTouches),
		Level:    level,
		Upper:    level * (1 + s.Tolerance),
		Lower:    level * (1 - s.Tolerance),
		Time:     last.Time,
	}, true
}

// GapZone finds the most recent three-candle price imbalance that later
// candles have not traded back through.
type GapZone struct {
	Window int
	MinGap float64 // gap height as a fraction of price
}

// NewGapZone returns the detector with its standard thresholds.
func NewGapZone() *GapZone {
	return &GapZone{Window: 20, MinGap: 0.002}
}

func (g *GapZone) Name() string { return "gap_zone" }

func (g *GapZone) Detect(candles []model.Candle) (model.Finding, bool) {
	win := window(candles, g.Window)
	if win == nil {
		win = candles
	}
	if len(win) < 3 || !valid(win) {
		return model.Finding{}, false
	}

	for i := len(win) - 1; i >= 2; i-- {
		a, c := win[i-2], win[i]
		var kind string
		var lower, upper float64
		switch {
		case c.Low > a.High:
			kind, lower, upper = "gap_up", a.High, c.Low
		case c.High < a.Low:
			kind, lower, upper = "gap_down", c.High, a.Low
		default:
			continue
		}
		size := (upper - lower) / lower
		if size < g.MinGap {
			continue
		}
		if filled(win[i+1:], kind, lower, upper) {
			continue
		}
		q := 0
		if size >= 2*g.MinGap {
			q++
		}
		if size >= 5*g.MinGap {
			q++
		}
		return model.Finding{
			Kind:     kind,
			Strength: strengthFor(q),
			Level:    (upper + lower) / 2,
			Upper:    upper,
			Lower:    lower,
			Time:     c.Time,
		}, true
	}
	return model.Finding{}, false
}

// filled reports whether any later candle traded fully through the zone.
func filled(after []model.Candle, kind string, lower, upper float64) bool {
	for _, c := range after {
		if kind == "gap_up" && c.Low <= lower {
			return true
		}
		if kind == "gap_down" && c.High >= upper {
			return true
		}
	}
	return false
}
