package pattern

import (
	"math"

	"chartfeed/internal/model"
)

// MicroPullback detects a tight flat-top consolidation: a short window
// whose highs sit almost level while price holds near them.
type MicroPullback struct {
	Window      int     // candles in the consolidation window
	PriorWindow int     // candles before it used for the breakdown check
	MaxRange    float64 // (high-low)/high above this rejects
	MaxFlatTop  float64 // max |high-mean|/mean above this rejects

	TightRange   float64 // range below this counts toward strength
	TightFlatTop float64 // flat-top deviation below this counts
	VolumeDryUp  float64 // last volume below this fraction of the window average counts
}

// NewMicroPullback returns the detector with its standard thresholds.
func NewMicroPullback() *MicroPullback {
	return &MicroPullback{
		Window:       7,
		PriorWindow:  5,
		MaxRange:     0.02,
		MaxFlatTop:   0.005,
		TightRange:   0.01,
		TightFlatTop: 0.002,
		VolumeDryUp:  0.8,
	}
}

func (m *MicroPullback) Name() string { return "micro_pullback" }

func (m *MicroPullback) Detect(candles []model.Candle) (model.Finding, bool) {
	all := window(candles, m.Window+m.PriorWindow)
	if all == nil || !valid(all) {
		return model.Finding{}, false
	}
	prior, win := all[:m.PriorWindow], all[m.PriorWindow:]

	high, low := highLow(win)
	if high <= 0 {
		return model.Finding{}, false
	}
	rng := (high - low) / high
	if rng > m.MaxRange {
		return model.Finding{}, false
	}

	var mean float64
	for _, c := range win {
		mean += c.High
	}
	mean /= float64(len(win))
	var dev float64
	for _, c := range win {
		dev = math.Max(dev, math.Abs(c.High-mean)/mean)
	}
	if dev > m.MaxFlatTop {
		return model.Finding{}, false
	}

	_, priorLow := highLow(prior)
	if priorLow < low {
		return model.Finding{}, false
	}

	quality := 0
	if rng < m.TightRange {
		quality++
	}
	if dev < m.TightFlatTop {
		quality++
	}
	if avg := avgVolume(win); avg > 0 && float64(win[len(win)-1].Volume) < m.VolumeDryUp*avg {
		quality++
	}

	return model.Finding{
		Kind:     m.Name(),
		Strength: strengthFor(quality),
		Level:    high,
		Stop:     low,
		Time:     win[len(win)-1].Time,
	}, true
}
