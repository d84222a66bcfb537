package pattern

import "chartfeed/internal/model"

// FlagPennant detects a bullish impulse (the pole) followed by a shallow
// consolidation running to the last candle. A consolidation whose range
// contracts is reported as a pennant, otherwise as a flag.
type FlagPennant struct {
	MinPole        float64 // pole height as a fraction of its start low
	MaxPoleBars    int
	MinConsBars    int
	MaxConsBars    int
	MaxRetracement float64 // consolidation depth as a fraction of pole height
}

// NewFlagPennant returns the detector with its standard thresholds.
func NewFlagPennant() *FlagPennant {
	return &FlagPennant{
		MinPole:        0.015,
		MaxPoleBars:    8,
		MinConsBars:    3,
		MaxConsBars:    12,
		MaxRetracement: 0.618,
	}
}

func (f *FlagPennant) Name() string { return "flag_pennant" }

type pole struct {
	start, end int
	low, high  float64
	avgVol     float64
}

func (f *FlagPennant) Detect(candles []model.Candle) (model.Finding, bool) {
	n := len(candles)
	for bars := f.MinConsBars; bars <= f.MaxConsBars; bars++ {
		consStart := n - bars
		if consStart < 3 {
			break
		}
		if !valid(candles[max(0, consStart-f.MaxPoleBars):]) {
			return model.Finding{}, false
		}
		p, ok := f.findPole(candles, consStart-1)
		if !ok {
			continue
		}
		if fd, ok := f.consolidation(candles, p, consStart); ok {
			return fd, true
		}
	}
	return model.Finding{}, false
}

// findPole looks back from endIdx for the shortest run that rose by
// MinPole, ending at endIdx's high.
func (f *FlagPennant) findPole(candles []model.Candle, endIdx int) (pole, bool) {
	top := candles[endIdx].High
	for start := endIdx - 2; start >= 0 && start >= endIdx-f.MaxPoleBars; start-- {
		low := candles[start].Low
		if low <= 0 || (top-low)/low < f.MinPole {
			continue
		}
		var vol float64
		for j := start; j <= endIdx; j++ {
			if candles[j].High > top {
				return pole{}, false
			}
			vol += float64(candles[j].Volume)
		}
		return pole{
			start:  start,
			end:    endIdx,
			low:    low,
			high:   top,
			avgVol: vol / float64(endIdx-start+1),
		}, true
	}
	return pole{}, false
}

func (f *FlagPennant) consolidation(candles []model.Candle, p pole, consStart int) (model.Finding, bool) {
	cons := candles[consStart:]
	high, low := highLow(cons)
	if high > p.high {
		return model.Finding{}, false
	}
	height := p.high - p.low
	retrace := (p.high - low) / height
	if retrace > f.MaxRetracement {
		return model.Finding{}, false
	}

	kind := "bull_flag"
	if len(cons) >= 5 {
		mid := len(cons) / 2
		h1, l1 := highLow(cons[:mid])
		h2, l2 := highLow(cons[mid:])
		if h2-l2 < (h1-l1)*0.7 {
			kind = "bull_pennant"
		}
	}

	q := 0
	if avgVolume(cons) < p.avgVol*0.7 {
		q++
	}
	if retrace <= 0.382 {
		q++
	}

	return model.Finding{
		Kind:     kind,
		Strength: strengthFor(q),
		Level:    high,
		Stop:     low,
		Upper:    high,
		Lower:    low,
		Time:     cons[len(cons)-1].Time,
	}, true
}
