package indicator

import (
	"math"
	"time"

	"chartfeed/internal/model"
)

// vwapAcc is the running session sum at one point, kept so the tail can
// be recomputed from its predecessor in O(1).
type vwapAcc struct {
	day int
	pv  float64 // Σ tp·v
	p2v float64 // Σ tp²·v
	vol float64 // Σ v
}

// VWAP is the session volume-weighted average of typical price with
// population-stddev bands. Sums reset when the exchange-local calendar
// date changes between consecutive candles.
type VWAP struct {
	loc    *time.Location
	points []model.VWAPPoint
	accs   []vwapAcc
}

// NewVWAP creates a VWAP series whose sessions follow loc's calendar days.
// A nil loc means UTC.
func NewVWAP(loc *time.Location) *VWAP {
	if loc == nil {
		loc = time.UTC
	}
	return &VWAP{loc: loc}
}

func (v *VWAP) Name() string { return "VWAP" }

func (v *VWAP) dayOf(ts int64) int {
	y, m, d := time.Unix(ts, 0).In(v.loc).Date()
	return y*10000 + int(m)*100 + d
}

// step folds candle c onto the accumulator prev (nil at series start).
func (v *VWAP) step(prev *vwapAcc, c model.Candle) (vwapAcc, model.VWAPPoint) {
	acc := vwapAcc{day: v.dayOf(c.Time)}
	if prev != nil && prev.day == acc.day {
		acc.pv, acc.p2v, acc.vol = prev.pv, prev.p2v, prev.vol
	}
	tp := c.TypicalPrice()
	vol := float64(c.Volume)
	acc.pv += tp * vol
	acc.p2v += tp * tp * vol
	acc.vol += vol

	pt := model.VWAPPoint{Time: c.Time, VWAP: tp}
	if acc.vol > 0 {
		pt.VWAP = acc.pv / acc.vol
		variance := acc.p2v/acc.vol - pt.VWAP*pt.VWAP
		if variance > 0 {
			pt.StdDev = math.Sqrt(variance)
		}
	}
	for i := 0; i < 3; i++ {
		k := float64(i + 1)
		pt.Upper[i] = pt.VWAP + k*pt.StdDev
		pt.Lower[i] = pt.VWAP - k*pt.StdDev
	}
	return acc, pt
}

func (v *VWAP) Compute(candles []model.Candle) {
	v.Reset()
	for _, c := range candles {
		v.push(c)
	}
}

func (v *VWAP) push(c model.Candle) {
	if !c.Valid() {
		return
	}
	var prev *vwapAcc
	if n := len(v.accs); n > 0 {
		prev = &v.accs[n-1]
	}
	acc, pt := v.step(prev, c)
	v.accs = append(v.accs, acc)
	v.points = append(v.points, pt)
}

func (v *VWAP) Apply(candles []model.Candle) {
	if len(candles) == 0 {
		v.Reset()
		return
	}
	last := candles[len(candles)-1]
	n := len(v.points)
	switch {
	case n == 0 || last.Time > v.points[n-1].Time:
		v.push(last)
	case last.Time == v.points[n-1].Time && last.Valid():
		var prev *vwapAcc
		if n > 1 {
			prev = &v.accs[n-2]
		}
		v.accs[n-1], v.points[n-1] = v.step(prev, last)
	default:
		v.Compute(candles)
	}
}

func (v *VWAP) Reset() {
	v.points = v.points[:0]
	v.accs = v.accs[:0]
}

// Points returns a copy of the series.
func (v *VWAP) Points() []model.VWAPPoint {
	out := make([]model.VWAPPoint, len(v.points))
	copy(out, v.points)
	return out
}
