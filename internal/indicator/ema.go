package indicator

import (
	"fmt"

	"chartfeed/internal/model"
)

// EMA calculates an Exponential Moving Average series.
// The first value is the simple average of the first period closes and
// lands on the period-th valid candle; each later value is
// (close - prev)·k + prev with k = 2/(period+1).
type EMA struct {
	period     int
	multiplier float64
	points     []model.Point
}

// NewEMA creates a new EMA series with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return fmt.Sprintf("EMA_%d", e.period) }

// Period returns the smoothing period.
func (e *EMA) Period() int { return e.period }

func (e *EMA) next(prev, close float64) float64 {
	return (close-prev)*e.multiplier + prev
}

func (e *EMA) Compute(candles []model.Candle) {
	e.points = e.points[:0]
	var (
		count int
		sum   float64
		cur   float64
	)
	for _, c := range candles {
		if c.Close <= 0 {
			continue
		}
		count++
		if count < e.period {
			sum += c.Close
			continue
		}
		if count == e.period {
			sum += c.Close
			cur = sum / float64(e.period)
		} else {
			cur = e.next(cur, c.Close)
		}
		e.points = append(e.points, model.Point{Time: c.Time, Value: cur})
	}
}

func (e *EMA) Apply(candles []model.Candle) {
	if len(candles) == 0 {
		e.Reset()
		return
	}
	last := candles[len(candles)-1]
	n := len(e.points)
	if last.Close <= 0 || n < 2 {
		e.Compute(candles)
		return
	}
	tail := e.points[n-1]
	switch {
	case last.Time == tail.Time:
		e.points[n-1].Value = e.next(e.points[n-2].Value, last.Close)
	case last.Time > tail.Time:
		e.points = append(e.points, model.Point{Time: last.Time, Value: e.next(tail.Value, last.Close)})
	default:
		e.Compute(candles)
	}
}

func (e *EMA) Reset() { e.points = e.points[:0] }

// Points returns a copy of the series.
func (e *EMA) Points() []model.Point {
	out := make([]model.Point, len(e.points))
	copy(out, e.points)
	return out
}
