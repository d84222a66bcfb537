package model

// Point is a single indicator value aligned to a candle time.
type Point struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// VWAPPoint is the session VWAP at a candle time plus its ±1/2/3σ bands.
// Upper[i] and Lower[i] are VWAP ± (i+1)·StdDev.
type VWAPPoint struct {
	Time   int64      `json:"time"`
	VWAP   float64    `json:"vwap"`
	StdDev float64    `json:"stddev"`
	Upper  [3]float64 `json:"upper"`
	Lower  [3]float64 `json:"lower"`
}

// IndicatorSeries is the set of series computed from one candle series.
type IndicatorSeries struct {
	VWAP []VWAPPoint     `json:"vwap"`
	EMA  map[int][]Point `json:"ema"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s IndicatorSeries) Clone() IndicatorSeries {
	out := IndicatorSeries{}
	if s.VWAP != nil {
		out.VWAP = make([]VWAPPoint, len(s.VWAP))
		copy(out.VWAP, s.VWAP)
	}
	if s.EMA != nil {
		out.EMA = make(map[int][]Point, len(s.EMA))
		for p, pts := range s.EMA {
			cp := make([]Point, len(pts))
			copy(cp, pts)
			out.EMA[p] = cp
		}
	}
	return out
}

// VWAPQuote is the upstream's own VWAP for the symbol, used as a
// preferred overlay when fresh.
type VWAPQuote struct {
	Symbol string  `json:"symbol"`
	VWAP   float64 `json:"vwap"`
	Time   int64   `json:"time"`
	Stale  bool    `json:"stale"`
}

// Finding is a pattern detector result on the trailing candle window.
// Level holds the trigger or zone level, Stop the invalidation level.
type Finding struct {
	Kind     string  `json:"kind"`
	Strength string  `json:"strength"`
	Level    float64 `json:"level"`
	Stop     float64 `json:"stop,omitempty"`
	Upper    float64 `json:"upper,omitempty"`
	Lower    float64 `json:"lower,omitempty"`
	Time     int64   `json:"time"`
}

// Strength labels for findings.
const (
	StrengthWeak     = "weak"
	StrengthModerate = "moderate"
	StrengthStrong   = "strong"
)
