package indicator

import (
	"sort"
	"time"

	"chartfeed/internal/model"
)

// Config specifies which overlays the engine maintains.
type Config struct {
	EMAPeriods []int
	Location   *time.Location // session calendar for VWAP; nil means UTC
}

// Engine maintains VWAP and a set of EMAs for one candle series.
// Not safe for concurrent use.
type Engine struct {
	vwap *VWAP
	emas []*EMA

	// Metrics hooks (optional, set externally)
	OnCompute func(full bool, d time.Duration)
}

// NewEngine creates an indicator engine for cfg. Duplicate and
// non-positive EMA periods are ignored.
func NewEngine(cfg Config) *Engine {
	periods := make([]int, 0, len(cfg.EMAPeriods))
	seen := make(map[int]bool, len(cfg.EMAPeriods))
	for _, p := range cfg.EMAPeriods {
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		periods = append(periods, p)
	}
	sort.Ints(periods)

	e := &Engine{vwap: NewVWAP(cfg.Location)}
	for _, p := range periods {
		e.emas = append(e.emas, NewEMA(p))
	}
	return e
}

func (e *Engine) all() []Series {
	out := make([]Series, 0, len(e.emas)+1)
	out = append(out, e.vwap)
	for _, ema := range e.emas {
		out = append(out, ema)
	}
	return out
}

// Compute rebuilds every series from candles and returns a snapshot.
func (e *Engine) Compute(candles []model.Candle) model.IndicatorSeries {
	start := time.Now()
	for _, s := range e.all() {
		s.Compute(candles)
	}
	e.observe(true, start)
	return e.Series()
}

// ApplyTail updates every series after the last candle changed or was
// appended and returns a snapshot.
func (e *Engine) ApplyTail(candles []model.Candle) model.IndicatorSeries {
	start := time.Now()
	for _, s := range e.all() {
		s.Apply(candles)
	}
	e.observe(false, start)
	return e.Series()
}

// Reset clears every series.
func (e *Engine) Reset() {
	for _, s := range e.all() {
		s.Reset()
	}
}

// Series returns a copy of the current overlays.
func (e *Engine) Series() model.IndicatorSeries {
	out := model.IndicatorSeries{
		VWAP: e.vwap.Points(),
		EMA:  make(map[int][]model.Point, len(e.emas)),
	}
	for _, ema := range e.emas {
		out.EMA[ema.Period()] = ema.Points()
	}
	return out
}

func (e *Engine) observe(full bool, start time.Time) {
	if e.OnCompute != nil {
		e.OnCompute(full, time.Since(start))
	}
}
