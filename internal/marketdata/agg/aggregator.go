// Package agg folds trade ticks into one-minute OHLCV candles.
package agg

import (
	"context"
	"log/slog"

	"chartfeed/internal/model"
)

// DropReason says why a tick did not change any candle.
type DropReason int

const (
	DropNone DropReason = iota
	// DropInvalid is a zero price or zero timestamp.
	DropInvalid
	// DropLate is a tick whose minute is older than the open candle.
	DropLate
)

func (r DropReason) String() string {
	switch r {
	case DropInvalid:
		return "invalid"
	case DropLate:
		return "late"
	default:
		return "none"
	}
}

// State is the in-progress candle for one symbol plus the cumulative
// volume observed when its minute opened. The zero value means no candle
// has been started.
type State struct {
	Open     bool
	Candle   model.Candle
	Baseline int64
}

// Result is the outcome of folding one tick.
type Result struct {
	// Candle is the candle the tick landed in, after the update.
	Candle model.Candle
	// Finalized is set when the tick opened a new minute; it holds the
	// closed previous candle.
	Finalized *model.Candle
	Dropped   DropReason
}

// Fold applies tick t to st and returns the new state. It never mutates
// st. Same-minute ticks update high/low/close and set volume from the
// cumulative baseline; a newer minute starts a fresh candle whose volume
// begins at zero.
func Fold(st State, t model.Tick) (State, Result) {
	if !t.Valid() {
		return st, Result{Candle: st.Candle, Dropped: DropInvalid}
	}
	bucket := t.Bucket()

	if st.Open && bucket < st.Candle.Time {
		return st, Result{Candle: st.Candle, Dropped: DropLate}
	}

	if !st.Open || bucket > st.Candle.Time {
		next := State{
			Open:     true,
			Baseline: t.CumulativeVolume,
			Candle: model.Candle{
				Time:  bucket,
				Open:  t.Price,
				High:  t.Price,
				Low:   t.Price,
				Close: t.Price,
			},
		}
		res := Result{Candle: next.Candle}
		if st.Open {
			prev := st.Candle
			res.Finalized = &prev
		}
		return next, res
	}

	c := st.Candle
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume = t.CumulativeVolume - st.Baseline
	if c.Volume < 0 {
		c.Volume = 0
	}
	st.Candle = c
	return st, Result{Candle: c}
}

// Aggregator keeps fold state per symbol.
// It is not safe for concurrent use; callers own it from one goroutine.
type Aggregator struct {
	states map[string]State

	// Metrics hooks (optional, set externally)
	OnDroppedTick func(reason DropReason)
	OnFinalized   func(c model.Candle)
}

// New creates a new Aggregator.
func New() *Aggregator {
	return &Aggregator{states: make(map[string]State)}
}

// Process folds one tick into its symbol's state.
func (a *Aggregator) Process(t model.Tick) Result {
	st, res := Fold(a.states[t.Symbol], t)
	if res.Dropped != DropNone {
		if a.OnDroppedTick != nil {
			a.OnDroppedTick(res.Dropped)
		}
		return res
	}
	a.states[t.Symbol] = st
	if res.Finalized != nil && a.OnFinalized != nil {
		a.OnFinalized(*res.Finalized)
	}
	return res
}

// Current returns the open candle for symbol.
func (a *Aggregator) Current(symbol string) (model.Candle, bool) {
	st, ok := a.states[symbol]
	if !ok || !st.Open {
		return model.Candle{}, false
	}
	return st.Candle, true
}

// Seed opens c as the in-progress candle for symbol so that later ticks in
// the same minute extend it instead of starting over. cumVolume is the
// cumulative volume of the tick about to be folded; the baseline is set so
// that tick reports c.Volume. Seed is a no-op when a newer candle is
// already open; an open candle for the same minute is replaced. A replaced
// older candle is returned as finalized.
func (a *Aggregator) Seed(symbol string, c model.Candle, cumVolume int64) *model.Candle {
	st := a.states[symbol]
	if st.Open && st.Candle.Time > c.Time {
		return nil
	}
	baseline := cumVolume - c.Volume
	if baseline < 0 {
		baseline = 0
	}
	a.states[symbol] = State{Open: true, Candle: c, Baseline: baseline}
	if !st.Open || st.Candle.Time == c.Time {
		return nil
	}
	prev := st.Candle
	if a.OnFinalized != nil {
		a.OnFinalized(prev)
	}
	return &prev
}

// Reset forgets all state for symbol.
func (a *Aggregator) Reset(symbol string) {
	delete(a.states, symbol)
}

// Run consumes ticks from tickCh, sending each finalized candle to
// candleCh. Open candles are flushed when tickCh closes. Blocks until
// tickCh closes or ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, candleCh chan<- model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(ctx, candleCh)
				return
			}
			res := a.Process(tick)
			if res.Finalized != nil && !emit(ctx, *res.Finalized, candleCh) {
				return
			}
		}
	}
}

// flushAll emits all open candles and clears state.
func (a *Aggregator) flushAll(ctx context.Context, candleCh chan<- model.Candle) {
	for sym, st := range a.states {
		delete(a.states, sym)
		if st.Open && !emit(ctx, st.Candle, candleCh) {
			return
		}
	}
}

func emit(ctx context.Context, c model.Candle, candleCh chan<- model.Candle) bool {
	select {
	case candleCh <- c:
		return true
	case <-ctx.Done():
		slog.Warn("agg: context done, dropping candle", "time", c.Time)
		return false
	}
}
