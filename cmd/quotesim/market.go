package main

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// wireCandle matches the upstream candle payload.
type wireCandle struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

// quoteMsg is both the stream frame and the REST quote body.
type quoteMsg struct {
	Type      string  `json:"type,omitempty"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	TradeTime int64   `json:"trade_time"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	symbol  string
	price   float64
	cumVol  int64
	pv      float64 // session price*volume
	vol     float64 // session volume
	day     string
	candles []wireCandle // one-minute history, oldest first
}

// market is a random-walk quote source with minute history.
type market struct {
	mu    sync.RWMutex
	rng   *rand.Rand
	inst  map[string]*instrument
	loc   *time.Location
	limit int
}

var defaultPrices = map[string]float64{
	"AAPL": 185.50,
	"MSFT": 402.10,
	"TSLA": 238.75,
	"NVDA": 875.20,
	"SPY":  512.40,
}

func newMarket(symbols []string, history int, seed int64, loc *time.Location, now time.Time) *market {
	m := &market{
		rng:   rand.New(rand.NewSource(seed)),
		inst:  make(map[string]*instrument, len(symbols)),
		loc:   loc,
		limit: history * 2,
	}
	if m.limit < 100 {
		m.limit = 100
	}
	start := now.Truncate(time.Minute).Add(-time.Duration(history) * time.Minute)
	for _, sym := range symbols {
		price, ok := defaultPrices[sym]
		if !ok {
			price = 100
		}
		in := &instrument{symbol: sym, price: price}
		for i := 0; i < history; i++ {
			ts := start.Add(time.Duration(i) * time.Minute)
			for j := 0; j < 4; j++ {
				m.trade(in, ts.Add(time.Duration(j*15)*time.Second))
			}
		}
		m.inst[sym] = in
	}
	return m
}

// walk applies a small random step (±0.1%).
func (m *market) walk(price float64) float64 {
	pct := (m.rng.Float64()*0.2 - 0.1) / 100.0
	p := price * (1 + pct)
	if p < 0.01 {
		p = 0.01
	}
	return math.Round(p*100) / 100
}

// trade prints one trade at ts and folds it into the minute history.
func (m *market) trade(in *instrument, ts time.Time) quoteMsg {
	in.price = m.walk(in.price)
	qty := int64(m.rng.Intn(100) + 1)
	in.cumVol += qty

	if day := ts.In(m.loc).Format("2006-01-02"); day != in.day {
		in.day, in.pv, in.vol = day, 0, 0
	}
	in.pv += in.price * float64(qty)
	in.vol += float64(qty)

	bucket := ts.Truncate(time.Minute).UnixMilli()
	n := len(in.candles)
	if n > 0 && in.candles[n-1].TimestampMs == bucket {
		c := &in.candles[n-1]
		c.High = math.Max(c.High, in.price)
		c.Low = math.Min(c.Low, in.price)
		c.Close = in.price
		c.Volume += float64(qty)
	} else {
		in.candles = append(in.candles, wireCandle{
			TimestampMs: bucket,
			Open:        in.price,
			High:        in.price,
			Low:         in.price,
			Close:       in.price,
			Volume:      float64(qty),
		})
		if len(in.candles) > m.limit {
			in.candles = in.candles[len(in.candles)-m.limit:]
		}
	}

	return quoteMsg{
		Type:      "quote",
		Symbol:    in.symbol,
		Price:     in.price,
		Volume:    float64(in.cumVol),
		TradeTime: ts.UnixMilli(),
	}
}

// step prints one trade per instrument.
func (m *market) step(now time.Time) []quoteMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]quoteMsg, 0, len(m.inst))
	for _, sym := range m.symbolsLocked() {
		out = append(out, m.trade(m.inst[sym], now))
	}
	return out
}

func (m *market) symbolsLocked() []string {
	syms := make([]string, 0, len(m.inst))
	for s := range m.inst {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// Symbols returns the simulated symbols, sorted.
func (m *market) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.symbolsLocked()
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"D":   24 * time.Hour,
}

// Candles returns symbol's history at timeframe. ok is false for an
// unknown symbol.
func (m *market) Candles(symbol, timeframe string) (out []wireCandle, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inst[symbol]
	if !ok {
		return nil, false
	}
	width := timeframes[timeframe]
	if width == time.Minute {
		return append([]wireCandle(nil), in.candles...), true
	}
	for _, c := range in.candles {
		var start int64
		if width == 24*time.Hour {
			t := time.UnixMilli(c.TimestampMs).In(m.loc)
			start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, m.loc).UnixMilli()
		} else {
			start = c.TimestampMs - c.TimestampMs%width.Milliseconds()
		}
		if n := len(out); n > 0 && out[n-1].TimestampMs == start {
			b := &out[n-1]
			b.High = math.Max(b.High, c.High)
			b.Low = math.Min(b.Low, c.Low)
			b.Close = c.Close
			b.Volume += c.Volume
			continue
		}
		c.TimestampMs = start
		out = append(out, c)
	}
	return out, true
}

// Quote returns symbol's last trade.
func (m *market) Quote(symbol string) (quoteMsg, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inst[symbol]
	if !ok || len(in.candles) == 0 {
		return quoteMsg{}, false
	}
	return quoteMsg{
		Symbol:    symbol,
		Price:     in.price,
		Volume:    float64(in.cumVol),
		TradeTime: in.candles[len(in.candles)-1].TimestampMs,
	}, true
}

// VWAP returns symbol's session VWAP.
func (m *market) VWAP(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inst[symbol]
	if !ok || in.vol == 0 {
		return 0, false
	}
	return math.Round(in.pv/in.vol*10000) / 10000, true
}
