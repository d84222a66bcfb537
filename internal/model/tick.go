package model

import "time"

// Tick is a single trade print from the push stream.
// CumulativeVolume is the session-to-date traded volume, not the size of
// this trade.
type Tick struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	CumulativeVolume int64   `json:"volume"`
	TradeTimeMillis  int64   `json:"trade_time"`
}

// Valid reports whether the tick carries a usable price and timestamp.
// Zero prices and zero timestamps are upstream noise.
func (t Tick) Valid() bool {
	return t.Price > 0 && t.TradeTimeMillis > 0
}

// Bucket returns the minute bucket (Unix seconds) this tick belongs to.
func (t Tick) Bucket() int64 {
	return BucketOf(t.TradeTimeMillis)
}

// TradeTime returns the exchange trade time.
func (t Tick) TradeTime() time.Time {
	return time.UnixMilli(t.TradeTimeMillis)
}
