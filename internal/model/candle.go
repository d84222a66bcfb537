package model

// BucketSeconds is the width of a chart candle.
const BucketSeconds = 60

// Candle is one minute of OHLCV for the tracked symbol.
// Time is the bucket start in Unix seconds and is always minute-aligned.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// BucketOf maps an exchange timestamp in milliseconds to the start of its
// minute bucket in seconds.
func BucketOf(tsMillis int64) int64 {
	return (tsMillis / (BucketSeconds * 1000)) * BucketSeconds
}

// TypicalPrice returns (high + low + close) / 3.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// Valid reports whether the candle can feed indicators.
func (c Candle) Valid() bool {
	return c.Open > 0 && c.High > 0 && c.Low > 0 && c.Close > 0 &&
		c.High >= c.Low && c.Volume >= 0
}

// IsPlaceholder reports whether every price field is zero. Upstream uses
// such candles to mean "nothing traded yet".
func (c Candle) IsPlaceholder() bool {
	return c.Open == 0 && c.High == 0 && c.Low == 0 && c.Close == 0
}

// CloneCandles returns an independent copy of s.
func CloneCandles(s []Candle) []Candle {
	if s == nil {
		return nil
	}
	out := make([]Candle, len(s))
	copy(out, s)
	return out
}
