// Package indicator computes chart overlay series from a candle series.
//
// Each series supports a full Compute over the candles and an Apply step
// for the common case where only the tail candle changed or one candle
// was appended. Apply falls back to Compute when it cannot update in
// place, so both paths always produce identical output.
package indicator

import "chartfeed/internal/model"

// Series is an overlay computed point-for-point from candles.
type Series interface {
	// Name returns the series name (e.g., "VWAP", "EMA_9").
	Name() string

	// Compute rebuilds the series from scratch.
	Compute(candles []model.Candle)

	// Apply updates the series after the last element of candles was
	// replaced or appended.
	Apply(candles []model.Candle)

	// Reset clears all state.
	Reset()
}
