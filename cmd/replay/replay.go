package main

import (
	"context"
	"fmt"

	"chartfeed/internal/indicator"
	"chartfeed/internal/model"
	"chartfeed/internal/pattern"
)

// CandleSource reads journaled candles.
type CandleSource interface {
	ReadCandles(ctx context.Context, symbol string, from, to int64) ([]model.Candle, error)
}

// Event is a finding first seen when the series reached Candle.
type Event struct {
	Candle  model.Candle
	Finding model.Finding
}

// Summary is the outcome of replaying one symbol.
type Summary struct {
	Symbol  string
	Candles int
	Events  []Event
	Last    model.IndicatorSeries
}

// Replay feeds symbol's journal through the indicator engine and the
// detectors one candle at a time, the way a live session grows.
func Replay(ctx context.Context, src CandleSource, symbol string, from, to int64,
	cfg indicator.Config, detectors []pattern.Detector) (Summary, error) {
	candles, err := src.ReadCandles(ctx, symbol, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", symbol, err)
	}
	sum := Summary{Symbol: symbol, Candles: len(candles)}
	if len(candles) == 0 {
		return sum, nil
	}

	eng := indicator.NewEngine(cfg)
	seen := make(map[string]bool)
	for i := 1; i <= len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		prefix := candles[:i]
		if i == 1 {
			sum.Last = eng.Compute(prefix)
		} else {
			sum.Last = eng.ApplyTail(prefix)
		}
		for _, f := range pattern.DetectAll(prefix, detectors) {
			key := fmt.Sprintf("%s/%d", f.Kind, f.Time)
			if seen[key] {
				continue
			}
			seen[key] = true
			sum.Events = append(sum.Events, Event{Candle: prefix[i-1], Finding: f})
		}
	}
	return sum, nil
}
