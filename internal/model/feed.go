package model

import (
	"fmt"
	"time"
)

// Phase is the reconciliation state of a chart session.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseStreaming
	PhasePolling
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseStreaming:
		return "streaming"
	case PhasePolling:
		return "polling"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for q := PhaseLoading; q <= PhaseClosed; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Source names where the most recent candle data came from.
type Source string

const (
	SourceNone   Source = ""
	SourceStream Source = "stream"
	SourceREST   Source = "rest"
	// SourceLocal means the series is being held locally after the live
	// source dropped and before a snapshot replaced it.
	SourceLocal Source = "local"
)

// Connectivity is the user-visible status label.
type Connectivity string

const (
	StateConnected    Connectivity = "connected"
	StateStreaming    Connectivity = "streaming"
	StatePolling      Connectivity = "polling"
	StateDisconnected Connectivity = "disconnected"
	StateLoading      Connectivity = "loading"
)

// FeedState tracks freshness of the live feed for one session.
type FeedState struct {
	Source     Source
	LastTickAt time.Time
	StaleSince time.Time
	Stale      bool
}

// Status is the session status snapshot exposed to consumers.
type Status struct {
	Symbol     string        `json:"symbol"`
	SessionID  string        `json:"session_id"`
	State      Connectivity  `json:"state"`
	Phase      Phase         `json:"phase"`
	Stale      bool          `json:"stale"`
	StaleSince *time.Time    `json:"stale_since,omitempty"`
	LastTickAt *time.Time    `json:"last_tick_at,omitempty"`
	Source     Source        `json:"source,omitempty"`
	NoData     bool          `json:"no_data"`
	Error      string        `json:"error,omitempty"`
	// Spikes lists the unexpired volume spikes for every symbol.
	Spikes     []VolumeSpike `json:"spikes,omitempty"`
}

// VolumeSpike is an upstream alert that a symbol traded far above its
// usual volume. It stays active for a fixed window after ReceivedAt.
type VolumeSpike struct {
	Symbol     string    `json:"symbol"`
	Ratio      float64   `json:"spike_ratio"`
	Volume     int64     `json:"volume,omitempty"`
	Price      float64   `json:"price,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// UpdateKind hints how a consumer should redraw.
type UpdateKind string

const (
	// UpdateReplace means the whole series changed (symbol switch or a
	// snapshot merge that touched more than the tail).
	UpdateReplace UpdateKind = "replace"
	// UpdateAppend means exactly one new candle was added at the tail.
	UpdateAppend UpdateKind = "append"
	// UpdateTail means only the last candle changed in place.
	UpdateTail UpdateKind = "update"
	// UpdateStatus carries status and overlay changes only. Candles,
	// indicators and patterns are omitted.
	UpdateStatus UpdateKind = "status"
)

// Update is one consistent view published by a chart session.
type Update struct {
	Symbol     string          `json:"symbol"`
	Generation uint64          `json:"generation"`
	Kind       UpdateKind      `json:"kind"`
	Candles    []Candle        `json:"candles,omitempty"`
	Indicators IndicatorSeries `json:"indicators"`
	VWAPProxy  *VWAPQuote      `json:"vwap_proxy,omitempty"`
	Patterns   []Finding       `json:"patterns,omitempty"`
	// Spike is the active volume spike for Symbol, if any.
	Spike      *VolumeSpike    `json:"spike,omitempty"`
	Status     Status          `json:"status"`
}

// Tail returns the newest candle in the update, if any.
func (u Update) Tail() (Candle, bool) {
	if len(u.Candles) == 0 {
		return Candle{}, false
	}
	return u.Candles[len(u.Candles)-1], true
}
