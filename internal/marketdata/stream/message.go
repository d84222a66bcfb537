package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"chartfeed/internal/model"
)

// ErrMalformed is returned by Decode for frames that are not a valid
// quote, status or volume spike message.
var ErrMalformed = errors.New("malformed frame")

// Message is one event from the push transport: Quote, Status, Spike or
// ConnState.
type Message interface{ isMessage() }

// Quote is a trade print for a subscribed symbol.
type Quote struct{ Tick model.Tick }

// Status is the upstream's own feed health, distinct from the socket
// state: the socket may stay open while the upstream feed is down.
type Status struct{ Connected bool }

// Spike is an upstream volume spike alert. ReceivedAt is left for the
// consumer to stamp.
type Spike struct{ Spike model.VolumeSpike }

// ConnState reports the local socket opening or closing.
type ConnState struct {
	Open bool
	Err  error
}

func (Quote) isMessage()     {}
func (Status) isMessage()    {}
func (Spike) isMessage()     {}
func (ConnState) isMessage() {}

type frame struct {
	Type      string   `json:"type"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	Volume    *float64 `json:"volume"`
	TradeTime *float64 `json:"trade_time"`
	Connected *bool    `json:"connected"`
	Ratio     *float64 `json:"spike_ratio"`
}

// Decode parses one server frame into a Quote, Status or Spike.
// Zero prices and timestamps are passed through; the aggregator treats
// them as noise.
func Decode(raw []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case "quote":
		if f.Symbol == "" || f.Price == nil {
			return nil, fmt.Errorf("%w: quote missing symbol or price", ErrMalformed)
		}
		t := model.Tick{Symbol: f.Symbol, Price: *f.Price}
		if f.Volume != nil {
			t.CumulativeVolume = int64(*f.Volume)
		}
		if f.TradeTime != nil {
			t.TradeTimeMillis = int64(*f.TradeTime)
		}
		return Quote{Tick: t}, nil
	case "status":
		if f.Connected == nil {
			return nil, fmt.Errorf("%w: status missing connected", ErrMalformed)
		}
		return Status{Connected: *f.Connected}, nil
	case "volume_spike":
		if f.Symbol == "" || f.Ratio == nil || *f.Ratio <= 0 {
			return nil, fmt.Errorf("%w: volume_spike missing symbol or ratio", ErrMalformed)
		}
		sp := model.VolumeSpike{Symbol: f.Symbol, Ratio: *f.Ratio}
		if f.Volume != nil {
			sp.Volume = int64(*f.Volume)
		}
		if f.Price != nil {
			sp.Price = *f.Price
		}
		return Spike{Spike: sp}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}
}

// command is the client→server subscription message.
type command struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}
