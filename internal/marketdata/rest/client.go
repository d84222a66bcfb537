// Package rest is the client for the upstream snapshot API: one-minute
// candles, the upstream VWAP, quotes and trade history.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"chartfeed/internal/breaker"
	"chartfeed/internal/model"
)

// Timeframes served by the candles endpoint.
var Timeframes = map[string]bool{"1m": true, "5m": true, "15m": true, "D": true}

// Config holds the client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration // hard per-request ceiling
	// CacheTTL keeps candle snapshots per symbol and timeframe. Zero
	// disables the cache.
	CacheTTL time.Duration
}

type cacheEntry struct {
	candles []model.Candle
	at      time.Time
}

// Client calls the upstream REST API. Calls go through the breaker set
// for their endpoint, falling back to the default breaker.
type Client struct {
	base     *url.URL
	http     *http.Client
	breaker  *breaker.Breaker
	breakers map[string]*breaker.Breaker
	log      *slog.Logger

	cacheTTL time.Duration
	now      func() time.Time
	mu       sync.Mutex
	cache    map[string]cacheEntry

	// Metrics hooks (optional, set externally)
	OnRequest func(endpoint string, d time.Duration, err error)
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, br *breaker.Breaker, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rest: base url %q needs scheme and host", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if br != nil && br.IsFailure == nil {
		br.IsFailure = CountsAsFailure
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:     u,
		http:     &http.Client{Timeout: cfg.Timeout},
		breaker:  br,
		breakers: make(map[string]*breaker.Breaker),
		log:      log.With("component", "rest"),
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}, nil
}

// SetBreaker gives endpoint its own breaker so its failures do not trip
// the others. Call before the client is used.
func (c *Client) SetBreaker(endpoint string, br *breaker.Breaker) {
	if br != nil && br.IsFailure == nil {
		br.IsFailure = CountsAsFailure
	}
	c.breakers[endpoint] = br
}

func (c *Client) breakerFor(endpoint string) *breaker.Breaker {
	if br, ok := c.breakers[endpoint]; ok {
		return br
	}
	return c.breaker
}

// CountsAsFailure reports whether err says the upstream is unhealthy.
// No-data answers and client errors mean it responded.
func CountsAsFailure(err error) bool {
	if errors.Is(err, ErrNoData) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return true
}

// get issues a GET and decodes a 2xx JSON body into dest.
func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, dest any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}

	start := time.Now()
	var err error
	if br := c.breakerFor(endpoint); br != nil {
		err = br.Execute(call)
	} else {
		err = call()
	}
	if c.OnRequest != nil {
		c.OnRequest(endpoint, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("rest: %s: %w", endpoint, err)
	}
	return nil
}

// wireCandle is the upstream candle shape. Older payloads use
// "timestamp" instead of "timestamp_ms".
type wireCandle struct {
	TimestampMs *int64  `json:"timestamp_ms"`
	Timestamp   *int64  `json:"timestamp"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

func (w wireCandle) millis() int64 {
	switch {
	case w.TimestampMs != nil:
		return *w.TimestampMs
	case w.Timestamp != nil:
		return *w.Timestamp
	default:
		return 0
	}
}

// Candles fetches candles for symbol at timeframe. The result is sorted by
// time with one candle per bucket; malformed candles are dropped. An empty
// or all-placeholder payload, or a 404, yields ErrNoData. Successful
// results are served from the cache while younger than CacheTTL.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string) ([]model.Candle, error) {
	if !Timeframes[timeframe] {
		return nil, fmt.Errorf("rest: candles: %w: %q", ErrTimeframe, timeframe)
	}
	key := symbol + "|" + timeframe
	if cs, ok := c.lookup(key); ok {
		return cs, nil
	}
	cs, err := c.candles(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	c.store(key, cs)
	return cs, nil
}

func (c *Client) lookup(key string) ([]model.Candle, bool) {
	if c.cacheTTL <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.at) >= c.cacheTTL {
		delete(c.cache, key)
		return nil, false
	}
	return model.CloneCandles(e.candles), true
}

func (c *Client) store(key string, cs []model.Candle) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[key] = cacheEntry{candles: model.CloneCandles(cs), at: c.now()}
	c.mu.Unlock()
}

func (c *Client) candles(ctx context.Context, symbol, timeframe string) ([]model.Candle, error) {
	var raw []wireCandle
	err := c.get(ctx, "candles", "/candles/"+symbol, url.Values{"timeframe": {timeframe}}, &raw)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("rest: candles %s: %w", symbol, ErrNoData)
		}
		return nil, err
	}
	return normalize(raw, timeframe == "1m", c.log.With("symbol", symbol))
}

// FetchCandles fetches the one-minute series used by the chart pipeline.
func (c *Client) FetchCandles(ctx context.Context, symbol string) ([]model.Candle, error) {
	return c.Candles(ctx, symbol, "1m")
}

func normalize(raw []wireCandle, alignMinute bool, log *slog.Logger) ([]model.Candle, error) {
	if len(raw) == 0 {
		return nil, ErrNoData
	}
	out := make([]model.Candle, 0, len(raw))
	dropped := 0
	for _, w := range raw {
		c := model.Candle{
			Open:   w.Open,
			High:   w.High,
			Low:    w.Low,
			Close:  w.Close,
			Volume: int64(w.Volume),
		}
		ms := w.millis()
		if alignMinute {
			c.Time = model.BucketOf(ms)
		} else {
			c.Time = ms / 1000
		}
		if c.IsPlaceholder() {
			continue
		}
		if ms <= 0 || !c.Valid() {
			dropped++
			continue
		}
		out = append(out, c)
	}
	if dropped > 0 {
		log.Debug("dropped malformed candles", "count", dropped)
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	// Last one wins on duplicate buckets.
	dedup := out[:0]
	for _, c := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Time == c.Time {
			dedup[n-1] = c
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup, nil
}

type wireVWAP struct {
	VWAP   float64 `json:"vwap"`
	Source string  `json:"source"`
	Stale  bool    `json:"stale"`
}

// VWAP fetches the upstream's own session VWAP for symbol.
func (c *Client) VWAP(ctx context.Context, symbol string) (model.VWAPQuote, error) {
	var w wireVWAP
	if err := c.get(ctx, "vwap", "/vwap/"+symbol, nil, &w); err != nil {
		return model.VWAPQuote{}, err
	}
	if w.VWAP <= 0 {
		return model.VWAPQuote{}, fmt.Errorf("rest: vwap %s: %w", symbol, ErrNoData)
	}
	return model.VWAPQuote{
		Symbol: symbol,
		VWAP:   w.VWAP,
		Time:   time.Now().Unix(),
		Stale:  w.Stale,
	}, nil
}

type wireQuote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	TradeTime int64   `json:"trade_time"`
}

// Quote fetches the last trade for symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (model.Tick, error) {
	var w wireQuote
	if err := c.get(ctx, "quote", "/quote/"+symbol, nil, &w); err != nil {
		return model.Tick{}, err
	}
	t := model.Tick{
		Symbol:           symbol,
		Price:            w.Price,
		CumulativeVolume: int64(w.Volume),
		TradeTimeMillis:  w.TradeTime,
	}
	if !t.Valid() {
		return model.Tick{}, fmt.Errorf("rest: quote %s: %w", symbol, ErrNoData)
	}
	return t, nil
}

// TradeHistory fetches past trade-outcome records as raw JSON.
func (c *Client) TradeHistory(ctx context.Context) ([]json.RawMessage, error) {
	var recs []json.RawMessage
	if err := c.get(ctx, "trade_history", "/trade-history", nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
