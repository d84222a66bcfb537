// Package fetch owns the single authoritative snapshot fetch for the
// tracked symbol: it debounces symbol switches, cancels superseded work,
// and retries transient failures with bounded backoff.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chartfeed/internal/model"
)

// Fetcher loads the candle snapshot for a symbol.
type Fetcher interface {
	FetchCandles(ctx context.Context, symbol string) ([]model.Candle, error)
}

// NoRetries disables retrying; a zero MaxRetries means the default.
const NoRetries = -1

// Config holds the controller timings. Zero values take the defaults.
type Config struct {
	Debounce     time.Duration
	FetchTimeout time.Duration
	BackoffBase  time.Duration
	MaxRetries   int
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 2
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
}

// Kind is the outcome of a fetch.
type Kind int

const (
	KindCandles Kind = iota
	KindNoData
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindCandles:
		return "candles"
	case KindNoData:
		return "no_data"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is a completed fetch for (Symbol, Seq). Receivers must check
// that Seq is still current before applying it.
type Result struct {
	Symbol   string
	Seq      uint64
	Kind     Kind
	Candles  []model.Candle
	Err      error
	Attempts int
}

// IsTransient reports whether err is worth retrying. Cancellation,
// no-data answers and errors that declare themselves permanent are not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, model.ErrNoData):
		return false
	case model.IsPermanent(err):
		return false
	default:
		return true
	}
}

// run is one in-flight fetch loop.
type run struct {
	symbol string
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller serializes snapshot fetches for one chart session.
// Deliver is called from the fetch goroutine; it may block but must not
// call back into the controller.
type Controller struct {
	cfg     Config
	fetcher Fetcher
	deliver func(Result)
	log     *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	stop     context.CancelFunc
	symbol   string
	seq      uint64
	debounce *time.Timer
	inflight *run
	// newest run per symbol, kept until it has fully unwound
	lastRun  map[string]*run

	// Metrics hooks (optional, set externally)
	OnAttempt func(symbol string, attempt int)
	OnResult  func(kind Kind)
}

// NewController creates a controller that reports finished fetches to
// deliver.
func NewController(f Fetcher, cfg Config, deliver func(Result), log *slog.Logger) *Controller {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Controller{
		cfg:     cfg,
		fetcher: f,
		deliver: deliver,
		log:     log.With("component", "fetch"),
		ctx:     ctx,
		stop:    stop,
		lastRun: make(map[string]*run),
	}
}

// SetSymbol makes s the tracked symbol. Re-selecting the tracked symbol
// is a no-op. Otherwise any pending debounce and in-flight fetch are
// cancelled and a fetch for s is scheduled after the debounce delay. An
// empty s stops tracking. Returns the sequence id now current.
func (c *Controller) SetSymbol(s string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil || s == c.symbol {
		return c.seq
	}
	c.stopDebounceLocked()
	c.cancelInflightLocked()

	c.symbol = s
	c.seq++
	if s == "" {
		return c.seq
	}
	seq := c.seq
	c.debounce = time.AfterFunc(c.cfg.Debounce, func() { c.start(s, seq) })
	return seq
}

// Refresh starts an immediate fetch for the tracked symbol. It does
// nothing while a fetch is in flight or a debounce is pending, so polling
// can never stack requests. Reports whether a fetch was started.
func (c *Controller) Refresh() bool {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.symbol == "" || c.debounce != nil || c.inflight != nil {
		c.mu.Unlock()
		return false
	}
	s, seq := c.symbol, c.seq
	c.mu.Unlock()
	return c.start(s, seq)
}

// Current returns the tracked symbol and its sequence id.
func (c *Controller) Current() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbol, c.seq
}

// IsCurrent reports whether (symbol, seq) is still the tracked request.
func (c *Controller) IsCurrent(symbol string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCurrentLocked(symbol, seq)
}

// InFlight reports whether a fetch is running.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Close cancels all pending and in-flight work. The controller is
// unusable afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopDebounceLocked()
	c.cancelInflightLocked()
	c.symbol = ""
	c.seq++
	c.mu.Unlock()
	c.stop()
}

func (c *Controller) isCurrentLocked(symbol string, seq uint64) bool {
	return c.ctx.Err() == nil && symbol != "" && symbol == c.symbol && seq == c.seq
}

func (c *Controller) stopDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

func (c *Controller) cancelInflightLocked() {
	if c.inflight != nil {
		c.inflight.cancel()
		c.inflight = nil
	}
}

// start launches the fetch loop for (symbol, seq) unless it has been
// superseded or a fetch is already running.
func (c *Controller) start(symbol string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isCurrentLocked(symbol, seq) {
		return false
	}
	c.debounce = nil
	if c.inflight != nil {
		return false
	}

	// A cancelled run for the same symbol may still be unwinding; the new
	// run waits for it so two requests for one symbol never overlap.
	var prev chan struct{}
	if last := c.lastRun[symbol]; last != nil {
		prev = last.done
	}

	ctx, cancel := context.WithCancel(c.ctx)
	r := &run{symbol: symbol, seq: seq, cancel: cancel, done: make(chan struct{})}
	c.inflight = r
	c.lastRun[symbol] = r
	go c.loop(ctx, r, prev)
	return true
}

// loop is the explicit retry loop: attempt 0..MaxRetries with
// BackoffBase·2^attempt between attempts.
func (c *Controller) loop(ctx context.Context, r *run, prev <-chan struct{}) {
	defer c.finish(r)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	log := c.log.With("symbol", r.symbol, "seq", r.seq)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil || !c.IsCurrent(r.symbol, r.seq) {
			return
		}
		if c.OnAttempt != nil {
			c.OnAttempt(r.symbol, attempt)
		}

		actx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		candles, err := c.fetcher.FetchCandles(actx, r.symbol)
		cancel()

		// Superseded while the request was running.
		if ctx.Err() != nil || !c.IsCurrent(r.symbol, r.seq) {
			log.Debug("dropping superseded fetch result", "attempt", attempt)
			return
		}

		res := Result{Symbol: r.symbol, Seq: r.seq, Attempts: attempt + 1}
		switch {
		case err == nil && len(candles) == 0:
			res.Kind = KindNoData
		case err == nil:
			res.Kind = KindCandles
			res.Candles = candles
		case errors.Is(err, model.ErrNoData):
			res.Kind = KindNoData
		case IsTransient(err) && attempt < c.cfg.MaxRetries:
			wait := c.cfg.BackoffBase << attempt
			log.Warn("fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		default:
			log.Error("fetch failed", "attempts", attempt+1, "error", err)
			res.Kind = KindFailed
			res.Err = err
		}

		if c.OnResult != nil {
			c.OnResult(res.Kind)
		}
		c.release(r)
		c.deliver(res)
		return
	}
}

// release clears r as the in-flight fetch so a Refresh issued in
// response to its result is not refused.
func (c *Controller) release(r *run) {
	c.mu.Lock()
	if c.inflight == r {
		c.inflight = nil
	}
	c.mu.Unlock()
}

func (c *Controller) finish(r *run) {
	c.mu.Lock()
	if c.inflight == r {
		c.inflight = nil
	}
	if c.lastRun[r.symbol] == r {
		delete(c.lastRun, r.symbol)
	}
	c.mu.Unlock()
	r.cancel()
	close(r.done)
}
