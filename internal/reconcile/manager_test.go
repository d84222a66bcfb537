package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartfeed/internal/fetch"
	"chartfeed/internal/indicator"
	"chartfeed/internal/marketdata/stream"
	"chartfeed/internal/model"
)

const t0 = int64(1705415400) // 2024-01-16 09:30 America/New_York

func mkCandles(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		f := float64(i)
		out[i] = model.Candle{
			Time: t0 + int64(i)*60, Open: 100 + f, High: 101 + f, Low: 99 + f, Close: 100.5 + f, Volume: 1000,
		}
	}
	return out
}

func quote(sym string, bucket int64, price float64, vol int64) stream.Quote {
	return stream.Quote{Tick: model.Tick{
		Symbol: sym, Price: price, CumulativeVolume: vol, TradeTimeMillis: bucket*1000 + 5000,
	}}
}

// ─── fakes ─────────────────────────────────────────────────────────────────

type fakeFetcher struct {
	fn      func(ctx context.Context, symbol string) ([]model.Candle, error)
	started chan string
}

func newFetcher(fn func(ctx context.Context, symbol string) ([]model.Candle, error)) *fakeFetcher {
	return &fakeFetcher{fn: fn, started: make(chan string, 64)}
}

func (f *fakeFetcher) FetchCandles(ctx context.Context, symbol string) ([]model.Candle, error) {
	select {
	case f.started <- symbol:
	default:
	}
	return f.fn(ctx, symbol)
}

type fakeSubscriber struct {
	mu  sync.Mutex
	ops []string
}

func (s *fakeSubscriber) Subscribe(symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.ops = append(s.ops, "+"+sym)
	}
	return nil
}

func (s *fakeSubscriber) Unsubscribe(symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.ops = append(s.ops, "-"+sym)
	}
	return nil
}

func (s *fakeSubscriber) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type recSink struct{ ch chan model.Update }

func (s *recSink) Publish(u model.Update) { s.ch <- u }

type fakeJournal struct {
	mu      sync.Mutex
	candles []model.Candle
}

func (j *fakeJournal) Append(_ string, c model.Candle) {
	j.mu.Lock()
	j.candles = append(j.candles, c)
	j.mu.Unlock()
}

type fakeVWAP struct{ q model.VWAPQuote }

func (f fakeVWAP) VWAP(_ context.Context, symbol string) (model.VWAPQuote, error) {
	q := f.q
	q.Symbol = symbol
	return q, nil
}

// ─── harness ───────────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	m       *Manager
	in      chan stream.Message
	sink    *recSink
	sub     *fakeSubscriber
	journal *fakeJournal
	cancel  context.CancelFunc
	done    chan error
	lastGen uint64
}

func testConfig() Config {
	return Config{
		StaleTimeout: 5 * time.Second,
		PollInterval: time.Hour,
		Fetch: fetch.Config{
			Debounce:     5 * time.Millisecond,
			FetchTimeout: time.Second,
			BackoffBase:  5 * time.Millisecond,
			MaxRetries:   1,
		},
		Indicators: indicator.Config{EMAPeriods: []int{9, 20}},
	}
}

func newHarness(t *testing.T, f fetch.Fetcher, cfg Config, withDeps func(*Deps), withHooks func(*Hooks)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		in:      make(chan stream.Message, 64),
		sink:    &recSink{ch: make(chan model.Update, 512)},
		sub:     &fakeSubscriber{},
		journal: &fakeJournal{},
		done:    make(chan error, 1),
	}
	deps := Deps{Fetcher: f, Subscriber: h.sub, Sink: h.sink, Journal: h.journal}
	if withDeps != nil {
		withDeps(&deps)
	}
	h.m = New(cfg, deps)
	if withHooks != nil {
		withHooks(&h.m.Hooks)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.m.Run(ctx, h.in) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

// next returns the first update matching pred. Every update read on the
// way is checked for ordering.
func (h *harness) next(pred func(model.Update) bool) model.Update {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-h.sink.ch:
			h.checkOrdered(u)
			if pred(u) {
				return u
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for update")
			return model.Update{}
		}
	}
}

func (h *harness) checkOrdered(u model.Update) {
	h.t.Helper()
	require.GreaterOrEqual(h.t, u.Generation, h.lastGen, "generation went backwards")
	h.lastGen = u.Generation
	for i := 1; i < len(u.Candles); i++ {
		require.Greater(h.t, u.Candles[i].Time, u.Candles[i-1].Time, "candle times not strictly increasing")
	}
}

func (h *harness) bootstrap(sym string) model.Update {
	h.t.Helper()
	h.m.SelectSymbol(sym)
	h.next(func(u model.Update) bool { return u.Kind == model.UpdateReplace && u.Status.Phase == model.PhaseLoading })
	return h.next(func(u model.Update) bool {
		return u.Kind == model.UpdateReplace && len(u.Candles) > 0
	})
}

func snapshot(n int) *fakeFetcher {
	return newFetcher(func(context.Context, string) ([]model.Candle, error) { return mkCandles(n), nil })
}

// ─── tests ─────────────────────────────────────────────────────────────────

func TestBootstrapFromSnapshot(t *testing.T) {
	h := newHarness(t, snapshot(3), testConfig(), nil, nil)

	h.m.SelectSymbol(" aapl ")
	first := h.next(func(model.Update) bool { return true })
	assert.Equal(t, model.UpdateReplace, first.Kind)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Empty(t, first.Candles)
	assert.Equal(t, model.StateLoading, first.Status.State)
	assert.NotEmpty(t, first.Status.SessionID)

	u := h.next(func(u model.Update) bool { return len(u.Candles) > 0 })
	assert.Equal(t, model.UpdateReplace, u.Kind)
	require.Len(t, u.Candles, 3)
	assert.Equal(t, model.PhasePolling, u.Status.Phase)
	assert.Equal(t, model.StatePolling, u.Status.State)
	assert.Equal(t, model.SourceREST, u.Status.Source)
	assert.Len(t, u.Indicators.VWAP, 3)
	assert.Equal(t, first.Status.SessionID, u.Status.SessionID)
	assert.Equal(t, []string{"+AAPL"}, h.sub.Ops())
}

func TestSelectSameSymbolIsNoop(t *testing.T) {
	h := newHarness(t, snapshot(2), testConfig(), nil, nil)
	h.bootstrap("AAPL")
	before, err := h.m.Status(context.Background())
	require.NoError(t, err)

	h.m.SelectSymbol("aapl")
	after, err := h.m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, []string{"+AAPL"}, h.sub.Ops())
}

func TestStreamWinsOverlappingBucket(t *testing.T) {
	gate := make(chan struct{})
	f := newFetcher(func(ctx context.Context, _ string) ([]model.Candle, error) {
		select {
		case <-gate:
			return mkCandles(3), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h := newHarness(t, f, testConfig(), nil, nil)

	h.m.SelectSymbol("AAPL")
	h.next(func(u model.Update) bool { return u.Kind == model.UpdateReplace })
	<-f.started

	h.in <- quote("AAPL", t0+120, 200, 5000)
	u := h.next(func(u model.Update) bool { return u.Kind == model.UpdateAppend })
	assert.Equal(t, model.PhaseStreaming, u.Status.Phase)
	require.Len(t, u.Candles, 1)

	close(gate)
	u = h.next(func(u model.Update) bool { return u.Kind == model.UpdateReplace })
	require.Len(t, u.Candles, 3)
	assert.Equal(t, 100.0, u.Candles[0].Open)
	assert.Equal(t, 200.0, u.Candles[2].Close, "stream-built tail must survive the merge")
	assert.Equal(t, model.PhaseStreaming, u.Status.Phase)
	assert.Equal(t, model.SourceStream, u.Status.Source)
	assert.Len(t, u.Indicators.VWAP, 3)
}

func TestSnapshotWinsWhilePolling(t *testing.T) {
	var calls atomic.Int32
	f := newFetcher(func(context.Context, string) ([]model.Candle, error) {
		cs := mkCandles(3)
		if calls.Add(1) > 1 {
			cs[2].Close = 150
			cs[2].High = 150
		}
		return cs, nil
	})
	h := newHarness(t, f, testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.m.ctrl.Refresh()
	u := h.next(func(u model.Update) bool { return u.Kind == model.UpdateTail })
	require.Len(t, u.Candles, 3)
	assert.Equal(t, 150.0, u.Candles[2].Close)
}

func TestStreamAppendsAndJournalsFinalized(t *testing.T) {
	h := newHarness(t, snapshot(3), testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.in <- quote("AAPL", t0+180, 104, 1000)
	u := h.next(func(u model.Update) bool { return u.Kind == model.UpdateAppend })
	require.Len(t, u.Candles, 4)
	assert.Equal(t, model.StateStreaming, u.Status.State)

	h.in <- quote("AAPL", t0+180, 105, 1300)
	u = h.next(func(u model.Update) bool { return u.Kind == model.UpdateTail })
	tail, ok := u.Tail()
	require.True(t, ok)
	assert.Equal(t, 105.0, tail.High)
	assert.Equal(t, int64(300), tail.Volume)

	h.in <- quote("AAPL", t0+240, 106, 1400)
	u = h.next(func(u model.Update) bool { return u.Kind == model.UpdateAppend })
	require.Len(t, u.Candles, 5)

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	require.Len(t, h.journal.candles, 1)
	assert.Equal(t, t0+180, h.journal.candles[0].Time)
}

func TestFirstTickExtendsSnapshotCandle(t *testing.T) {
	h := newHarness(t, snapshot(3), testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.in <- quote("AAPL", t0+120, 102.5, 50000)
	u := h.next(func(u model.Update) bool { return u.Kind == model.UpdateTail })
	require.Len(t, u.Candles, 3)
	tail, ok := u.Tail()
	require.True(t, ok)
	assert.Equal(t, model.Candle{Time: t0 + 120, Open: 102, High: 103, Low: 101, Close: 102.5, Volume: 1000}, tail)

	h.in <- quote("AAPL", t0+120, 103.5, 50100)
	u = h.next(func(u model.Update) bool { return u.Kind == model.UpdateTail })
	tail, _ = u.Tail()
	assert.Equal(t, 102.0, tail.Open)
	assert.Equal(t, 103.5, tail.High)
	assert.Equal(t, 101.0, tail.Low)
	assert.Equal(t, int64(1100), tail.Volume)
}

func TestQuoteBehindSeriesIsDropped(t *testing.T) {
	reasons := make(chan string, 8)
	h := newHarness(t, snapshot(3), testConfig(), nil, func(hk *Hooks) {
		hk.OnDroppedTick = func(r string) { reasons <- r }
	})
	h.bootstrap("AAPL")

	h.in <- quote("AAPL", t0+60, 99, 100)
	assert.Equal(t, "behind_series", <-reasons)
}

func TestOtherSymbolQuoteIgnored(t *testing.T) {
	reasons := make(chan string, 8)
	h := newHarness(t, snapshot(3), testConfig(), nil, func(hk *Hooks) {
		hk.OnDroppedTick = func(r string) { reasons <- r }
	})
	h.bootstrap("AAPL")

	h.in <- quote("MSFT", t0+180, 400, 100)
	assert.Equal(t, "unselected", <-reasons)

	h.in <- quote("AAPL", t0+180, 104, 100)
	u := h.next(func(model.Update) bool { return true })
	assert.Equal(t, model.UpdateAppend, u.Kind)
	tail, _ := u.Tail()
	assert.Equal(t, 104.0, tail.Close)
}

func TestStaleFallbackAndRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.StaleTimeout = 60 * time.Millisecond
	var stale atomic.Int32
	f := snapshot(3)
	h := newHarness(t, f, cfg, nil, func(hk *Hooks) {
		hk.OnStale = func() { stale.Add(1) }
	})
	h.bootstrap("AAPL")
	<-f.started

	h.in <- quote("AAPL", t0+180, 104, 1000)
	h.next(func(u model.Update) bool { return u.Status.Phase == model.PhaseStreaming })

	u := h.next(func(u model.Update) bool { return u.Status.Stale })
	assert.Equal(t, model.PhasePolling, u.Status.Phase)
	assert.Equal(t, model.SourceLocal, u.Status.Source)
	require.NotNil(t, u.Status.StaleSince)
	assert.Equal(t, int32(1), stale.Load())

	select {
	case <-f.started:
	case <-time.After(time.Second):
		t.Fatal("stale fallback did not refresh the snapshot")
	}

	h.in <- quote("AAPL", t0+180, 105, 1100)
	u = h.next(func(u model.Update) bool { return u.Status.Phase == model.PhaseStreaming })
	assert.False(t, u.Status.Stale)
	assert.Nil(t, u.Status.StaleSince)
	assert.Equal(t, model.SourceStream, u.Status.Source)
}

func TestUpstreamDisconnectFallsBack(t *testing.T) {
	h := newHarness(t, snapshot(3), testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.in <- quote("AAPL", t0+180, 104, 1000)
	h.next(func(u model.Update) bool { return u.Status.Phase == model.PhaseStreaming })

	h.in <- stream.Status{Connected: false}
	u := h.next(func(u model.Update) bool { return u.Status.Phase == model.PhasePolling })
	assert.Equal(t, model.UpdateStatus, u.Kind)
	assert.Equal(t, model.StatePolling, u.Status.State)
	assert.Equal(t, model.SourceLocal, u.Status.Source)
	assert.Nil(t, u.Candles)

	h.in <- quote("AAPL", t0+180, 105, 1100)
	h.next(func(u model.Update) bool { return u.Status.Phase == model.PhaseStreaming })

	h.in <- stream.ConnState{Open: false}
	h.next(func(u model.Update) bool { return u.Status.Phase == model.PhasePolling })
}

func TestSwitchCancelsInFlightFetch(t *testing.T) {
	canceled := make(chan string, 4)
	f := newFetcher(func(ctx context.Context, sym string) ([]model.Candle, error) {
		if sym == "AAPL" {
			<-ctx.Done()
			canceled <- sym
			return mkCandles(5), nil
		}
		return mkCandles(2), nil
	})
	h := newHarness(t, f, testConfig(), nil, nil)

	h.m.SelectSymbol("AAPL")
	require.Equal(t, "AAPL", <-f.started)
	h.m.SelectSymbol("MSFT")

	u := h.next(func(u model.Update) bool { return u.Symbol == "MSFT" && len(u.Candles) > 0 })
	assert.Len(t, u.Candles, 2)
	assert.Equal(t, "AAPL", <-canceled)

	st, err := h.m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MSFT", st.Symbol)

	var fetched []string
	for len(f.started) > 0 {
		fetched = append(fetched, <-f.started)
	}
	assert.Equal(t, []string{"MSFT"}, fetched)

	for {
		select {
		case u := <-h.sink.ch:
			h.checkOrdered(u)
			assert.Equal(t, "MSFT", u.Symbol, "stale AAPL data leaked after switch")
		default:
			assert.Equal(t, []string{"+AAPL", "-AAPL", "+MSFT"}, h.sub.Ops())
			return
		}
	}
}

func TestVolumeSpikeCarriedUntilExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.SpikeExpiry = 80 * time.Millisecond
	h := newHarness(t, snapshot(3), cfg, nil, nil)
	h.bootstrap("AAPL")

	h.in <- stream.Spike{Spike: model.VolumeSpike{Symbol: "aapl", Ratio: 4.5, Volume: 250000}}
	u := h.next(func(u model.Update) bool { return u.Spike != nil })
	assert.Equal(t, model.UpdateStatus, u.Kind)
	assert.Equal(t, "AAPL", u.Spike.Symbol)
	assert.Equal(t, 4.5, u.Spike.Ratio)
	assert.False(t, u.Spike.ReceivedAt.IsZero())
	require.Len(t, u.Status.Spikes, 1)

	u = h.next(func(u model.Update) bool { return u.Spike == nil })
	assert.Equal(t, model.UpdateStatus, u.Kind)
	assert.Empty(t, u.Status.Spikes)
}

func TestVolumeSpikeForOtherSymbolInStatus(t *testing.T) {
	h := newHarness(t, snapshot(3), testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.in <- stream.Spike{Spike: model.VolumeSpike{Symbol: "XHLD", Ratio: 3}}
	require.Eventually(t, func() bool { return len(h.m.LastStatus().Spikes) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "XHLD", h.m.LastStatus().Spikes[0].Symbol)

	h.in <- quote("AAPL", t0+180, 104, 1000)
	u := h.next(func(u model.Update) bool { return u.Kind == model.UpdateAppend })
	assert.Nil(t, u.Spike, "spike belongs to another symbol")
	require.Len(t, u.Status.Spikes, 1)
}

func TestNoDataReported(t *testing.T) {
	f := newFetcher(func(context.Context, string) ([]model.Candle, error) { return nil, model.ErrNoData })
	h := newHarness(t, f, testConfig(), nil, nil)

	h.m.SelectSymbol("ZZZZ")
	u := h.next(func(u model.Update) bool { return u.Status.NoData })
	assert.Equal(t, model.UpdateStatus, u.Kind)
	assert.Equal(t, model.PhasePolling, u.Status.Phase)
	assert.Empty(t, u.Status.Error)
}

func TestFetchFailureReported(t *testing.T) {
	f := newFetcher(func(context.Context, string) ([]model.Candle, error) { return nil, permanentErr{} })
	h := newHarness(t, f, testConfig(), nil, nil)

	h.m.SelectSymbol("AAPL")
	u := h.next(func(u model.Update) bool { return u.Status.Error != "" })
	assert.Equal(t, model.PhasePolling, u.Status.Phase)
	assert.False(t, u.Status.NoData)
}

func TestVWAPProxyOverlay(t *testing.T) {
	cfg := testConfig()
	cfg.VWAPPollInterval = 20 * time.Millisecond
	h := newHarness(t, snapshot(3), cfg, func(d *Deps) {
		d.VWAP = fakeVWAP{q: model.VWAPQuote{VWAP: 101.25, Time: t0}}
	}, nil)
	h.bootstrap("AAPL")

	u := h.next(func(u model.Update) bool { return u.VWAPProxy != nil })
	assert.Equal(t, "AAPL", u.VWAPProxy.Symbol)
	assert.InDelta(t, 101.25, u.VWAPProxy.VWAP, 1e-9)
}

func TestDeselectPublishesEmptyReplace(t *testing.T) {
	h := newHarness(t, snapshot(3), testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.m.Deselect()
	u := h.next(func(u model.Update) bool { return u.Status.Phase == model.PhaseClosed })
	assert.Equal(t, model.UpdateReplace, u.Kind)
	assert.Equal(t, "AAPL", u.Symbol)
	assert.Empty(t, u.Candles)
	assert.Equal(t, []string{"+AAPL", "-AAPL"}, h.sub.Ops())
	assert.Equal(t, model.PhaseClosed, h.m.LastStatus().Phase)
}

func TestStatusAfterStop(t *testing.T) {
	h := newHarness(t, snapshot(1), testConfig(), nil, nil)
	h.bootstrap("AAPL")

	h.cancel()
	require.NoError(t, <-h.done)
	h.done <- nil

	_, err := h.m.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "bad request" }
func (permanentErr) Permanent() bool { return true }
