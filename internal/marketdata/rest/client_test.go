package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartfeed/internal/breaker"
	"chartfeed/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, br *breaker.Breaker) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, br, nil)
	require.NoError(t, err)
	return c
}

func TestCandles_NormalizesPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/candles/AAPL", r.URL.Path)
		assert.Equal(t, "1m", r.URL.Query().Get("timeframe"))
		w.Write([]byte(`[
			{"timestamp_ms": 1705329060000, "open": 101, "high": 102, "low": 100.5, "close": 101.5, "volume": 900},
			{"timestamp_ms": 1705329000500, "open": 100, "high": 101, "low": 99.5, "close": 100.5, "volume": 1200},
			{"timestamp_ms": 1705329061000, "open": 101, "high": 103, "low": 100.5, "close": 102.5, "volume": 1000},
			{"timestamp_ms": 1705329120000, "open": -1, "high": 1, "low": 1, "close": 1, "volume": 1},
			{"timestamp": 1705329180000, "open": 102, "high": 102.4, "low": 101.9, "close": 102.2, "volume": 300}
		]`))
	}, nil)

	got, err := c.FetchCandles(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, int64(1705329000), got[0].Time)
	assert.Equal(t, int64(1705329060), got[1].Time)
	assert.Equal(t, 102.5, got[1].Close, "last duplicate bucket wins")
	assert.Equal(t, int64(1705329180), got[2].Time, "legacy timestamp key")
}

func TestCandles_NoData(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"empty array", 200, `[]`},
		{"all placeholders", 200, `[{"timestamp_ms":1705329000000,"open":0,"high":0,"low":0,"close":0,"volume":0}]`},
		{"not found", 404, `{"detail":"no data"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}, nil)
			_, err := c.FetchCandles(context.Background(), "ZZZ")
			assert.ErrorIs(t, err, ErrNoData)
			assert.ErrorIs(t, err, model.ErrNoData)
		})
	}
}

func TestCandles_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}, nil)
		_, err := c.FetchCandles(context.Background(), "AAPL")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStatus)
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, tc.status, se.Code)
		assert.Equal(t, tc.permanent, model.IsPermanent(err), "status %d", tc.status)
	}
}

func TestCandles_RejectsTimeframe(t *testing.T) {
	var hits int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}, nil)
	_, err := c.Candles(context.Background(), "AAPL", "3m")
	assert.ErrorIs(t, err, ErrTimeframe)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	br := breaker.New(3, time.Minute)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, br)

	for i := 0; i < 3; i++ {
		_, err := c.FetchCandles(context.Background(), "AAPL")
		assert.ErrorIs(t, err, ErrStatus)
	}
	_, err := c.FetchCandles(context.Background(), "AAPL")
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, breaker.StateOpen, br.CurrentState())
}

func TestVWAPBreakerIsolatedFromCandles(t *testing.T) {
	shared := breaker.New(3, time.Minute)
	vwapBr := breaker.New(3, time.Minute)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/vwap/AAPL" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[{"timestamp_ms":1705329000000,"open":1,"high":1,"low":1,"close":1,"volume":1}]`))
	}, shared)
	c.SetBreaker("vwap", vwapBr)

	for i := 0; i < 3; i++ {
		_, err := c.VWAP(context.Background(), "AAPL")
		assert.ErrorIs(t, err, ErrStatus)
	}
	_, err := c.VWAP(context.Background(), "AAPL")
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, breaker.StateOpen, vwapBr.CurrentState())

	got, err := c.FetchCandles(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, breaker.StateClosed, shared.CurrentState())
}

func TestCandlesCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/candles/ZZZ" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if n > 1 {
			w.Write([]byte(`[{"timestamp_ms":1705329000000,"open":2,"high":2,"low":2,"close":2,"volume":2}]`))
			return
		}
		w.Write([]byte(`[{"timestamp_ms":1705329000000,"open":1,"high":1,"low":1,"close":1,"volume":1}]`))
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, CacheTTL: time.Minute}, nil, nil)
	require.NoError(t, err)
	now := time.Unix(1705329000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := c.FetchCandles(ctx, "AAPL")
	require.NoError(t, err)
	first[0].Close = 99

	again, err := c.FetchCandles(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again[0].Close, "cached copy must not alias the caller's slice")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	_, err = c.Candles(ctx, "AAPL", "5m")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "timeframes are cached separately")

	now = now.Add(time.Minute)
	fresh, err := c.FetchCandles(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2.0, fresh[0].Close)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	for i := 0; i < 2; i++ {
		_, err = c.FetchCandles(ctx, "ZZZ")
		assert.ErrorIs(t, err, ErrNoData)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "errors are not cached")
}

func TestBreakerIgnoresNoData(t *testing.T) {
	br := breaker.New(1, time.Minute)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}, br)
	for i := 0; i < 3; i++ {
		_, err := c.FetchCandles(context.Background(), "AAPL")
		assert.ErrorIs(t, err, ErrNoData)
	}
	assert.Equal(t, breaker.StateClosed, br.CurrentState())
}

func TestCancelledRequest(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, nil)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.FetchCandles(ctx, "AAPL")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVWAPQuoteAndHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vwap/AAPL":
			w.Write([]byte(`{"vwap": 187.42, "source": "stream", "stale": false}`))
		case "/quote/AAPL":
			w.Write([]byte(`{"symbol":"AAPL","price":187.5,"volume":1200000,"trade_time":1705329001000}`))
		case "/trade-history":
			w.Write([]byte(`[{"symbol":"AAPL","pnl":1.5},{"symbol":"TSLA","pnl":-0.4}]`))
		default:
			http.NotFound(w, r)
		}
	}, nil)
	ctx := context.Background()

	v, err := c.VWAP(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 187.42, v.VWAP)
	assert.False(t, v.Stale)

	q, err := c.Quote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(1200000), q.CumulativeVolume)
	assert.Equal(t, int64(1705329001000), q.TradeTimeMillis)

	recs, err := c.TradeHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.JSONEq(t, `{"symbol":"AAPL","pnl":1.5}`, string(recs[0]))
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost:8000"}, nil, nil)
	assert.Error(t, err)
}
