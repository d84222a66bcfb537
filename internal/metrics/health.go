package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is a dependency the liveness checker can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the pipeline health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool
	UpstreamUp      bool
	LastTickTime    time.Time
	Symbol          string
	Phase           string
	Market          string

	redisEnabled   bool
	RedisConnected bool
	RedisLatencyMs float64

	sqliteEnabled   bool
	SQLiteOK        bool
	SQLiteLatencyMs float64

	LastCheckAt time.Time
	StartedAt   time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetUpstreamUp(v bool) {
	h.mu.Lock()
	h.UpstreamUp = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSession(symbol, phase string) {
	h.mu.Lock()
	h.Symbol = symbol
	h.Phase = phase
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarket(status string) {
	h.mu.Lock()
	h.Market = status
	h.mu.Unlock()
}

// check pings p and reports whether it answered and how long it took.
func check(ctx context.Context, p Pinger) (bool, float64) {
	start := time.Now()
	err := p.Ping(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000.0
}

// StartLivenessChecker runs periodic dependency checks. Nil pingers are
// treated as not configured and do not affect the overall status.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, redis, sqlite Pinger, interval time.Duration) {
	h.mu.Lock()
	h.redisEnabled = redis != nil
	h.sqliteEnabled = sqlite != nil
	h.mu.Unlock()

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if redis != nil {
			ok, ms := check(probeCtx, redis)
			h.mu.Lock()
			h.RedisConnected, h.RedisLatencyMs = ok, ms
			h.mu.Unlock()
		}
		if sqlite != nil {
			ok, ms := check(probeCtx, sqlite)
			h.mu.Lock()
			h.SQLiteOK, h.SQLiteLatencyMs = ok, ms
			h.mu.Unlock()
		}
		h.mu.Lock()
		h.LastCheckAt = time.Now()
		h.mu.Unlock()
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.StreamConnected || (h.redisEnabled && !h.RedisConnected) || (h.sqliteEnabled && !h.SQLiteOK) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		StreamConnected bool    `json:"stream_connected"`
		UpstreamUp      bool    `json:"upstream_up"`
		LastTickTime    string  `json:"last_tick_time,omitempty"`
		TickAge         string  `json:"tick_age,omitempty"`
		Symbol          string  `json:"symbol,omitempty"`
		Phase           string  `json:"phase,omitempty"`
		Market          string  `json:"market,omitempty"`
		RedisConnected  *bool   `json:"redis_connected,omitempty"`
		RedisLatencyMs  float64 `json:"redis_latency_ms,omitempty"`
		SQLiteOK        *bool   `json:"sqlite_ok,omitempty"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms,omitempty"`
		LastCheckAt     string  `json:"last_check_at,omitempty"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		UpstreamUp:      h.UpstreamUp,
		LastTickTime:    lastTick,
		TickAge:         tickAge,
		Symbol:          h.Symbol,
		Phase:           h.Phase,
		Market:          h.Market,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	if h.redisEnabled {
		v := h.RedisConnected
		status.RedisConnected = &v
	}
	if h.sqliteEnabled {
		v := h.SQLiteOK
		status.SQLiteOK = &v
	}
	if !h.LastCheckAt.IsZero() {
		status.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
