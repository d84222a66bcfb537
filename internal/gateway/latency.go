package gateway

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Latency summarises tick-to-broadcast delay in milliseconds.
type Latency struct {
	P50     float64 `json:"p50_ms"`
	P95     float64 `json:"p95_ms"`
	P99     float64 `json:"p99_ms"`
	Samples int     `json:"samples"`
}

// LatencyTracker keeps the most recent samples in a ring. Thread-safe.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int
	count   int
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]time.Duration, capacity)}
}

// Record adds a sample. Negative samples (clock skew) are ignored.
func (lt *LatencyTracker) Record(d time.Duration) {
	if d < 0 {
		return
	}
	lt.mu.Lock()
	lt.samples[lt.pos] = d
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Snapshot returns the current percentiles. Zero when empty.
func (lt *LatencyTracker) Snapshot() Latency {
	lt.mu.Lock()
	ms := make([]float64, lt.count)
	for i := 0; i < lt.count; i++ {
		ms[i] = float64(lt.samples[i].Microseconds()) / 1000.0
	}
	lt.mu.Unlock()

	if len(ms) == 0 {
		return Latency{}
	}
	sort.Float64s(ms)
	return Latency{
		P50:     percentile(ms, 0.50),
		P95:     percentile(ms, 0.95),
		P99:     percentile(ms, 0.99),
		Samples: len(ms),
	}
}

// percentile interpolates the p-th percentile (0..1) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
