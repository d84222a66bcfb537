package gateway

import (
	"math"
	"testing"
	"time"
)

func TestLatencyTracker_Empty(t *testing.T) {
	if got := NewLatencyTracker(100).Snapshot(); got != (Latency{}) {
		t.Errorf("empty tracker: got %+v", got)
	}
}

func TestLatencyTracker_SingleSample(t *testing.T) {
	lt := NewLatencyTracker(100)
	lt.Record(42500 * time.Microsecond)

	got := lt.Snapshot()
	if got.P50 != 42.5 || got.P95 != 42.5 || got.P99 != 42.5 || got.Samples != 1 {
		t.Errorf("single sample: got %+v", got)
	}
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	lt := NewLatencyTracker(10000)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}

	got := lt.Snapshot()
	if math.Abs(got.P50-50.5) > 0.01 {
		t.Errorf("p50: got %f, want 50.5", got.P50)
	}
	if math.Abs(got.P95-95.05) > 0.01 {
		t.Errorf("p95: got %f, want 95.05", got.P95)
	}
	if math.Abs(got.P99-99.01) > 0.01 {
		t.Errorf("p99: got %f, want 99.01", got.P99)
	}
}

func TestLatencyTracker_RingOverwrite(t *testing.T) {
	lt := NewLatencyTracker(10)
	for i := 1; i <= 20; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}
	got := lt.Snapshot()
	if got.Samples != 10 {
		t.Fatalf("samples = %d, want 10", got.Samples)
	}
	// Only 11..20 remain.
	if math.Abs(got.P50-15.5) > 0.01 {
		t.Errorf("p50: got %f, want 15.5", got.P50)
	}
}

func TestLatencyTracker_IgnoresNegative(t *testing.T) {
	lt := NewLatencyTracker(10)
	lt.Record(-time.Second)
	if got := lt.Snapshot(); got.Samples != 0 {
		t.Errorf("negative sample recorded: %+v", got)
	}
}
