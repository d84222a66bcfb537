// Package metrics exposes Prometheus metrics and the health endpoint for
// the chart pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the chart pipeline.
type Metrics struct {
	// Stream
	TicksTotal       prometheus.Counter
	DroppedTicks     *prometheus.CounterVec // labels: reason
	CandlesFinalized prometheus.Counter
	StreamReconnects prometheus.Counter
	StreamMalformed  prometheus.Counter
	StreamBackpress  prometheus.Counter

	// Snapshot fetches
	FetchesTotal      *prometheus.CounterVec // labels: outcome
	FetchAttempts     prometheus.Counter
	SupersededResults prometheus.Counter
	RESTDuration      *prometheus.HistogramVec // labels: endpoint, result

	// Reconciliation
	Transitions         *prometheus.CounterVec // labels: to
	Phase               prometheus.Gauge       // 0=loading 1=streaming 2=polling 3=closed
	StaleEvents         prometheus.Counter
	UpdatesPublished    *prometheus.CounterVec // labels: kind
	IndicatorComputeDur *prometheus.HistogramVec

	// Circuit breakers
	BreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec // labels: name

	// Sinks
	RedisHeld      prometheus.Counter
	RedisDropped   prometheus.Counter
	RedisFlushed   prometheus.Counter
	JournalCommit  prometheus.Histogram
	JournalDropped prometheus.Counter

	// Gateway
	WSClients prometheus.Gauge
	WSDropped prometheus.Counter

	// Alerts
	AlertsSent   *prometheus.CounterVec // labels: level
	AlertsFailed prometheus.Counter

	// Market session
	MarketOpen prometheus.Gauge
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_ticks_total",
			Help: "Quotes received from the push stream",
		}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_dropped_ticks_total",
			Help: "Quotes discarded before reaching the series",
		}, []string{"reason"}),
		CandlesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_candles_finalized_total",
			Help: "Stream-built candles closed by a newer minute",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_stream_reconnects_total",
			Help: "Push stream reconnection attempts",
		}),
		StreamMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_stream_malformed_total",
			Help: "Push stream frames that failed to decode",
		}),
		StreamBackpress: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_stream_backpressure_drops_total",
			Help: "Quotes dropped because the consumer queue was full",
		}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_fetches_total",
			Help: "Completed snapshot fetches by outcome",
		}, []string{"outcome"}),
		FetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_fetch_attempts_total",
			Help: "Snapshot fetch attempts including retries",
		}),
		SupersededResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_superseded_results_total",
			Help: "Fetch results discarded because the symbol changed",
		}),
		RESTDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartfeed_rest_request_duration_seconds",
			Help:    "Upstream REST request latency",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}, []string{"endpoint", "result"}),

		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_state_transitions_total",
			Help: "Session phase transitions by target phase",
		}, []string{"to"}),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_phase",
			Help: "Current session phase (0=loading, 1=streaming, 2=polling, 3=closed)",
		}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_stale_events_total",
			Help: "Times the push stream went silent past the staleness window",
		}),
		UpdatesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_updates_published_total",
			Help: "Updates delivered to sinks by kind",
		}, []string{"kind"}),
		IndicatorComputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chartfeed_indicator_compute_duration_seconds",
			Help:    "Indicator engine latency by mode",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"mode"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chartfeed_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		RedisHeld: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_held_updates_total",
			Help: "Updates held locally while Redis was unavailable",
		}),
		RedisDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_dropped_updates_total",
			Help: "Updates dropped because the publish queue was full",
		}),
		RedisFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_flushed_updates_total",
			Help: "Held updates replayed after Redis recovered",
		}),
		JournalCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_journal_commit_duration_seconds",
			Help:    "SQLite journal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_journal_dropped_total",
			Help: "Finalized candles dropped because the journal queue was full",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_ws_clients",
			Help: "Connected browser WebSocket clients",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_ws_dropped_total",
			Help: "Envelopes not queued to a slow WebSocket client",
		}),

		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_alerts_sent_total",
			Help: "Alerts delivered by level",
		}, []string{"level"}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_alerts_failed_total",
			Help: "Alerts that failed or were dropped",
		}),

		MarketOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_market_open",
			Help: "Regular session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.CandlesFinalized,
		m.StreamReconnects,
		m.StreamMalformed,
		m.StreamBackpress,
		m.FetchesTotal,
		m.FetchAttempts,
		m.SupersededResults,
		m.RESTDuration,
		m.Transitions,
		m.Phase,
		m.StaleEvents,
		m.UpdatesPublished,
		m.IndicatorComputeDur,
		m.BreakerState,
		m.BreakerTrips,
		m.RedisHeld,
		m.RedisDropped,
		m.RedisFlushed,
		m.JournalCommit,
		m.JournalDropped,
		m.WSClients,
		m.WSDropped,
		m.AlertsSent,
		m.AlertsFailed,
		m.MarketOpen,
	)

	return m
}
