// cmd/chartfeed runs one live chart session: snapshot fetches and the
// quote stream are reconciled into a candle series with indicator and
// pattern overlays, which is served to browsers over WebSocket and
// optionally mirrored to Redis and journaled to SQLite.
//
// Config: YAML file (-config), .env files (-env) and CHARTFEED_* env vars.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chartfeed/config"
	"chartfeed/internal/breaker"
	"chartfeed/internal/fetch"
	"chartfeed/internal/gateway"
	"chartfeed/internal/indicator"
	"chartfeed/internal/logger"
	"chartfeed/internal/marketdata/rest"
	"chartfeed/internal/marketdata/stream"
	"chartfeed/internal/markethours"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
	"chartfeed/internal/notification"
	"chartfeed/internal/pattern"
	"chartfeed/internal/reconcile"
	redisstore "chartfeed/internal/store/redis"
	sqlitestore "chartfeed/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	envFile := flag.String("env", ".env", "dotenv file loaded before env overrides")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	log := logger.Init("chartfeed", level)

	if err := run(cfg, log); err != nil {
		log.Error("chartfeed exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cal := markethours.ForExchange(cfg.Exchange)
	if cal.Fallback() {
		log.Warn("exchange calendar unavailable, using weekday fallback", "exchange", cfg.Exchange)
	}

	prom := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	// ---- Upstream clients ----
	restBreaker := breaker.New(cfg.Upstream.BreakerFailures, cfg.Upstream.BreakerCooldown)
	watchBreaker(restBreaker, "rest", prom, health, log)
	restClient, err := rest.New(rest.Config{
		BaseURL:  cfg.Upstream.RESTURL,
		Timeout:  cfg.Upstream.RequestTimeout,
		CacheTTL: cfg.Upstream.CandleCacheTTL,
	}, restBreaker, log)
	if err != nil {
		return err
	}
	// The VWAP overlay polls often; its outages must not block snapshots.
	vwapBreaker := breaker.New(cfg.Upstream.BreakerFailures, cfg.Upstream.BreakerCooldown)
	watchBreaker(vwapBreaker, "rest_vwap", prom, nil, log)
	restClient.SetBreaker("vwap", vwapBreaker)
	restClient.OnRequest = func(endpoint string, d time.Duration, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		prom.RESTDuration.WithLabelValues(endpoint, result).Observe(d.Seconds())
	}

	streamClient, err := stream.New(stream.Config{
		URL:               cfg.Upstream.StreamURL,
		ReconnectDelay:    cfg.Upstream.ReconnectDelay,
		MaxReconnectDelay: cfg.Upstream.MaxReconnectDelay,
		PingInterval:      cfg.Upstream.PingInterval,
		ReadTimeout:       cfg.Upstream.ReadTimeout,
	}, log)
	if err != nil {
		return err
	}
	streamClient.OnReconnect = func() { prom.StreamReconnects.Inc() }
	streamClient.OnMalformed = func() { prom.StreamMalformed.Inc() }
	streamClient.OnDropped = func() { prom.StreamBackpress.Inc() }

	// ---- Optional sinks ----
	var (
		redisPinger  metrics.Pinger
		sqlitePinger metrics.Pinger
		journal      reconcile.Journal
	)

	if cfg.SQLite.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return err
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path}, log)
		if err != nil {
			return err
		}
		defer w.Close()
		w.OnDrop = func() { prom.JournalDropped.Inc() }
		w.OnCommit = func(_ int, d time.Duration) { prom.JournalCommit.Observe(d.Seconds()) }
		go w.Run(ctx)
		journal = w
		sqlitePinger = w
	}

	gw := gateway.NewHub(nil, log)
	sinks := reconcile.Sinks{gw}

	if cfg.Redis.Enabled {
		redisBreaker := breaker.New(3, 10*time.Second)
		watchBreaker(redisBreaker, "redis", prom, nil, log)
		pub, err := redisstore.New(redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			StatusTTL: cfg.Redis.StatusTTL,
		}, redisBreaker, log)
		if err != nil {
			log.Warn("redis init failed, continuing without redis", "error", err)
		} else {
			defer pub.Close()
			pub.OnDrop = func() { prom.RedisDropped.Inc() }
			pub.OnBuffer = func() { prom.RedisHeld.Inc() }
			pub.OnFlush = func(n int) { prom.RedisFlushed.Add(float64(n)) }
			go pub.Run(ctx)
			sinks = append(sinks, pub)
			redisPinger = pub
		}
	}

	if cfg.Alerts.Enabled {
		notifiers := notification.Multi{notification.NewLogNotifier(log)}
		if cfg.Alerts.WebhookURL != "" {
			notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Alerts.WebhookURL))
		}
		if cfg.Alerts.TelegramToken != "" {
			notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
		}
		alerter := notification.NewAlerter(notifiers, cfg.Alerts.QueueSize, log)
		alerter.OnSent = func(l notification.AlertLevel) { prom.AlertsSent.WithLabelValues(string(l)).Inc() }
		alerter.OnFailed = func() { prom.AlertsFailed.Inc() }
		alerter.OnDrop = func() { prom.AlertsFailed.Inc() }
		go alerter.Run(ctx)
		sinks = append(sinks, alerter)
	}

	// ---- Chart session ----
	retries := cfg.Session.MaxRetries
	if retries == 0 {
		retries = fetch.NoRetries
	}
	mgr := reconcile.New(reconcile.Config{
		StaleTimeout:     cfg.Session.StaleTimeout,
		PollInterval:     cfg.Session.PollInterval,
		VWAPPollInterval: cfg.Session.VWAPPollInterval,
		SpikeExpiry:      cfg.Session.SpikeExpiry,
		Fetch: fetch.Config{
			Debounce:     cfg.Session.Debounce,
			FetchTimeout: cfg.Session.FetchTimeout,
			BackoffBase:  cfg.Session.BackoffBase,
			MaxRetries:   retries,
		},
		Indicators: indicator.Config{
			EMAPeriods: cfg.Indicators.EMAPeriods,
			Location:   cal.Location(),
		},
	}, reconcile.Deps{
		Fetcher:    restClient,
		Subscriber: streamClient,
		Sink:       sinks,
		Journal:    journal,
		VWAP:       restClient,
		Detectors:  pattern.Default(),
		Logger:     log,
	})
	wireSessionMetrics(mgr, prom, health)
	gw.SetController(mgr)
	gw.OnDrop = func() { prom.WSDropped.Inc() }
	gw.OnClients = func(n int) { prom.WSClients.Set(float64(n)) }

	// ---- HTTP: metrics, health, gateway ----
	srv := metrics.NewServer(cfg.HTTP.Addr, health, prometheus.DefaultGatherer)
	gateway.RegisterRoutes(srv, gw)
	srv.Start()

	health.StartLivenessChecker(ctx, redisPinger, sqlitePinger, 10*time.Second)
	go watchMarket(ctx, cal, streamClient, mgr, prom, health, log)

	msgs := make(chan stream.Message, 1024)
	go func() {
		if err := streamClient.Start(ctx, msgs); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("stream client stopped", "error", err)
		}
	}()

	if cfg.Symbol != "" {
		mgr.SelectSymbol(cfg.Symbol)
	}

	log.Info("chartfeed ready",
		"http", cfg.HTTP.Addr,
		"rest", cfg.Upstream.RESTURL,
		"stream", cfg.Upstream.StreamURL,
		"exchange", cal.MIC(),
		"market", cal.StatusString(time.Now()),
	)

	runErr := mgr.Run(ctx, msgs)
	log.Info("shutdown signal received, cleaning up")

	gw.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	log.Info("shutdown complete")
	return runErr
}

func watchBreaker(br *breaker.Breaker, name string, prom *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) {
	prom.BreakerState.WithLabelValues(name).Set(0)
	br.OnStateChange = func(from, to breaker.State) {
		prom.BreakerState.WithLabelValues(name).Set(float64(to))
		if to == breaker.StateOpen {
			prom.BreakerTrips.WithLabelValues(name).Inc()
		}
		if health != nil {
			health.SetUpstreamUp(to != breaker.StateOpen)
		}
		log.Warn("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
}

func wireSessionMetrics(mgr *reconcile.Manager, prom *metrics.Metrics, health *metrics.HealthStatus) {
	mgr.Hooks.OnTransition = func(_, to model.Phase) {
		prom.Transitions.WithLabelValues(to.String()).Inc()
		prom.Phase.Set(float64(to))
	}
	mgr.Hooks.OnTick = func() {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}
	mgr.Hooks.OnDroppedTick = func(reason string) { prom.DroppedTicks.WithLabelValues(reason).Inc() }
	mgr.Hooks.OnFinalized = func() { prom.CandlesFinalized.Inc() }
	mgr.Hooks.OnStale = func() { prom.StaleEvents.Inc() }
	mgr.Hooks.OnSuperseded = func() { prom.SupersededResults.Inc() }
	mgr.Hooks.OnPublish = func(kind model.UpdateKind) { prom.UpdatesPublished.WithLabelValues(string(kind)).Inc() }
	mgr.Hooks.OnFetch = func(kind fetch.Kind) { prom.FetchesTotal.WithLabelValues(kind.String()).Inc() }
	mgr.Hooks.OnFetchTry = func(int) { prom.FetchAttempts.Inc() }
	mgr.Hooks.OnCompute = func(full bool, d time.Duration) {
		mode := "tail"
		if full {
			mode = "full"
		}
		prom.IndicatorComputeDur.WithLabelValues(mode).Observe(d.Seconds())
	}
}

// watchMarket refreshes health fields that are polled rather than pushed.
func watchMarket(ctx context.Context, cal *markethours.Calendar, sc *stream.Client, mgr *reconcile.Manager,
	prom *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	wasOpen := cal.IsOpen(time.Now())
	for {
		now := time.Now()
		open := cal.IsOpen(now)
		if open != wasOpen {
			log.Info("market session changed", "status", cal.StatusString(now))
			wasOpen = open
		}
		if open {
			prom.MarketOpen.Set(1)
		} else {
			prom.MarketOpen.Set(0)
		}
		health.SetMarket(cal.StatusString(now))
		health.SetStreamConnected(sc.Connected())
		st := mgr.LastStatus()
		health.SetSession(st.Symbol, st.Phase.String())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
