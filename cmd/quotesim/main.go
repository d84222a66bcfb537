// cmd/quotesim is a demo upstream for chartfeed. It serves the candle,
// VWAP, quote and trade-history REST endpoints and a quote WebSocket
// with per-client subscriptions, all backed by a random walk.
//
// POST /admin/feed?up=false makes the simulated feed report itself down
// and stop quoting, which exercises chartfeed's polling fallback.
// POST /admin/spike?symbol=AAPL&ratio=4 broadcasts a volume spike alert.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chartfeed/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	symbols := flag.String("symbols", "AAPL,MSFT,TSLA,NVDA,SPY", "comma-separated symbols")
	interval := flag.Duration("interval", 250*time.Millisecond, "quote interval")
	history := flag.Int("history", 390, "minutes of seeded history")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	tz := flag.String("tz", "America/New_York", "session time zone for daily candles and VWAP")
	flag.Parse()

	log := logger.Init("quotesim", slog.LevelInfo)

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		log.Error("bad time zone", "tz", *tz, "error", err)
		os.Exit(1)
	}
	syms := parseSymbols(*symbols)
	if len(syms) == 0 {
		log.Error("no symbols configured")
		os.Exit(1)
	}

	m := newMarket(syms, *history, *seed, loc, time.Now())
	h := newHub(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go runGenerator(ctx, m, h, *interval)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{Addr: *addr, Handler: newRouter(m, h)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			cancel()
		}
	}()
	log.Info("quotesim listening", "addr", *addr, "symbols", syms, "interval", interval.String())

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	log.Info("quotesim stopped")
}

func runGenerator(ctx context.Context, m *market, h *hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, q := range m.step(now) {
				h.publish(q)
			}
		}
	}
}

func newRouter(m *market, h *hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/candles/:symbol", func(c *gin.Context) {
		tf := c.DefaultQuery("timeframe", "1m")
		if _, ok := timeframes[tf]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "unsupported timeframe " + tf})
			return
		}
		candles, ok := m.Candles(strings.ToUpper(c.Param("symbol")), tf)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "unknown symbol"})
			return
		}
		c.JSON(http.StatusOK, candles)
	})

	r.GET("/vwap/:symbol", func(c *gin.Context) {
		v, ok := m.VWAP(strings.ToUpper(c.Param("symbol")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "unknown symbol"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"vwap": v, "source": "quotesim", "stale": !h.feedUp.Load()})
	})

	r.GET("/quote/:symbol", func(c *gin.Context) {
		q, ok := m.Quote(strings.ToUpper(c.Param("symbol")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "unknown symbol"})
			return
		}
		c.JSON(http.StatusOK, q)
	})

	r.GET("/trade-history", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "quotesim",
			"feed_up": h.feedUp.Load(),
			"clients": h.count(),
			"symbols": m.Symbols(),
		})
	})

	r.POST("/admin/feed", func(c *gin.Context) {
		up, err := strconv.ParseBool(c.DefaultQuery("up", "true"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "up must be a bool"})
			return
		}
		h.setFeed(up)
		c.JSON(http.StatusOK, gin.H{"feed_up": up})
	})

	r.POST("/admin/spike", func(c *gin.Context) {
		sym := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
		ratio, err := strconv.ParseFloat(c.DefaultQuery("ratio", "3"), 64)
		if sym == "" || err != nil || ratio <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "symbol and a positive ratio are required"})
			return
		}
		h.spike(sym, ratio)
		c.JSON(http.StatusOK, gin.H{"symbol": sym, "spike_ratio": ratio})
	})

	r.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("upgrade failed", "error", err)
			return
		}
		h.serve(conn)
	})

	return r
}

func parseSymbols(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range strings.Split(s, ",") {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
