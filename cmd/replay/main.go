// cmd/replay runs journaled one-minute candles from SQLite through the
// indicator engine and pattern detectors, printing each finding at the
// candle where it first appeared.
//
// Usage:
//
//	go run ./cmd/replay -db data/candles.db -symbol AAPL -ema 9,20
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chartfeed/internal/indicator"
	"chartfeed/internal/logger"
	"chartfeed/internal/markethours"
	"chartfeed/internal/pattern"
	sqlitestore "chartfeed/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/candles.db", "path to SQLite journal")
	symbol := flag.String("symbol", "", "symbol to replay (default: every journaled symbol)")
	fromTS := flag.Int64("from", 0, "unix seconds to start from (0=all)")
	toTS := flag.Int64("to", 0, "unix seconds to stop before (0=no limit)")
	emaStr := flag.String("ema", "9,20", "comma-separated EMA periods")
	exchange := flag.String("exchange", markethours.DefaultExchange, "exchange MIC for VWAP sessions")
	flag.Parse()

	log := logger.Init("replay", slog.LevelInfo)

	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Error("sqlite open failed", "error", err)
		os.Exit(1)
	}
	defer reader.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	symbols := []string{strings.ToUpper(*symbol)}
	if *symbol == "" {
		symbols, err = reader.Symbols(ctx)
		if err != nil {
			log.Error("list symbols failed", "error", err)
			os.Exit(1)
		}
	}

	cal := markethours.ForExchange(*exchange)
	cfg := indicator.Config{EMAPeriods: parsePeriods(*emaStr), Location: cal.Location()}

	for _, sym := range symbols {
		sum, err := Replay(ctx, reader, sym, *fromTS, *toTS, cfg, pattern.Default())
		if err != nil {
			log.Error("replay failed", "symbol", sym, "error", err)
			os.Exit(1)
		}
		printSummary(sum, cal.Location())
	}
}

func printSummary(sum Summary, loc *time.Location) {
	fmt.Printf("%s: %d candles, %d findings\n", sum.Symbol, sum.Candles, len(sum.Events))
	for _, ev := range sum.Events {
		f := ev.Finding
		fmt.Printf("  [%s] %-18s %-8s level=%.4f",
			time.Unix(ev.Candle.Time, 0).In(loc).Format("2006-01-02 15:04"), f.Kind, f.Strength, f.Level)
		if f.Stop != 0 {
			fmt.Printf(" stop=%.4f", f.Stop)
		}
		if f.Upper != 0 || f.Lower != 0 {
			fmt.Printf(" zone=[%.4f, %.4f]", f.Lower, f.Upper)
		}
		fmt.Println()
	}
	if n := len(sum.Last.VWAP); n > 0 {
		fmt.Printf("  last VWAP=%.4f σ=%.4f\n", sum.Last.VWAP[n-1].VWAP, sum.Last.VWAP[n-1].StdDev)
	}
	for period, pts := range sum.Last.EMA {
		if n := len(pts); n > 0 {
			fmt.Printf("  last EMA_%d=%.4f\n", period, pts[n-1].Value)
		}
	}
}

func parsePeriods(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}
