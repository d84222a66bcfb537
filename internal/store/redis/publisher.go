// Package redis publishes chart session updates to Redis so other
// processes can follow the merged series without talking to the
// upstream.
//
// Every update is PUBLISHed on pub:chart:{symbol}; the session status is
// also kept under chart:status:{symbol} with a TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"chartfeed/internal/breaker"
	"chartfeed/internal/model"
)

const (
	defaultStatusTTL  = 30 * time.Minute
	defaultQueueSize  = 256
	defaultRetryDelay = time.Second
)

// Config configures the Redis publisher.
type Config struct {
	Addr      string // Redis address, e.g. "localhost:6379"
	Password  string
	DB        int
	StatusTTL time.Duration
	QueueSize int
}

// Client is the subset of *goredis.Client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Channel returns the PubSub channel for symbol's updates.
func Channel(symbol string) string { return "pub:chart:" + symbol }

// StatusKey returns the key holding symbol's latest status.
func StatusKey(symbol string) string { return "chart:status:" + symbol }

// Publisher writes updates through a circuit breaker. While the breaker
// is open the newest update per symbol is held and replayed, as a full
// replace, once Redis answers again.
type Publisher struct {
	client    Client
	br        *breaker.Breaker
	log       *slog.Logger
	statusTTL time.Duration
	queue     chan model.Update

	// Owned by Run.
	pending map[string]model.Update

	// Metrics hooks (optional, set externally)
	OnDrop   func()
	OnBuffer func()
	OnFlush  func(count int)
}

// New connects to Redis, pings the server and returns a publisher.
func New(cfg Config, br *breaker.Breaker, log *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := NewWithClient(client, cfg, br, log)
	p.log.Info("connected", "addr", cfg.Addr)
	return p, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, cfg Config, br *breaker.Breaker, log *slog.Logger) *Publisher {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if br == nil {
		br = breaker.New(5, 10*time.Second)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		client:    client,
		br:        br,
		log:       log.With("component", "redis"),
		statusTTL: cfg.StatusTTL,
		queue:     make(chan model.Update, cfg.QueueSize),
		pending:   make(map[string]model.Update),
	}
}

// Publish queues u. It never blocks; a full queue drops the update.
func (p *Publisher) Publish(u model.Update) {
	select {
	case p.queue <- u:
	default:
		if p.OnDrop != nil {
			p.OnDrop()
		}
	}
}

// Run writes queued updates until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	retry := time.NewTicker(defaultRetryDelay)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.queue:
			p.write(ctx, u)
		case <-retry.C:
			p.flush(ctx)
		}
	}
}

func (p *Publisher) write(ctx context.Context, u model.Update) {
	if len(p.pending) > 0 {
		// Keep per-symbol order: nothing new goes out ahead of held updates.
		p.hold(u)
		p.flush(ctx)
		return
	}
	err := p.send(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, breaker.ErrOpen):
		p.hold(u)
	default:
		p.log.Warn("publish failed", "symbol", u.Symbol, "error", err)
		p.hold(u)
	}
}

func (p *Publisher) send(ctx context.Context, u model.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("redis: marshal update: %w", err)
	}
	status, err := json.Marshal(u.Status)
	if err != nil {
		return fmt.Errorf("redis: marshal status: %w", err)
	}
	return p.br.Execute(func() error {
		if err := p.client.Publish(ctx, Channel(u.Symbol), data).Err(); err != nil {
			return err
		}
		return p.client.Set(ctx, StatusKey(u.Symbol), status, p.statusTTL).Err()
	})
}

// hold coalesces u into the pending update for its symbol. A status-only
// update keeps the candles of an earlier held one.
func (p *Publisher) hold(u model.Update) {
	if prev, ok := p.pending[u.Symbol]; ok && u.Kind == model.UpdateStatus && prev.Kind != model.UpdateStatus {
		prev.Status = u.Status
		prev.VWAPProxy = u.VWAPProxy
		u = prev
	}
	if u.Kind != model.UpdateStatus {
		u.Kind = model.UpdateReplace
	}
	p.pending[u.Symbol] = u
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

func (p *Publisher) flush(ctx context.Context) {
	if len(p.pending) == 0 {
		return
	}
	flushed := 0
	for sym, u := range p.pending {
		if err := p.send(ctx, u); err != nil {
			break
		}
		delete(p.pending, sym)
		flushed++
	}
	if flushed > 0 {
		p.log.Info("flushed held updates", "count", flushed, "remaining", len(p.pending))
		if p.OnFlush != nil {
			p.OnFlush(flushed)
		}
	}
}

// Pending returns the number of held updates. Only safe from the Run
// goroutine or after Run returns.
func (p *Publisher) Pending() int { return len(p.pending) }

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
