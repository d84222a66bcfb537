// Package stream is the push-transport client: a WebSocket connection to
// the upstream quote server that delivers quotes and upstream status for
// the subscribed symbols.
//
// Server frames on the wire:
//
//	{"type":"quote","symbol":"AAPL","price":187.42,"volume":1200000,"trade_time":1705329001000}
//	{"type":"status","connected":false}
//
// Client frames:
//
//	{"action":"subscribe","symbols":["AAPL"]}
//	{"action":"unsubscribe","symbols":["AAPL"]}
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the stream client.
type Config struct {
	// URL of the quote WebSocket server, e.g. "ws://localhost:8000/ws/quotes"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// PingInterval is how often a ping is sent. Defaults to 20s.
	PingInterval time.Duration

	// ReadTimeout closes a connection with no frames or pongs for this
	// long. Defaults to 3×PingInterval.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write. Defaults to 5s.
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * c.PingInterval
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Client keeps one WebSocket connection open, re-dialing with exponential
// backoff and re-sending the subscription set after every reconnect.
type Client struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex // guards conn writes and symbols
	conn    *websocket.Conn
	symbols map[string]struct{}

	// Optional hooks.
	OnReconnect func()
	OnMalformed func()
	OnDropped   func()
}

// New creates a new Client. Returns an error if the URL is unparseable.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream: url %q must be ws:// or wss://", cfg.URL)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		log:     log.With("component", "stream"),
		symbols: make(map[string]struct{}),
	}, nil
}

// Subscribe adds symbols to the subscription set and, when connected,
// sends the subscribe frame. The set is re-sent on every reconnect, so a
// write error here is not fatal.
func (c *Client) Subscribe(symbols ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		c.symbols[s] = struct{}{}
	}
	return c.writeLocked(command{Action: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the subscription set.
func (c *Client) Unsubscribe(symbols ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		delete(c.symbols, s)
	}
	return c.writeLocked(command{Action: "unsubscribe", Symbols: symbols})
}

// Symbols returns the current subscription set, sorted.
func (c *Client) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbolsLocked()
}

func (c *Client) symbolsLocked() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) writeLocked(cmd command) error {
	if c.conn == nil || len(cmd.Symbols) == 0 {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("stream: %s: %w", cmd.Action, err)
	}
	return nil
}

// Start connects and streams messages into out.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (c *Client) Start(ctx context.Context, out chan<- Message) error {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := c.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		if connected {
			delay = c.cfg.ReconnectDelay
		}

		c.log.Warn("disconnected, reconnecting", "error", err, "delay", delay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. connected reports whether the dial succeeded.
func (c *Client) runOnce(ctx context.Context, out chan<- Message) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	subs := c.symbolsLocked()
	resubErr := c.writeLocked(command{Action: "subscribe", Symbols: subs})
	c.mu.Unlock()
	if resubErr != nil {
		c.detach(conn)
		return true, resubErr
	}
	c.log.Info("connected", "url", c.cfg.URL, "symbols", subs)
	c.deliver(ctx, out, ConnState{Open: true})

	readErr := c.readLoop(ctx, conn, out)
	c.detach(conn)
	if ctx.Err() != nil {
		return true, nil
	}
	c.deliver(ctx, out, ConnState{Open: false, Err: readErr})
	return true, readErr
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Message) error {
	done := make(chan struct{})
	defer close(done)

	// Closes the socket on ctx cancel and keeps the connection alive.
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
					c.log.Debug("ping failed", "error", err)
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		msg, err := Decode(raw)
		if err != nil {
			c.log.Debug("discarding frame", "error", err)
			if c.OnMalformed != nil {
				c.OnMalformed()
			}
			continue
		}

		if _, ok := msg.(Quote); ok {
			select {
			case out <- msg:
			default:
				c.log.Warn("message channel full, dropping quote")
				if c.OnDropped != nil {
					c.OnDropped()
				}
			}
			continue
		}
		if !c.deliver(ctx, out, msg) {
			return errors.New("stream: context done")
		}
	}
}

// deliver blocks until msg is accepted or ctx ends. Connection and status
// events are never dropped.
func (c *Client) deliver(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
