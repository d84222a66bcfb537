package main

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// subCommand is the client→server subscription message.
type subCommand struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) subscribed(sym string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sym]
}

// hub fans quotes out to subscribed clients.
type hub struct {
	log     *slog.Logger
	mu      sync.RWMutex
	clients map[*client]bool
	feedUp  atomic.Bool
}

func newHub(log *slog.Logger) *hub {
	h := &hub{log: log, clients: make(map[*client]bool)}
	h.feedUp.Store(true)
	return h
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 256), subs: make(map[string]bool)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	c.send <- statusFrame(h.feedUp.Load())
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func statusFrame(up bool) []byte {
	b, _ := json.Marshal(map[string]any{"type": "status", "connected": up})
	return b
}

func spikeFrame(symbol string, ratio float64) []byte {
	b, _ := json.Marshal(map[string]any{"type": "volume_spike", "symbol": symbol, "spike_ratio": ratio})
	return b
}

// spike announces a volume spike to every client, subscribed or not.
func (h *hub) spike(symbol string, ratio float64) {
	h.log.Info("volume spike", "symbol", symbol, "ratio", ratio)
	h.broadcastAll(spikeFrame(symbol, ratio))
}

// setFeed toggles the simulated upstream feed and tells every client.
func (h *hub) setFeed(up bool) {
	if h.feedUp.Swap(up) == up {
		return
	}
	h.log.Info("feed state changed", "up", up)
	h.broadcastAll(statusFrame(up))
}

func (h *hub) broadcastAll(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *hub) publish(q quoteMsg) {
	if !h.feedUp.Load() {
		return
	}
	b, err := json.Marshal(q)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(q.Symbol) {
			continue
		}
		select {
		case c.send <- b:
		default: // slow client, drop quote
		}
	}
}

func (h *hub) serve(conn *websocket.Conn) {
	c := h.register(conn)
	h.log.Info("client connected", "remote", conn.RemoteAddr().String(), "clients", h.count())

	go func() {
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.unregister(c)
		conn.Close()
		h.log.Info("client disconnected", "remote", conn.RemoteAddr().String())
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd subCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		c.mu.Lock()
		for _, s := range cmd.Symbols {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch cmd.Action {
			case "subscribe":
				c.subs[s] = true
			case "unsubscribe":
				delete(c.subs, s)
			}
		}
		c.mu.Unlock()
	}
}
