package gateway

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *slog.Logger
}

// command is a client→server message.
type command struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
	Ping   int64  `json:"ping,omitempty"`
}

// trySend queues msg without blocking. Caller holds hub.mu.
func (c *Client) trySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.trySend(b)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			c.reply(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}
		c.handle(cmd)
	}
}

func (c *Client) handle(cmd command) {
	switch strings.ToLower(cmd.Type) {
	case "select":
		sym := strings.ToUpper(strings.TrimSpace(cmd.Symbol))
		if sym == "" {
			c.reply(map[string]string{"type": "error", "error": "symbol is required"})
			return
		}
		c.log.Info("select requested", "symbol", sym)
		c.hub.ctrl.SelectSymbol(sym)
	case "deselect":
		c.hub.ctrl.Deselect()
	case "status":
		c.reply(map[string]any{"type": "status", "status": c.hub.ctrl.LastStatus()})
	case "ping", "":
		if cmd.Ping > 0 || cmd.Type != "" {
			c.reply(map[string]any{
				"type":      "pong",
				"ping":      cmd.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			return
		}
		c.reply(map[string]string{"type": "error", "error": "missing type"})
	default:
		c.reply(map[string]string{"type": "error", "error": "unknown type " + cmd.Type})
	}
}
