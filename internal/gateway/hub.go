// Package gateway fans chart session updates out to browser WebSocket
// clients and accepts their symbol commands.
//
// Every update is wrapped in an envelope carrying a hub-wide sequence
// number. Clients reconnect with ?last_seq=N and are backfilled from a
// replay buffer when the gap is still covered, otherwise they get the
// newest full update.
package gateway

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chartfeed/internal/logger"
	"chartfeed/internal/model"
)

// Controller is the chart session the gateway drives.
type Controller interface {
	SelectSymbol(symbol string)
	Deselect()
	LastStatus() model.Status
}

// Hub manages WebSocket clients and implements the update sink.
type Hub struct {
	ctrl Controller
	log  *slog.Logger

	mu       sync.RWMutex
	clients  map[*Client]bool
	seq      int64
	snapshot []byte // newest envelope carrying candles
	status   []byte // newest envelope of any kind
	replay   *ReplayBuffer

	Latency *LatencyTracker

	// Metrics hooks (optional, set externally)
	OnDrop    func()
	OnClients func(n int)
}

// NewHub creates a hub driving ctrl.
func NewHub(ctrl Controller, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		ctrl:    ctrl,
		log:     log.With("component", "gateway"),
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(500),
		Latency: NewLatencyTracker(10000),
	}
}

// SetController sets the session driven by client commands. Call it
// before serving connections.
func (h *Hub) SetController(ctrl Controller) {
	h.ctrl = ctrl
}

// envelope hand-builds {"type":"update","seq":N,"ts":"...","data":...}.
func envelope(seq int64, now time.Time, data []byte) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"update","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf
}

// Publish broadcasts u to every client. It never blocks on a slow client;
// such a client misses the message and sees a sequence gap.
func (h *Hub) Publish(u model.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		h.log.Error("marshal update", "error", err)
		return
	}
	now := time.Now().UTC()
	if u.Kind == model.UpdateAppend || u.Kind == model.UpdateTail {
		if t := u.Status.LastTickAt; t != nil {
			h.Latency.Record(now.Sub(*t))
		}
	}

	h.mu.Lock()
	h.seq++
	env := envelope(h.seq, now, data)
	if u.Kind != model.UpdateStatus {
		h.snapshot = env
	}
	h.status = env
	h.replay.Push(h.seq, env)
	for c := range h.clients {
		if !c.trySend(env) && h.OnDrop != nil {
			h.OnDrop()
		}
	}
	h.mu.Unlock()
}

// Seq returns the newest broadcast sequence number.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Missed returns buffered envelopes with seq in [from, to].
func (h *Hub) Missed(from, to int64) [][]byte {
	return h.replay.Range(from, to)
}

// Serve registers conn as a client. lastSeq < 0 means the client has no
// prior state.
func (h *Hub) Serve(conn *websocket.Conn, lastSeq int64) {
	id := logger.NewSessionID()
	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		log:  h.log.With("client_id", id),
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	for _, env := range h.initialLocked(lastSeq) {
		c.trySend(env)
	}
	h.mu.Unlock()

	if h.OnClients != nil {
		h.OnClients(count)
	}
	c.log.Info("ws client connected", "clients", count, "last_seq", lastSeq)
	go c.writePump()
	go c.readPump()
}

// initialLocked picks what a new client needs: a replayed gap when it can
// be covered, otherwise the newest snapshot and status.
func (h *Hub) initialLocked(lastSeq int64) [][]byte {
	if lastSeq >= 0 && lastSeq <= h.seq {
		if missed, ok := h.replay.Since(lastSeq); ok {
			return missed
		}
	}
	var out [][]byte
	if h.snapshot != nil {
		out = append(out, h.snapshot)
	}
	if h.status != nil && !sameBytes(h.status, h.snapshot) {
		out = append(out, h.status)
	}
	return out
}

func sameBytes(a, b []byte) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

// remove unregisters c and closes its send channel.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if h.OnClients != nil {
		h.OnClients(count)
	}
	c.log.Info("ws client disconnected", "clients", count)
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
