package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartfeed/internal/model"
)

type fakeCtrl struct {
	mu       sync.Mutex
	selected []string
	deselect int
	status   model.Status
}

func (f *fakeCtrl) SelectSymbol(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, s)
}

func (f *fakeCtrl) Deselect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deselect++
}

func (f *fakeCtrl) LastStatus() model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCtrl) selections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.selected...)
}

type envelopeMsg struct {
	Type   string       `json:"type"`
	Seq    int64        `json:"seq"`
	Data   model.Update `json:"data"`
	Ping   int64        `json:"ping"`
	Error  string       `json:"error"`
	Status model.Status `json:"status"`
}

func newTestServer(t *testing.T) (*Hub, *fakeCtrl, *httptest.Server) {
	t.Helper()
	ctrl := &fakeCtrl{status: model.Status{Symbol: "AAPL", State: model.StateStreaming}}
	hub := NewHub(ctrl, nil)
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return hub, ctrl, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMsgs reads one frame and splits coalesced messages.
func readMsgs(t *testing.T, conn *websocket.Conn) []envelopeMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var out []envelopeMsg
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		var m envelopeMsg
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

// readUntil collects messages until n have arrived.
func readUntil(t *testing.T, conn *websocket.Conn, n int) []envelopeMsg {
	t.Helper()
	var out []envelopeMsg
	for len(out) < n {
		out = append(out, readMsgs(t, conn)...)
	}
	return out
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func update(kind model.UpdateKind, close float64) model.Update {
	tick := time.Now().Add(-5 * time.Millisecond)
	return model.Update{
		Symbol:     "AAPL",
		Generation: 1,
		Kind:       kind,
		Candles:    []model.Candle{{Time: 1705415400, Open: 1, High: 2, Low: 1, Close: close, Volume: 10}},
		Status:     model.Status{Symbol: "AAPL", State: model.StateStreaming, LastTickAt: &tick},
	}
}

func TestHub_BroadcastsWithSequence(t *testing.T) {
	hub, _, srv := newTestServer(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	hub.Publish(update(model.UpdateReplace, 1.5))
	hub.Publish(update(model.UpdateTail, 1.6))

	msgs := readUntil(t, conn, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "update", msgs[0].Type)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, model.UpdateTail, msgs[1].Data.Kind)
	assert.Equal(t, 1.6, msgs[1].Data.Candles[0].Close)
	assert.Equal(t, 1, hub.Latency.Snapshot().Samples)
}

func TestHub_NewClientGetsSnapshotAndStatus(t *testing.T) {
	hub, _, srv := newTestServer(t)
	hub.Publish(update(model.UpdateReplace, 1.5))
	st := model.Update{Symbol: "AAPL", Kind: model.UpdateStatus, Status: model.Status{Symbol: "AAPL", State: model.StatePolling}}
	hub.Publish(st)

	conn := dial(t, srv, "")
	msgs := readUntil(t, conn, 2)
	assert.Equal(t, model.UpdateReplace, msgs[0].Data.Kind)
	assert.Equal(t, model.UpdateStatus, msgs[1].Data.Kind)
	assert.Equal(t, model.StatePolling, msgs[1].Data.Status.State)
}

func TestHub_ReconnectBackfillsGap(t *testing.T) {
	hub, _, srv := newTestServer(t)
	for i := 0; i < 5; i++ {
		hub.Publish(update(model.UpdateTail, float64(i)))
	}

	conn := dial(t, srv, "?last_seq=3")
	msgs := readUntil(t, conn, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)
	assert.Equal(t, int64(5), msgs[1].Seq)
}

func TestHub_ReconnectAheadGetsSnapshot(t *testing.T) {
	hub, _, srv := newTestServer(t)
	hub.Publish(update(model.UpdateReplace, 1))

	conn := dial(t, srv, "?last_seq=99")
	msgs := readUntil(t, conn, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
}

func TestClient_Commands(t *testing.T) {
	hub, ctrl, srv := newTestServer(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select", "symbol": " msft "}))
	require.Eventually(t, func() bool {
		s := ctrl.selections()
		return len(s) == 1 && s[0] == "MSFT"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"ping": 42}))
	msgs := readUntil(t, conn, 1)
	assert.Equal(t, "pong", msgs[0].Type)
	assert.Equal(t, int64(42), msgs[0].Ping)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "status"}))
	msgs = readUntil(t, conn, 1)
	assert.Equal(t, "status", msgs[0].Type)
	assert.Equal(t, "AAPL", msgs[0].Status.Symbol)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select"}))
	msgs = readUntil(t, conn, 1)
	assert.Equal(t, "error", msgs[0].Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "deselect"}))
	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return ctrl.deselect == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ClientDisconnectRemoves(t *testing.T) {
	hub, _, srv := newTestServer(t)
	conn := dial(t, srv, "")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)

	// Publishing with no clients must not panic.
	hub.Publish(update(model.UpdateTail, 2))
	assert.Equal(t, int64(1), hub.Seq())
}

func TestHandlers_Select(t *testing.T) {
	_, ctrl, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/select?symbol=tsla", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/select", "application/json", strings.NewReader(`{"symbol":"nvda"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"TSLA", "NVDA"}, ctrl.selections())

	resp, err = http.Post(srv.URL+"/api/select", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/select?symbol=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlers_StatusAndMissed(t *testing.T) {
	hub, _, srv := newTestServer(t)
	for i := 0; i < 4; i++ {
		hub.Publish(update(model.UpdateTail, float64(i)))
	}

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	var st model.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "AAPL", st.Symbol)
	assert.Equal(t, model.StateStreaming, st.State)

	resp, err = http.Get(srv.URL + "/api/missed?from=2&to=3")
	require.NoError(t, err)
	var missed []envelopeMsg
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&missed))
	resp.Body.Close()
	require.Len(t, missed, 2)
	assert.Equal(t, int64(2), missed[0].Seq)
	assert.Equal(t, int64(3), missed[1].Seq)

	resp, err = http.Get(srv.URL + "/api/missed?from=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/latency")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
