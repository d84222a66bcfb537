package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// Router is satisfied by *http.ServeMux and the metrics server.
type Router interface {
	Handle(pattern string, h http.Handler)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// RegisterRoutes mounts the WebSocket endpoint and the control API.
func RegisterRoutes(r Router, hub *Hub) {
	r.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		lastSeq := int64(-1)
		if v := req.URL.Query().Get("last_seq"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				lastSeq = n
			}
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			hub.log.Warn("ws upgrade failed", "error", err)
			return
		}
		hub.Serve(conn, lastSeq)
	}))

	r.Handle("/api/status", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, hub.ctrl.LastStatus())
	}))

	r.Handle("/api/select", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetCORS(w)
		switch req.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
			return
		}
		sym := req.URL.Query().Get("symbol")
		if sym == "" && req.Body != nil {
			var body struct {
				Symbol string `json:"symbol"`
			}
			if json.NewDecoder(req.Body).Decode(&body) == nil {
				sym = body.Symbol
			}
		}
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
			return
		}
		hub.ctrl.SelectSymbol(sym)
		writeJSON(w, http.StatusAccepted, map[string]string{"symbol": sym})
	}))

	r.Handle("/api/deselect", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetCORS(w)
		if req.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
			return
		}
		hub.ctrl.Deselect()
		w.WriteHeader(http.StatusAccepted)
	}))

	// Gap backfill for clients that detected a sequence jump.
	r.Handle("/api/missed", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetCORS(w)
		from, err1 := strconv.ParseInt(req.URL.Query().Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(req.URL.Query().Get("to"), 10, 64)
		if err1 != nil || err2 != nil || from > to {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required"})
			return
		}
		envs := hub.Missed(from, to)
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, out)
	}))

	r.Handle("/api/latency", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, hub.Latency.Snapshot())
	}))
}
