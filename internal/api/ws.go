package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket live feed for dashboards that want lower latency than SSE.
// Protocol: client sends connection_init, server acks; subscribe starts the
// org event stream (optionally filtered to one worker); complete stops it.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	WorkerID string   `json:"workerId"`
	Events   []string `json:"events"`
}

// LocationsWSHandler handles /ws/locations
func (s *Server) LocationsWSHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		ch chan SSEEvent
	}
	subs := map[string]sub{}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// gorilla allows one concurrent writer; the heartbeat and subscription
	// goroutines all funnel through write.
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_ = write(wsMessage{Type: "pong"})
		case "pong":
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		case "subscribe":
			var pl wsSubscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			want := map[string]bool{}
			for _, e := range pl.Events {
				want[e] = true
			}
			ch := s.Broker.Subscribe(pr.Org)
			subs[msg.ID] = sub{ch: ch}
			go func(id string, c chan SSEEvent, workerID string, want map[string]bool) {
				for evt := range c {
					if len(want) > 0 && !want[evt.Type] {
						continue
					}
					if workerID != "" {
						if wid, _ := evt.Data["workerId"].(string); wid != workerID {
							continue
						}
					}
					payload, _ := json.Marshal(map[string]any{"event": evt.Type, "data": evt.Data})
					_ = write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, pl.WorkerID, want)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(pr.Org, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	for id, s0 := range subs {
		s.Broker.Unsubscribe(pr.Org, s0.ch)
		delete(subs, id)
	}
}
