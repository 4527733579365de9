// Package main runs a demo WebSocket client for the live location feed.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	call := func(method, path string, body []byte) map[string]any {
		req, _ := http.NewRequest(method, base+path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Org-Id", "org_demo")
		req.Header.Set("X-Role", "admin")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		defer func() { _ = resp.Body.Close() }()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return out
	}

	// Create a worker to watch
	wk := call(http.MethodPost, "/v1/workers", []byte(`{"name":"Demo Worker","role":"field"}`))
	workerID, _ := wk["id"].(string)
	if workerID == "" {
		log.Fatalf("create worker failed: %v", wk)
	}
	log.Printf("Worker ID: %s", workerID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws/locations"}
	hdr := http.Header{}
	hdr.Set("X-Org-Id", "org_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	var ack wsMessage
	if err := c.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" {
		log.Fatalf("expected connection_ack, got %+v (err %v)", ack, err)
	}

	subPayload, _ := json.Marshal(map[string]any{
		"workerId": workerID,
		"events":   []string{"location.updated"},
	})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "sub1", Payload: subPayload}); err != nil {
		log.Fatal(err)
	}
	log.Println("Subscribed; reporting fixes...")

	// Report a few fixes in the background so the feed has something to show
	go func() {
		for i := 0; i < 5; i++ {
			fix := fmt.Sprintf(`{"fixes":[{"workerId":"%s","lat":%f,"lng":%f,"batteryPct":%d}]}`,
				workerID, 40.0+float64(i)*0.001, -74.0, 90-i)
			call(http.MethodPost, "/v1/locations", []byte(fix))
			time.Sleep(500 * time.Millisecond)
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	_ = c.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			log.Printf("read: %v", err)
			break
		}
		switch msg.Type {
		case "ping":
			_ = c.WriteJSON(wsMessage{Type: "pong"})
		case "next":
			log.Printf("event: %s", string(msg.Payload))
		case "complete":
			log.Println("stream complete")
			return
		}
	}
	_ = c.WriteJSON(wsMessage{Type: "complete", ID: "sub1"})
	log.Println("done")
}
