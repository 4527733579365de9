package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"fieldtrack/internal/metrics"
	"fieldtrack/internal/store"
)

// Worker polls the command delivery queue and pushes each payload to the
// device's push URL, signing with the device secret when present.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Stop        chan struct{}
	Interval    time.Duration
	MaxAttempts int
}

func NewWorker(s store.Store, pollSeconds, maxAttempts int) *Worker {
	if pollSeconds <= 0 {
		pollSeconds = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Stop:        make(chan struct{}),
		Interval:    time.Duration(pollSeconds) * time.Second,
		MaxAttempts: maxAttempts,
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueCommandDeliveries(ctx, 50)
	if err != nil || len(items) == 0 {
		return
	}
	for _, it := range items {
		success := false
		next := time.Now().Add(nextBackoff(it.Attempts))
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Command-Id", it.CommandID)
		if it.Secret != "" {
			req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
		}
		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := int(time.Since(start).Milliseconds())
		code := 0
		if err == nil && resp != nil {
			code = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			if code >= 200 && code < 300 {
				success = true
			}
		}
		lastErr := ""
		if !success && err != nil {
			lastErr = err.Error()
		}
		typ := payloadType(it.Payload)
		if !success && it.Attempts+1 >= w.MaxAttempts {
			_ = w.Store.FailCommandDelivery(ctx, it.ID, lastErr, code, latency)
			metrics.CommandDeliveries.WithLabelValues(typ, "failed").Inc()
			metrics.CommandLatency.WithLabelValues(typ, "failed").Observe(float64(latency))
			continue
		}
		_ = w.Store.MarkCommandDelivery(ctx, it.ID, success, &next, lastErr, code, latency)
		status := "retry"
		if success {
			status = "delivered"
		}
		metrics.CommandDeliveries.WithLabelValues(typ, status).Inc()
		metrics.CommandLatency.WithLabelValues(typ, status).Observe(float64(latency))
	}
}

func payloadType(payload []byte) string {
	var p struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Type == "" {
		return "unknown"
	}
	return p.Type
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
