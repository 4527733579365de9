package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// LocationFixes counts accepted location fixes by org
	LocationFixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "location_fixes_total", Help: "Accepted location fixes."},
		[]string{"org"},
	)
	// LocationRejected counts fixes dropped by validation or rate limiting
	LocationRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "location_fixes_rejected_total", Help: "Rejected location fixes."},
		[]string{"org", "reason"},
	)

	// CommandDeliveries counts command push outcomes by type and status
	CommandDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "command_deliveries_total", Help: "Command deliveries by type and status."},
		[]string{"type", "status"},
	)
	// CommandLatency tracks command push latencies in milliseconds
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "command_delivery_latency_ms", Help: "Command delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"type", "status"},
	)

	// AssignmentsMaterialized counts assignments created by rule expansion
	AssignmentsMaterialized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "assignments_materialized_total", Help: "Assignments created by rule materialization."},
		[]string{"org"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(LocationFixes)
		Registry.MustRegister(LocationRejected)
		Registry.MustRegister(CommandDeliveries)
		Registry.MustRegister(CommandLatency)
		Registry.MustRegister(AssignmentsMaterialized)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
