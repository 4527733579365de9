package main

import (
	"bufio"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldtrack/internal/api"
	"fieldtrack/internal/config"
	"fieldtrack/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	srvDeps, err := api.NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Workers
	mux.HandleFunc("/v1/workers", srvDeps.WorkersHandler)
	mux.HandleFunc("/v1/workers/import", srvDeps.WorkersImportHandler)
	mux.HandleFunc("/v1/workers/", srvDeps.WorkerByIDHandler) // includes /history

	// Locations
	mux.HandleFunc("/v1/locations", srvDeps.LocationsHandler)
	mux.HandleFunc("/v1/locations/latest", srvDeps.LocationsLatestHandler)
	mux.HandleFunc("/v1/locations/stream", srvDeps.LocationsStreamHandler)
	mux.HandleFunc("/ws/locations", srvDeps.LocationsWSHandler)

	// Floor plans (calibration + indoor positions)
	mux.HandleFunc("/v1/floorplans", srvDeps.FloorPlansHandler)
	mux.HandleFunc("/v1/floorplans/", srvDeps.FloorPlanByIDHandler)

	// Zones
	mux.HandleFunc("/v1/zones", srvDeps.ZonesHandler)
	mux.HandleFunc("/v1/zones/occupancy", srvDeps.ZoneOccupancyHandler)
	mux.HandleFunc("/v1/zones/", srvDeps.ZoneByIDHandler)

	// Assignments & recurring rules
	mux.HandleFunc("/v1/assignments", srvDeps.AssignmentsHandler)
	mux.HandleFunc("/v1/assignments/materialize", srvDeps.MaterializeHandler)
	mux.HandleFunc("/v1/assignments/", srvDeps.AssignmentByIDHandler)
	mux.HandleFunc("/v1/rules", srvDeps.RulesHandler)
	mux.HandleFunc("/v1/rules/", srvDeps.RuleByIDHandler)

	// Commands & devices
	mux.HandleFunc("/v1/commands", srvDeps.CommandsHandler)
	mux.HandleFunc("/v1/devices", srvDeps.DevicesHandler)

	// Media
	mux.HandleFunc("/v1/media/presign", srvDeps.MediaPresignHandler)

	// Admin
	mux.HandleFunc("/v1/admin/command-deliveries", srvDeps.AdminCommandDeliveriesHandler)
	mux.HandleFunc("/v1/admin/command-deliveries/", srvDeps.AdminCommandDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/stats", srvDeps.AdminStatsHandler)
	mux.HandleFunc("/v1/admin/debug", srvDeps.DebugJSON)

	// Health & metrics
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/docs", srvDeps.DocsHandler)
	mux.HandleFunc("/swagger", srvDeps.SwaggerHandler)
	mux.HandleFunc("/static/", srvDeps.StaticHandler)

	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           logMiddleware(metricsMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on :%s", cfg.Port)
	// Start command dispatch worker
	worker := srvDeps.NewDispatchWorker()
	worker.Start()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

// statusRecorder captures the response code for metrics labels.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		status := strconv.Itoa(sr.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}
