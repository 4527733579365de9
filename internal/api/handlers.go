package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldtrack/internal/dispatch"
	"fieldtrack/internal/geo"
	"fieldtrack/internal/integrations"
	"fieldtrack/internal/integrations/csvroster"
	"fieldtrack/internal/metrics"
	"fieldtrack/internal/model"
	"fieldtrack/internal/store"
)

func parseLimit(r *http.Request) int {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	return limit
}

func notFoundOr(w http.ResponseWriter, r *http.Request, err error, title string) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, 404, "Not Found", err.Error(), r.URL.Path)
		return
	}
	writeProblem(w, 500, title, err.Error(), r.URL.Path)
}

// WorkersHandler handles GET/POST /v1/workers
func (s *Server) WorkersHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		items, next, err := s.Store.ListWorkers(r.Context(), pr.Org, r.URL.Query().Get("cursor"), parseLimit(r))
		if err != nil {
			writeProblem(w, 500, "List workers failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case http.MethodPost:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var in model.WorkerIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if in.Name == "" {
			writeProblem(w, 400, "Invalid worker", "name is required", r.URL.Path)
			return
		}
		if in.Duty != "" && !model.ValidDutyStatus(in.Duty) {
			writeProblem(w, 400, "Invalid worker", "unknown duty status", r.URL.Path)
			return
		}
		wk, err := s.Store.CreateWorker(r.Context(), pr.Org, in)
		if err != nil {
			writeProblem(w, 500, "Create worker failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 201, wk)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WorkerByIDHandler handles /v1/workers/{id} and /v1/workers/{id}/history
func (s *Server) WorkerByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workers/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, 404, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	pr := s.getPrincipal(r)
	if len(parts) > 1 && parts[1] == "history" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// workers may read their own trail; everyone else needs dispatch rights
		if !pr.CanDispatch() && pr.WorkerID != id {
			writeProblem(w, 403, "Forbidden", "not authorized for worker history", r.URL.Path)
			return
		}
		hist, err := s.Store.ListLocationHistory(r.Context(), pr.Org, id, parseLimit(r))
		if err != nil {
			notFoundOr(w, r, err, "List history failed")
			return
		}
		writeJSON(w, 200, map[string]any{"items": hist})
		return
	}
	switch r.Method {
	case http.MethodGet:
		wk, err := s.Store.GetWorker(r.Context(), pr.Org, id)
		if err != nil {
			notFoundOr(w, r, err, "Get worker failed")
			return
		}
		writeJSON(w, 200, wk)
	case http.MethodPatch:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var patch model.WorkerPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if patch.Duty != nil && !model.ValidDutyStatus(*patch.Duty) {
			writeProblem(w, 400, "Invalid worker", "unknown duty status", r.URL.Path)
			return
		}
		wk, err := s.Store.PatchWorker(r.Context(), pr.Org, id, patch)
		if err != nil {
			notFoundOr(w, r, err, "Update worker failed")
			return
		}
		if patch.Duty != nil {
			s.Broker.Publish(pr.Org, SSEEvent{Type: "worker.duty", Data: map[string]any{"workerId": id, "duty": string(wk.Duty)}})
		}
		writeJSON(w, 200, wk)
	case http.MethodDelete:
		if !pr.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		if err := s.Store.DeleteWorker(r.Context(), pr.Org, id); err != nil {
			notFoundOr(w, r, err, "Delete worker failed")
			return
		}
		s.Cache.Delete(pr.Org, id)
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WorkersImportHandler handles POST /v1/workers/import with a CSV body.
func (s *Server) WorkersImportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeProblem(w, 400, "Read body failed", err.Error(), r.URL.Path)
		return
	}
	var src integrations.RosterSource = csvroster.Source{Data: body}
	batch, err := src.FetchWorkers("", "")
	if err != nil {
		writeProblem(w, 400, "Invalid CSV", err.Error(), r.URL.Path)
		return
	}
	created := 0
	for _, row := range batch.Workers {
		if _, err := s.Store.CreateWorker(r.Context(), pr.Org, model.WorkerIn{Name: row.Name, Role: row.Role}); err != nil {
			writeProblem(w, 500, "Import failed", err.Error(), r.URL.Path)
			return
		}
		created++
	}
	writeJSON(w, 201, map[string]any{"created": created})
}

// LocationsHandler handles POST /v1/locations (batch fix ingest).
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	var req struct {
		Fixes []model.LocationFix `json:"fixes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if len(req.Fixes) == 0 {
		writeProblem(w, 400, "Invalid fixes", "fixes must not be empty", r.URL.Path)
		return
	}
	if !s.Limits.AllowN(pr.Org, len(req.Fixes)) {
		metrics.LocationRejected.WithLabelValues(pr.Org, "rate_limited").Add(float64(len(req.Fixes)))
		writeProblem(w, 429, "Too Many Requests", "location ingest rate exceeded", r.URL.Path)
		return
	}
	valid := make([]model.LocationFix, 0, len(req.Fixes))
	rejected := 0
	for i := range req.Fixes {
		f := req.Fixes[i]
		// a worker principal can only report for itself
		if pr.Role == "worker" && pr.WorkerID != "" && f.WorkerID != pr.WorkerID {
			rejected++
			continue
		}
		if err := validateFix(&f); err != nil {
			rejected++
			continue
		}
		if f.TS == "" {
			f.TS = time.Now().UTC().Format(time.RFC3339)
		}
		valid = append(valid, f)
	}
	if rejected > 0 {
		metrics.LocationRejected.WithLabelValues(pr.Org, "invalid").Add(float64(rejected))
	}
	inserted, err := s.Store.InsertLocationFixes(r.Context(), pr.Org, valid)
	if err != nil {
		writeProblem(w, 500, "Insert fixes failed", err.Error(), r.URL.Path)
		return
	}
	if dropped := len(valid) - len(inserted); dropped > 0 {
		metrics.LocationRejected.WithLabelValues(pr.Org, "unknown_worker").Add(float64(dropped))
	}
	metrics.LocationFixes.WithLabelValues(pr.Org).Add(float64(len(inserted)))
	// cache and broadcast only what the store kept, so rejected fixes never
	// surface as live positions
	for _, f := range inserted {
		loc := LatestLocation{Org: pr.Org, WorkerID: f.WorkerID, Lat: f.Lat, Lng: f.Lng, AccuracyM: f.AccuracyM, BatteryPct: f.BatteryPct, TS: f.TS}
		s.Cache.Upsert(loc)
		s.Broker.Publish(pr.Org, SSEEvent{Type: "location.updated", Data: map[string]any{
			"workerId": f.WorkerID, "lat": f.Lat, "lng": f.Lng, "batteryPct": f.BatteryPct, "ts": f.TS,
		}})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(inserted), "rejected": len(req.Fixes) - len(inserted)})
}

// LocationsLatestHandler handles GET /v1/locations/latest
func (s *Server) LocationsLatestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	writeJSON(w, 200, map[string]any{"items": s.Cache.ListByOrg(pr.Org)})
}

// LocationsStreamHandler handles GET /v1/locations/stream (SSE live feed).
func (s *Server) LocationsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(pr.Org)
	defer s.Broker.Unsubscribe(pr.Org, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"orgId\":\"%s\",\"ts\":\"%s\"}\n\n", pr.Org, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"orgId\":\"%s\",\"ts\":\"%s\"}\n\n", pr.Org, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// FloorPlansHandler handles GET/POST /v1/floorplans
func (s *Server) FloorPlansHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		items, next, err := s.Store.ListFloorPlans(r.Context(), pr.Org, r.URL.Query().Get("cursor"), parseLimit(r))
		if err != nil {
			writeProblem(w, 500, "List floor plans failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case http.MethodPost:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var in model.FloorPlanIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if in.Name == "" || in.WidthPx <= 0 || in.HeightPx <= 0 {
			writeProblem(w, 400, "Invalid floor plan", "name and positive pixel dimensions required", r.URL.Path)
			return
		}
		fp, err := s.Store.CreateFloorPlan(r.Context(), pr.Org, in)
		if err != nil {
			writeProblem(w, 500, "Create floor plan failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 201, fp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// FloorPlanByIDHandler handles /v1/floorplans/{id} plus the /calibration and
// /positions subresources.
func (s *Server) FloorPlanByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/floorplans/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, 404, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	pr := s.getPrincipal(r)
	if len(parts) > 1 {
		switch parts[1] {
		case "calibration":
			s.calibrationHandler(w, r, pr, id, parts)
		case "positions":
			s.positionsHandler(w, r, pr, id)
		default:
			writeProblem(w, 404, "Not Found", "", r.URL.Path)
		}
		return
	}
	switch r.Method {
	case http.MethodGet:
		fp, err := s.Store.GetFloorPlan(r.Context(), pr.Org, id)
		if err != nil {
			notFoundOr(w, r, err, "Get floor plan failed")
			return
		}
		writeJSON(w, 200, fp)
	case http.MethodDelete:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		if err := s.Store.DeleteFloorPlan(r.Context(), pr.Org, id); err != nil {
			notFoundOr(w, r, err, "Delete floor plan failed")
			return
		}
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) calibrationHandler(w http.ResponseWriter, r *http.Request, pr Principal, planID string, parts []string) {
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var pt model.CalibrationPoint
		if err := json.NewDecoder(r.Body).Decode(&pt); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.AddCalibrationPoint(r.Context(), pr.Org, planID, pt)
		if err != nil {
			notFoundOr(w, r, err, "Add calibration point failed")
			return
		}
		writeJSON(w, 201, created)
	case http.MethodDelete:
		if len(parts) < 3 || parts[2] == "" {
			writeProblem(w, 404, "Not Found", "missing point id", r.URL.Path)
			return
		}
		if err := s.Store.DeleteCalibrationPoint(r.Context(), pr.Org, planID, parts[2]); err != nil {
			notFoundOr(w, r, err, "Delete calibration point failed")
			return
		}
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// positionsHandler projects the latest worker locations onto the floor plan.
// Workers whose fix cannot be mapped (no usable calibration, or outside the
// plan with margin) are omitted rather than clamped to the edge.
func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request, pr Principal, planID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fp, err := s.Store.GetFloorPlan(r.Context(), pr.Org, planID)
	if err != nil {
		notFoundOr(w, r, err, "Get floor plan failed")
		return
	}
	cal := make([]geo.Calibration, 0, len(fp.Calibration))
	for _, c := range fp.Calibration {
		cal = append(cal, geo.Calibration{PX: c.PX, PY: c.PY, Lat: c.Lat, Lng: c.Lng})
	}
	tf := geo.FitTransform(cal, float64(fp.WidthPx), float64(fp.HeightPx))
	items := []map[string]any{}
	for _, loc := range s.Cache.ListByOrg(pr.Org) {
		pt, ok := geo.MapFix(tf, loc.Lat, loc.Lng)
		if !ok {
			continue
		}
		items = append(items, map[string]any{"workerId": loc.WorkerID, "x": pt.X, "y": pt.Y, "ts": loc.TS})
	}
	writeJSON(w, 200, map[string]any{"planId": planID, "calibrated": tf != nil, "items": items})
}

// ZonesHandler handles GET/POST /v1/zones
func (s *Server) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		items, next, err := s.Store.ListZones(r.Context(), pr.Org, r.URL.Query().Get("cursor"), parseLimit(r))
		if err != nil {
			writeProblem(w, 500, "List zones failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case http.MethodPost:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var in model.ZoneIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateZone(&in); err != nil {
			writeProblem(w, 400, "Invalid zone", err.Error(), r.URL.Path)
			return
		}
		z, err := s.Store.CreateZone(r.Context(), pr.Org, in)
		if err != nil {
			writeProblem(w, 500, "Create zone failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 201, z)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ZoneByIDHandler handles /v1/zones/{id}
func (s *Server) ZoneByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/zones/")
	pr := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		z, err := s.Store.GetZone(r.Context(), pr.Org, id)
		if err != nil {
			notFoundOr(w, r, err, "Get zone failed")
			return
		}
		writeJSON(w, 200, z)
	case http.MethodPatch:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var in model.ZoneIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if in.Vertices != nil && len(in.Vertices) < 3 {
			writeProblem(w, 400, "Invalid zone", "a zone polygon needs at least 3 vertices", r.URL.Path)
			return
		}
		z, err := s.Store.PatchZone(r.Context(), pr.Org, id, in)
		if err != nil {
			notFoundOr(w, r, err, "Update zone failed")
			return
		}
		writeJSON(w, 200, z)
	case http.MethodDelete:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		if err := s.Store.DeleteZone(r.Context(), pr.Org, id); err != nil {
			notFoundOr(w, r, err, "Delete zone failed")
			return
		}
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ZoneOccupancyHandler handles GET /v1/zones/occupancy: which workers are
// currently inside each GPS zone, based on the latest cached fixes. Image
// space zones need a planId query param to map fixes into plan fractions.
func (s *Server) ZoneOccupancyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	zones, _, err := s.Store.ListZones(r.Context(), pr.Org, "", 500)
	if err != nil {
		writeProblem(w, 500, "List zones failed", err.Error(), r.URL.Path)
		return
	}
	var tf geo.Transform
	if planID := r.URL.Query().Get("planId"); planID != "" {
		fp, err := s.Store.GetFloorPlan(r.Context(), pr.Org, planID)
		if err != nil {
			notFoundOr(w, r, err, "Get floor plan failed")
			return
		}
		cal := make([]geo.Calibration, 0, len(fp.Calibration))
		for _, c := range fp.Calibration {
			cal = append(cal, geo.Calibration{PX: c.PX, PY: c.PY, Lat: c.Lat, Lng: c.Lng})
		}
		tf = geo.FitTransform(cal, float64(fp.WidthPx), float64(fp.HeightPx))
	}
	locs := s.Cache.ListByOrg(pr.Org)
	out := []map[string]any{}
	for _, z := range zones {
		poly := make([]geo.Point, 0, len(z.Vertices))
		for _, v := range z.Vertices {
			poly = append(poly, geo.Point{X: v.X, Y: v.Y})
		}
		inside := []string{}
		for _, loc := range locs {
			switch z.Space {
			case model.SpaceImage:
				if tf == nil {
					continue
				}
				pt, ok := geo.MapFix(tf, loc.Lat, loc.Lng)
				if ok && geo.PointInPolygon(pt, poly) {
					inside = append(inside, loc.WorkerID)
				}
			default:
				if geo.ContainsLatLng(poly, loc.Lat, loc.Lng) {
					inside = append(inside, loc.WorkerID)
				}
			}
		}
		out = append(out, map[string]any{"zoneId": z.ID, "name": z.Name, "workerIds": inside, "count": len(inside)})
	}
	writeJSON(w, 200, map[string]any{"items": out})
}

// AssignmentsHandler handles GET/POST /v1/assignments
func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := store.AssignmentFilter{
			WorkerID: q.Get("workerId"),
			Date:     q.Get("date"),
			Status:   model.AssignmentStatus(q.Get("status")),
			RuleID:   q.Get("ruleId"),
			Cursor:   q.Get("cursor"),
			Limit:    parseLimit(r),
		}
		// workers only see their own assignments
		if !pr.CanDispatch() {
			if pr.WorkerID == "" {
				writeProblem(w, 403, "Forbidden", "worker identity required", r.URL.Path)
				return
			}
			f.WorkerID = pr.WorkerID
		}
		items, next, err := s.Store.ListAssignments(r.Context(), pr.Org, f)
		if err != nil {
			writeProblem(w, 500, "List assignments failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case http.MethodPost:
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
			return
		}
		var in model.TaskAssignmentIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if in.WorkerID == "" || in.Title == "" || !validDate(in.Date) {
			writeProblem(w, 400, "Invalid assignment", "workerId, title and date (YYYY-MM-DD) required", r.URL.Path)
			return
		}
		a, err := s.Store.CreateAssignment(r.Context(), pr.Org, in)
		if err != nil {
			writeProblem(w, 500, "Create assignment failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 201, a)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// AssignmentByIDHandler handles GET/PATCH /v1/assignments/{id}
func (s *Server) AssignmentByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/assignments/")
	pr := s.getPrincipal(r)
	switch r.Method {
	case http.MethodGet:
		a, err := s.Store.GetAssignment(r.Context(), pr.Org, id)
		if err != nil {
			notFoundOr(w, r, err, "Get assignment failed")
			return
		}
		if !pr.CanDispatch() && pr.WorkerID != a.WorkerID {
			writeProblem(w, 403, "Forbidden", "not authorized for assignment", r.URL.Path)
			return
		}
		writeJSON(w, 200, a)
	case http.MethodPatch:
		var req struct {
			Status model.AssignmentStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if !model.ValidAssignmentStatus(req.Status) {
			writeProblem(w, 400, "Invalid status", "unknown assignment status", r.URL.Path)
			return
		}
		// a worker may move only its own assignments, and never cancel
		if !pr.CanDispatch() {
			a, err := s.Store.GetAssignment(r.Context(), pr.Org, id)
			if err != nil {
				notFoundOr(w, r, err, "Get assignment failed")
				return
			}
			if pr.WorkerID == "" || pr.WorkerID != a.WorkerID || req.Status == model.AssignmentCancelled {
				writeProblem(w, 403, "Forbidden", "not authorized for assignment update", r.URL.Path)
				return
			}
		}
		a, err := s.Store.SetAssignmentStatus(r.Context(), pr.Org, id, req.Status)
		if err != nil {
			notFoundOr(w, r, err, "Update assignment failed")
			return
		}
		s.Broker.Publish(pr.Org, SSEEvent{Type: "assignment.status", Data: map[string]any{"assignmentId": a.ID, "workerId": a.WorkerID, "status": string(a.Status)}})
		writeJSON(w, 200, a)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// MaterializeHandler handles POST /v1/assignments/materialize
func (s *Server) MaterializeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var req model.MaterializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateMaterialize(&req); err != nil {
		writeProblem(w, 400, "Invalid range", err.Error(), r.URL.Path)
		return
	}
	created, err := s.Store.Materialize(r.Context(), pr.Org, req.StartDate, req.EndDate)
	if err != nil {
		writeProblem(w, 500, "Materialize failed", err.Error(), r.URL.Path)
		return
	}
	metrics.AssignmentsMaterialized.WithLabelValues(pr.Org).Add(float64(created))
	writeJSON(w, 200, map[string]any{"created": created})
}

// RulesHandler handles GET/POST /v1/rules
func (s *Server) RulesHandler(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.Store.ListRules(r.Context(), pr.Org, r.URL.Query().Get("active") == "true")
		if err != nil {
			writeProblem(w, 500, "List rules failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items})
	case http.MethodPost:
		var in model.RecurringRuleIn
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateRule(&in); err != nil {
			writeProblem(w, 400, "Invalid rule", err.Error(), r.URL.Path)
			return
		}
		rule, err := s.Store.CreateRule(r.Context(), pr.Org, in)
		if err != nil {
			writeProblem(w, 500, "Create rule failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 201, rule)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RuleByIDHandler handles GET/PATCH/DELETE /v1/rules/{id}
func (s *Server) RuleByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/rules/")
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rule, err := s.Store.GetRule(r.Context(), pr.Org, id)
		if err != nil {
			notFoundOr(w, r, err, "Get rule failed")
			return
		}
		writeJSON(w, 200, rule)
	case http.MethodPatch:
		var patch model.RulePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if patch.WorkerIDs != nil && len(*patch.WorkerIDs) == 0 {
			writeProblem(w, 400, "Invalid rule", "workerIds must not be empty", r.URL.Path)
			return
		}
		rule, err := s.Store.PatchRule(r.Context(), pr.Org, id, patch)
		if err != nil {
			notFoundOr(w, r, err, "Update rule failed")
			return
		}
		writeJSON(w, 200, rule)
	case http.MethodDelete:
		if err := s.Store.DeleteRule(r.Context(), pr.Org, id); err != nil {
			notFoundOr(w, r, err, "Delete rule failed")
			return
		}
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// CommandsHandler handles POST /v1/commands
func (s *Server) CommandsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var in model.CommandIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateCommand(&in); err != nil {
		writeProblem(w, 400, "Invalid command", err.Error(), r.URL.Path)
		return
	}
	cmd, err := s.Store.CreateCommand(r.Context(), pr.Org, in)
	if err != nil {
		writeProblem(w, 500, "Create command failed", err.Error(), r.URL.Path)
		return
	}
	// fan out to registered devices and the live feed
	s.Pub.Emit(r.Context(), cmd)
	s.Broker.Publish(pr.Org, SSEEvent{Type: "command.dispatched", Data: map[string]any{
		"commandId": cmd.ID, "type": string(cmd.Type), "workerIds": cmd.WorkerIDs, "ts": cmd.TS,
	}})
	writeJSON(w, http.StatusAccepted, cmd)
}

// DevicesHandler handles POST /v1/devices
func (s *Server) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	var in model.DeviceRegistration
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	// workers register their own device; dispatch roles can register any
	if !pr.CanDispatch() {
		if pr.WorkerID == "" || in.WorkerID != pr.WorkerID {
			writeProblem(w, 403, "Forbidden", "cannot register device for another worker", r.URL.Path)
			return
		}
	}
	if in.WorkerID == "" || in.PushURL == "" {
		writeProblem(w, 400, "Invalid registration", "workerId and pushUrl required", r.URL.Path)
		return
	}
	reg, err := s.Store.RegisterDevice(r.Context(), pr.Org, in)
	if err != nil {
		writeProblem(w, 500, "Register device failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 201, reg)
}

// MediaPresignHandler handles POST /v1/media/presign for floor plan images
// and avatars.
func (s *Server) MediaPresignHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var in model.PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if in.FileName == "" || in.ContentType == "" {
		writeProblem(w, 400, "Invalid request", "fileName and contentType required", r.URL.Path)
		return
	}
	expire := time.Now().Add(15 * time.Minute)
	url := s.presignURL(pr.Org, in.FileName, expire)
	writeJSON(w, 200, map[string]any{
		"uploadUrl": url,
		"method":    "PUT",
		"headers":   map[string]string{"Content-Type": in.ContentType},
		"expireAt":  expire.Format(time.RFC3339),
	})
}

// AdminCommandDeliveriesHandler handles GET /v1/admin/command-deliveries
func (s *Server) AdminCommandDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	items, next, err := s.Store.ListCommandDeliveries(r.Context(), pr.Org, r.URL.Query().Get("status"), r.URL.Query().Get("cursor"), parseLimit(r))
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// AdminCommandDeliveryRetryHandler handles POST /v1/admin/command-deliveries/{id}/retry
func (s *Server) AdminCommandDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/command-deliveries/")
	id := strings.TrimSuffix(rest, "/retry")
	if id == "" || id == rest {
		writeProblem(w, 404, "Not Found", "missing delivery id", r.URL.Path)
		return
	}
	if err := s.Store.RetryCommandDelivery(r.Context(), pr.Org, id); err != nil {
		notFoundOr(w, r, err, "Retry failed")
		return
	}
	writeJSON(w, 200, map[string]any{"status": "requeued"})
}

// AdminStatsHandler handles GET /v1/admin/stats
func (s *Server) AdminStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	stats, err := s.Store.OrgStats(r.Context(), pr.Org)
	if err != nil {
		writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, stats)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// presignURL builds an HMAC-signed upload URL so the media host can verify
// the request came from us without a callback.
func (s *Server) presignURL(org, fileName string, expire time.Time) string {
	base := s.Cfg.Media.BaseURL
	if base == "" {
		base = "https://media.local/upload"
	}
	path := fmt.Sprintf("%s/%s/%s", base, org, fileName)
	msg := fmt.Sprintf("%s|%d", path, expire.Unix())
	sig := dispatch.SignHMAC(s.Cfg.Media.Secret, []byte(msg))
	return fmt.Sprintf("%s?expires=%d&sig=%s", path, expire.Unix(), sig)
}
