package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldtrack/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	var cfg config.Config
	cfg.Ingest.RatePerSec = 1000
	cfg.Ingest.Burst = 1000
	cfg.Dispatch.PollSeconds = 1
	cfg.Dispatch.MaxAttempts = 3
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func asAdmin(req *http.Request) *http.Request {
	req.Header.Set("X-Org-Id", "org_test")
	req.Header.Set("X-Role", "admin")
	return req
}

func postJSON(t *testing.T, s *Server, h http.HandlerFunc, path string, body any, wantCode int) map[string]any {
	t.Helper()
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	req := asAdmin(httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	req.Header.Set("Content-Type", "application/json")
	h(rr, req)
	if rr.Code != wantCode {
		t.Fatalf("POST %s: got %d want %d: %s", path, rr.Code, wantCode, rr.Body.String())
	}
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return out
}

func getJSON(t *testing.T, s *Server, h http.HandlerFunc, path string, wantCode int) map[string]any {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, asAdmin(httptest.NewRequest(http.MethodGet, path, nil)))
	if rr.Code != wantCode {
		t.Fatalf("GET %s: got %d want %d: %s", path, rr.Code, wantCode, rr.Body.String())
	}
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return out
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestWorkersCreateListPatch(t *testing.T) {
	s := newTestServer(t)
	created := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada", "role": "engineer"}, 201)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("no id in create response: %v", created)
	}
	list := getJSON(t, s, s.WorkersHandler, "/v1/workers", 200)
	items, _ := list["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(items))
	}
	// patch duty
	b := []byte(`{"duty":"on_duty"}`)
	rr := httptest.NewRecorder()
	req := asAdmin(httptest.NewRequest(http.MethodPatch, "/v1/workers/"+id, bytes.NewReader(b)))
	s.WorkerByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("patch worker: %d", rr.Code)
	}
	var wk map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &wk)
	if wk["duty"] != "on_duty" {
		t.Fatalf("duty not updated: %v", wk)
	}
	// invalid duty rejected
	rr = httptest.NewRecorder()
	req = asAdmin(httptest.NewRequest(http.MethodPatch, "/v1/workers/"+id, bytes.NewReader([]byte(`{"duty":"asleep"}`))))
	s.WorkerByIDHandler(rr, req)
	if rr.Code != 400 {
		t.Fatalf("bad duty should 400, got %d", rr.Code)
	}
}

func TestWorkersImportCSV(t *testing.T) {
	s := newTestServer(t)
	csv := "name,role\nAda,engineer\nGrace,dispatcher\n"
	rr := httptest.NewRecorder()
	req := asAdmin(httptest.NewRequest(http.MethodPost, "/v1/workers/import", bytes.NewReader([]byte(csv))))
	s.WorkersImportHandler(rr, req)
	if rr.Code != 201 {
		t.Fatalf("import: %d %s", rr.Code, rr.Body.String())
	}
	var res map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res["created"] != float64(2) {
		t.Fatalf("expected 2 created, got %v", res["created"])
	}
}

func TestLocationsIngestAndLatest(t *testing.T) {
	s := newTestServer(t)
	created := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)
	wid := created["id"].(string)

	res := postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{
			{"workerId": wid, "lat": 40.0, "lng": -74.0, "batteryPct": 80, "ts": "2024-01-01T10:00:00Z"},
			{"workerId": wid, "lat": 200.0, "lng": -74.0}, // invalid lat, rejected
		},
	}, http.StatusAccepted)
	if res["accepted"] != float64(1) {
		t.Fatalf("expected 1 accepted, got %v", res)
	}

	latest := getJSON(t, s, s.LocationsLatestHandler, "/v1/locations/latest", 200)
	items, _ := latest["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 latest location, got %d", len(items))
	}

	hist := getJSON(t, s, s.WorkerByIDHandler, "/v1/workers/"+wid+"/history", 200)
	hitems, _ := hist["items"].([]any)
	if len(hitems) != 1 {
		t.Fatalf("expected 1 history fix, got %d", len(hitems))
	}
	// battery propagated to the worker record
	wk := getJSON(t, s, s.WorkerByIDHandler, "/v1/workers/"+wid, 200)
	if wk["batteryPct"] != float64(80) {
		t.Fatalf("battery not propagated: %v", wk)
	}
}

func TestLocationsUnknownWorkerNeverCached(t *testing.T) {
	s := newTestServer(t)
	res := postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": "no-such-worker", "lat": 40.0, "lng": -74.0}},
	}, http.StatusAccepted)
	if res["accepted"] != float64(0) || res["rejected"] != float64(1) {
		t.Fatalf("unknown worker fix should be rejected: %v", res)
	}
	latest := getJSON(t, s, s.LocationsLatestHandler, "/v1/locations/latest", 200)
	items, _ := latest["items"].([]any)
	if len(items) != 0 {
		t.Fatalf("rejected fix must not surface as a live position: %v", items)
	}
}

func TestDeleteWorkerEvictsCachedLocation(t *testing.T) {
	s := newTestServer(t)
	wid := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)
	postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": wid, "lat": 40.0, "lng": -74.0}},
	}, http.StatusAccepted)

	rr := httptest.NewRecorder()
	req := asAdmin(httptest.NewRequest(http.MethodDelete, "/v1/workers/"+wid, nil))
	s.WorkerByIDHandler(rr, req)
	if rr.Code != 204 {
		t.Fatalf("delete worker: %d", rr.Code)
	}
	latest := getJSON(t, s, s.LocationsLatestHandler, "/v1/locations/latest", 200)
	items, _ := latest["items"].([]any)
	if len(items) != 0 {
		t.Fatalf("deleted worker should not linger in live positions: %v", items)
	}
}

func TestLocationsWorkerCannotReportForOthers(t *testing.T) {
	s := newTestServer(t)
	created := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)
	wid := created["id"].(string)

	body, _ := json.Marshal(map[string]any{"fixes": []map[string]any{{"workerId": wid, "lat": 1, "lng": 2}}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/locations", bytes.NewReader(body))
	req.Header.Set("X-Org-Id", "org_test")
	req.Header.Set("X-Role", "worker")
	req.Header.Set("X-Worker-Id", "someone-else")
	s.LocationsHandler(rr, req)
	var res map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if res["accepted"] != float64(0) {
		t.Fatalf("foreign fix should be rejected: %v", res)
	}
}

func TestFloorPlanCalibrationAndPositions(t *testing.T) {
	s := newTestServer(t)
	created := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)
	wid := created["id"].(string)

	plan := postJSON(t, s, s.FloorPlansHandler, "/v1/floorplans", map[string]any{"name": "HQ 2F", "widthPx": 1000, "heightPx": 500}, 201)
	pid := plan["id"].(string)

	// two calibration points spanning the plan diagonally
	postJSON(t, s, s.FloorPlanByIDHandler, "/v1/floorplans/"+pid+"/calibration",
		map[string]any{"px": 0, "py": 0, "lat": 10, "lng": 20}, 201)
	postJSON(t, s, s.FloorPlanByIDHandler, "/v1/floorplans/"+pid+"/calibration",
		map[string]any{"px": 1000, "py": 500, "lat": 11, "lng": 21}, 201)

	// worker in the middle of the calibrated rectangle
	postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": wid, "lat": 10.5, "lng": 20.5}},
	}, http.StatusAccepted)

	pos := getJSON(t, s, s.FloorPlanByIDHandler, "/v1/floorplans/"+pid+"/positions", 200)
	if pos["calibrated"] != true {
		t.Fatalf("plan should be calibrated: %v", pos)
	}
	items, _ := pos["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 mapped position, got %v", pos)
	}
	it := items[0].(map[string]any)
	x, y := it["x"].(float64), it["y"].(float64)
	if x < 0.49 || x > 0.51 || y < 0.49 || y > 0.51 {
		t.Fatalf("expected center mapping, got x=%v y=%v", x, y)
	}

	// a fix far outside the plan is omitted, not clamped
	postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": wid, "lat": 50, "lng": 80}},
	}, http.StatusAccepted)
	pos = getJSON(t, s, s.FloorPlanByIDHandler, "/v1/floorplans/"+pid+"/positions", 200)
	items, _ = pos["items"].([]any)
	if len(items) != 0 {
		t.Fatalf("out-of-plan fix should be omitted, got %v", items)
	}
}

func TestZonesAndOccupancy(t *testing.T) {
	s := newTestServer(t)
	created := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)
	wid := created["id"].(string)

	// square zone around (40, -74); vertices are {x: lng, y: lat}
	postJSON(t, s, s.ZonesHandler, "/v1/zones", map[string]any{
		"name": "yard", "space": "gps",
		"vertices": []map[string]any{
			{"x": -74.1, "y": 39.9}, {"x": -73.9, "y": 39.9}, {"x": -73.9, "y": 40.1}, {"x": -74.1, "y": 40.1},
		},
	}, 201)

	postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": wid, "lat": 40.0, "lng": -74.0}},
	}, http.StatusAccepted)

	occ := getJSON(t, s, s.ZoneOccupancyHandler, "/v1/zones/occupancy", 200)
	items, _ := occ["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 zone, got %v", occ)
	}
	z := items[0].(map[string]any)
	if z["count"] != float64(1) {
		t.Fatalf("worker should be inside the zone: %v", z)
	}

	// move the worker out
	postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": wid, "lat": 41.0, "lng": -74.0}},
	}, http.StatusAccepted)
	occ = getJSON(t, s, s.ZoneOccupancyHandler, "/v1/zones/occupancy", 200)
	z = occ["items"].([]any)[0].(map[string]any)
	if z["count"] != float64(0) {
		t.Fatalf("worker should have left the zone: %v", z)
	}

	// degenerate polygon rejected at create time
	rr := httptest.NewRecorder()
	req := asAdmin(httptest.NewRequest(http.MethodPost, "/v1/zones", bytes.NewReader([]byte(`{"name":"line","vertices":[{"x":0,"y":0},{"x":1,"y":1}]}`))))
	s.ZonesHandler(rr, req)
	if rr.Code != 400 {
		t.Fatalf("2-vertex zone should 400, got %d", rr.Code)
	}
}

func TestRulesValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []map[string]any{
		{"title": "", "workerIds": []string{"w1"}, "recurrence": "daily", "startDate": "2024-01-01"},
		{"title": "t", "workerIds": []string{}, "recurrence": "daily", "startDate": "2024-01-01"},
		{"title": "t", "workerIds": []string{"w1"}, "recurrence": "hourly", "startDate": "2024-01-01"},
		{"title": "t", "workerIds": []string{"w1"}, "recurrence": "daily", "startDate": "01/02/2024"},
		{"title": "t", "workerIds": []string{"w1"}, "recurrence": "weekly", "startDate": "2024-01-01", "weekdays": []int{1, 2}},
		{"title": "t", "workerIds": []string{"w1"}, "recurrence": "custom", "startDate": "2024-01-01", "weekdays": []int{}},
		{"title": "t", "workerIds": []string{"w1"}, "recurrence": "daily", "startDate": "2024-01-05", "endDate": "2024-01-01"},
	}
	for i, c := range cases {
		b, _ := json.Marshal(c)
		rr := httptest.NewRecorder()
		req := asAdmin(httptest.NewRequest(http.MethodPost, "/v1/rules", bytes.NewReader(b)))
		s.RulesHandler(rr, req)
		if rr.Code != 400 {
			t.Fatalf("case %d should 400, got %d", i, rr.Code)
		}
	}
	postJSON(t, s, s.RulesHandler, "/v1/rules", map[string]any{
		"title": "patrol", "workerIds": []string{"w1"}, "recurrence": "weekly",
		"weekdays": []int{1}, "startDate": "2024-01-01",
	}, 201)
}

func TestMaterializeIdempotent(t *testing.T) {
	s := newTestServer(t)
	w1 := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)
	w2 := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Grace"}, 201)["id"].(string)

	postJSON(t, s, s.RulesHandler, "/v1/rules", map[string]any{
		"title": "daily check", "workerIds": []string{w1, w2}, "recurrence": "daily", "startDate": "2024-01-01",
	}, 201)
	postJSON(t, s, s.RulesHandler, "/v1/rules", map[string]any{
		"title": "monday patrol", "workerIds": []string{w1}, "recurrence": "weekly",
		"weekdays": []int{1}, "startDate": "2024-01-01",
	}, 201)

	// 2024-01-01 .. 2024-01-07: daily 7x2 = 14; weekly Monday (Jan 1) = 1
	res := postJSON(t, s, s.MaterializeHandler, "/v1/assignments/materialize",
		map[string]any{"startDate": "2024-01-01", "endDate": "2024-01-07"}, 200)
	if res["created"] != float64(15) {
		t.Fatalf("expected 15 created, got %v", res)
	}
	// same window again: nothing new
	res = postJSON(t, s, s.MaterializeHandler, "/v1/assignments/materialize",
		map[string]any{"startDate": "2024-01-01", "endDate": "2024-01-07"}, 200)
	if res["created"] != float64(0) {
		t.Fatalf("re-run should create 0, got %v", res)
	}
	// overlapping window extends only the new days: Jan 8 (Mon) adds 2 daily + 1 weekly
	res = postJSON(t, s, s.MaterializeHandler, "/v1/assignments/materialize",
		map[string]any{"startDate": "2024-01-05", "endDate": "2024-01-08"}, 200)
	if res["created"] != float64(3) {
		t.Fatalf("overlap should create 3, got %v", res)
	}

	list := getJSON(t, s, s.AssignmentsHandler, fmt.Sprintf("/v1/assignments?workerId=%s&date=2024-01-01", w1), 200)
	items, _ := list["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("w1 on Jan 1 should have daily + weekly = 2, got %d", len(items))
	}
}

func TestAssignmentStatusFlow(t *testing.T) {
	s := newTestServer(t)
	wid := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)
	a := postJSON(t, s, s.AssignmentsHandler, "/v1/assignments",
		map[string]any{"workerId": wid, "date": "2024-02-01", "title": "fix lamp"}, 201)
	aid := a["id"].(string)
	if a["status"] != "pending" {
		t.Fatalf("new assignment should be pending: %v", a)
	}

	// the assigned worker can start it
	body := []byte(`{"status":"in_progress"}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/v1/assignments/"+aid, bytes.NewReader(body))
	req.Header.Set("X-Org-Id", "org_test")
	req.Header.Set("X-Role", "worker")
	req.Header.Set("X-Worker-Id", wid)
	s.AssignmentByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("worker start: %d %s", rr.Code, rr.Body.String())
	}

	// but cannot cancel
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/v1/assignments/"+aid, bytes.NewReader([]byte(`{"status":"cancelled"}`)))
	req.Header.Set("X-Org-Id", "org_test")
	req.Header.Set("X-Role", "worker")
	req.Header.Set("X-Worker-Id", wid)
	s.AssignmentByIDHandler(rr, req)
	if rr.Code != 403 {
		t.Fatalf("worker cancel should 403, got %d", rr.Code)
	}

	// another worker cannot touch it
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPatch, "/v1/assignments/"+aid, bytes.NewReader([]byte(`{"status":"completed"}`)))
	req.Header.Set("X-Org-Id", "org_test")
	req.Header.Set("X-Role", "worker")
	req.Header.Set("X-Worker-Id", "other")
	s.AssignmentByIDHandler(rr, req)
	if rr.Code != 403 {
		t.Fatalf("foreign worker should 403, got %d", rr.Code)
	}
}

func TestDeleteRuleKeepsAssignments(t *testing.T) {
	s := newTestServer(t)
	wid := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)
	rule := postJSON(t, s, s.RulesHandler, "/v1/rules", map[string]any{
		"title": "daily", "workerIds": []string{wid}, "recurrence": "daily", "startDate": "2024-01-01",
	}, 201)
	rid := rule["id"].(string)
	postJSON(t, s, s.MaterializeHandler, "/v1/assignments/materialize",
		map[string]any{"startDate": "2024-01-01", "endDate": "2024-01-03"}, 200)

	rr := httptest.NewRecorder()
	req := asAdmin(httptest.NewRequest(http.MethodDelete, "/v1/rules/"+rid, nil))
	s.RuleByIDHandler(rr, req)
	if rr.Code != 204 {
		t.Fatalf("delete rule: %d", rr.Code)
	}
	list := getJSON(t, s, s.AssignmentsHandler, "/v1/assignments?ruleId="+rid, 200)
	items, _ := list["items"].([]any)
	if len(items) != 3 {
		t.Fatalf("assignments should survive rule deletion, got %d", len(items))
	}
}

func TestCommandDispatchEnqueuesDeliveries(t *testing.T) {
	s := newTestServer(t)
	wid := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)
	postJSON(t, s, s.DevicesHandler, "/v1/devices",
		map[string]any{"workerId": wid, "pushUrl": "https://device.invalid/push", "secret": "shh"}, 201)

	postJSON(t, s, s.CommandsHandler, "/v1/commands",
		map[string]any{"type": "alert", "body": "evacuate", "workerIds": []string{wid}}, http.StatusAccepted)

	dres := getJSON(t, s, s.AdminCommandDeliveriesHandler, "/v1/admin/command-deliveries?limit=5", 200)
	items, _ := dres["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 delivery, got %v", dres)
	}
	d := items[0].(map[string]any)
	if d["status"] != "pending" || d["workerId"] != wid {
		t.Fatalf("unexpected delivery: %v", d)
	}
}

func TestCommandValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []map[string]any{
		{"type": "shout", "body": "x", "workerIds": []string{"w1"}},
		{"type": "alert", "body": "x", "workerIds": []string{}},
		{"type": "message", "workerIds": []string{"w1"}}, // message requires body
	}
	for i, c := range cases {
		b, _ := json.Marshal(c)
		rr := httptest.NewRecorder()
		req := asAdmin(httptest.NewRequest(http.MethodPost, "/v1/commands", bytes.NewReader(b)))
		s.CommandsHandler(rr, req)
		if rr.Code != 400 {
			t.Fatalf("case %d should 400, got %d", i, rr.Code)
		}
	}
	// ping needs no body
	postJSON(t, s, s.CommandsHandler, "/v1/commands",
		map[string]any{"type": "ping", "workerIds": []string{"w1"}}, http.StatusAccepted)
}

func TestMediaPresign(t *testing.T) {
	s := newTestServer(t)
	res := postJSON(t, s, s.MediaPresignHandler, "/v1/media/presign",
		map[string]any{"fileName": "plan.png", "contentType": "image/png"}, 200)
	if res["uploadUrl"] == "" || res["method"] != "PUT" {
		t.Fatalf("unexpected presign response: %v", res)
	}
}

func TestOrgIsolation(t *testing.T) {
	s := newTestServer(t)
	wid := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/workers/"+wid, nil)
	req.Header.Set("X-Org-Id", "org_other")
	req.Header.Set("X-Role", "admin")
	s.WorkerByIDHandler(rr, req)
	if rr.Code != 404 {
		t.Fatalf("cross-org read should 404, got %d", rr.Code)
	}
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int)           { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush()                      {}

func TestLocationStreamSSE(t *testing.T) {
	s := newTestServer(t)
	wid := postJSON(t, s, s.WorkersHandler, "/v1/workers", map[string]any{"name": "Ada"}, 201)["id"].(string)

	sseReq := httptest.NewRequest(http.MethodGet, "/v1/locations/stream", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)
	sseReq.Header.Set("X-Org-Id", "org_test")
	sseReq.Header.Set("X-Role", "admin")

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.LocationsStreamHandler(rec, sseReq)
		close(done)
	}()

	// Give handler time to subscribe and send heartbeat
	time.Sleep(50 * time.Millisecond)
	postJSON(t, s, s.LocationsHandler, "/v1/locations", map[string]any{
		"fixes": []map[string]any{{"workerId": wid, "lat": 40.0, "lng": -74.0}},
	}, http.StatusAccepted)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if bytes.Contains(rec.buf.Bytes(), []byte("event: location.updated")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Contains(rec.buf.Bytes(), []byte("event: location.updated")) {
		t.Fatalf("SSE did not contain location event. Body: %s", rec.buf.String())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}
