package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldtrack/internal/model"
	"fieldtrack/internal/schedule"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	workers    map[string]model.Worker   // id -> worker
	workersOrg map[string][]string       // org -> worker ids
	fixes      map[string][]model.LocationFix // workerId -> history (append order)
	plans      map[string]model.FloorPlan // id -> plan (with calibration)
	plansOrg   map[string][]string
	zones      map[string]model.Zone
	zonesOrg   map[string][]string
	asgs       map[string]model.TaskAssignment // id -> assignment
	asgsOrg    map[string][]string
	asgKeys    map[string]string // org|worker|date|rule -> assignment id
	rules      map[string]model.RecurringRule
	rulesOrg   map[string][]string
	commands   map[string]model.Command
	devices    map[string][]model.DeviceRegistration // org -> registrations
	// Command delivery queue state
	deliveries    map[string]*memDelivery
	deliveriesOrg map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		workers:       map[string]model.Worker{},
		workersOrg:    map[string][]string{},
		fixes:         map[string][]model.LocationFix{},
		plans:         map[string]model.FloorPlan{},
		plansOrg:      map[string][]string{},
		zones:         map[string]model.Zone{},
		zonesOrg:      map[string][]string{},
		asgs:          map[string]model.TaskAssignment{},
		asgsOrg:       map[string][]string{},
		asgKeys:       map[string]string{},
		rules:         map[string]model.RecurringRule{},
		rulesOrg:      map[string][]string{},
		commands:      map[string]model.Command{},
		devices:       map[string][]model.DeviceRegistration{},
		deliveries:    map[string]*memDelivery{},
		deliveriesOrg: map[string][]string{},
	}
}

// memDelivery augments CommandDelivery with scheduling state
type memDelivery struct {
	CommandDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func asgKey(orgID, workerID, date, ruleID string) string {
	return orgID + "|" + workerID + "|" + date + "|" + ruleID
}

// pageIDs pages an ordered id slice with an id cursor.
func pageIDs(ids []string, cursor string, limit int) ([]string, string) {
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	page := ids[start:end]
	next := ""
	if end < len(ids) && len(page) > 0 {
		next = page[len(page)-1]
	}
	return page, next
}

// Workers

func (m *Memory) CreateWorker(ctx context.Context, orgID string, in model.WorkerIn) (model.Worker, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	duty := in.Duty
	if duty == "" {
		duty = model.DutyOff
	}
	w := model.Worker{ID: uuid.New().String(), OrgID: orgID, Name: in.Name, Role: in.Role, Duty: duty, AvatarURL: in.AvatarURL, Active: true}
	m.workers[w.ID] = w
	m.workersOrg[orgID] = append(m.workersOrg[orgID], w.ID)
	return w, nil
}

func (m *Memory) ListWorkers(ctx context.Context, orgID, cursor string, limit int) ([]model.Worker, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	page, next := pageIDs(m.workersOrg[orgID], cursor, limit)
	out := make([]model.Worker, 0, len(page))
	for _, id := range page {
		out = append(out, m.workers[id])
	}
	return out, next, nil
}

func (m *Memory) GetWorker(ctx context.Context, orgID, id string) (model.Worker, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok || w.OrgID != orgID { return model.Worker{}, ErrNotFound }
	return w, nil
}

func (m *Memory) PatchWorker(ctx context.Context, orgID, id string, patch model.WorkerPatch) (model.Worker, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok || w.OrgID != orgID { return model.Worker{}, ErrNotFound }
	if patch.Name != nil { w.Name = *patch.Name }
	if patch.Role != nil { w.Role = *patch.Role }
	if patch.Duty != nil { w.Duty = *patch.Duty }
	if patch.BatteryPct != nil { w.BatteryPct = *patch.BatteryPct }
	if patch.AvatarURL != nil { w.AvatarURL = *patch.AvatarURL }
	if patch.Active != nil { w.Active = *patch.Active }
	m.workers[id] = w
	return w, nil
}

func (m *Memory) DeleteWorker(ctx context.Context, orgID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok || w.OrgID != orgID { return ErrNotFound }
	delete(m.workers, id)
	ids := m.workersOrg[orgID]
	out := make([]string, 0, len(ids))
	for _, v := range ids { if v != id { out = append(out, v) } }
	m.workersOrg[orgID] = out
	return nil
}

// Location fixes

func (m *Memory) InsertLocationFixes(ctx context.Context, orgID string, fixes []model.LocationFix) ([]model.LocationFix, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	accepted := []model.LocationFix{}
	for _, f := range fixes {
		w, ok := m.workers[f.WorkerID]
		if !ok || w.OrgID != orgID { continue }
		m.fixes[f.WorkerID] = append(m.fixes[f.WorkerID], f)
		if f.BatteryPct > 0 {
			w.BatteryPct = f.BatteryPct
			m.workers[f.WorkerID] = w
		}
		accepted = append(accepted, f)
	}
	return accepted, nil
}

func (m *Memory) ListLocationHistory(ctx context.Context, orgID, workerID string, limit int) ([]model.LocationFix, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok || w.OrgID != orgID { return nil, ErrNotFound }
	hist := m.fixes[workerID]
	if limit <= 0 { limit = 100 }
	if len(hist) > limit { hist = hist[len(hist)-limit:] }
	return append([]model.LocationFix(nil), hist...), nil
}

// Floor plans

func (m *Memory) CreateFloorPlan(ctx context.Context, orgID string, in model.FloorPlanIn) (model.FloorPlan, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	fp := model.FloorPlan{ID: uuid.New().String(), OrgID: orgID, Name: in.Name, ImageURL: in.ImageURL, WidthPx: in.WidthPx, HeightPx: in.HeightPx}
	m.plans[fp.ID] = fp
	m.plansOrg[orgID] = append(m.plansOrg[orgID], fp.ID)
	return fp, nil
}

func (m *Memory) ListFloorPlans(ctx context.Context, orgID, cursor string, limit int) ([]model.FloorPlan, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	page, next := pageIDs(m.plansOrg[orgID], cursor, limit)
	out := make([]model.FloorPlan, 0, len(page))
	for _, id := range page {
		out = append(out, m.plans[id])
	}
	return out, next, nil
}

func (m *Memory) GetFloorPlan(ctx context.Context, orgID, id string) (model.FloorPlan, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	fp, ok := m.plans[id]
	if !ok || fp.OrgID != orgID { return model.FloorPlan{}, ErrNotFound }
	return fp, nil
}

func (m *Memory) DeleteFloorPlan(ctx context.Context, orgID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	fp, ok := m.plans[id]
	if !ok || fp.OrgID != orgID { return ErrNotFound }
	delete(m.plans, id)
	ids := m.plansOrg[orgID]
	out := make([]string, 0, len(ids))
	for _, v := range ids { if v != id { out = append(out, v) } }
	m.plansOrg[orgID] = out
	return nil
}

func (m *Memory) AddCalibrationPoint(ctx context.Context, orgID, planID string, pt model.CalibrationPoint) (model.CalibrationPoint, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	fp, ok := m.plans[planID]
	if !ok || fp.OrgID != orgID { return model.CalibrationPoint{}, ErrNotFound }
	if pt.ID == "" { pt.ID = uuid.New().String() }
	fp.Calibration = append(fp.Calibration, pt)
	m.plans[planID] = fp
	return pt, nil
}

func (m *Memory) DeleteCalibrationPoint(ctx context.Context, orgID, planID, pointID string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	fp, ok := m.plans[planID]
	if !ok || fp.OrgID != orgID { return ErrNotFound }
	out := make([]model.CalibrationPoint, 0, len(fp.Calibration))
	found := false
	for _, p := range fp.Calibration {
		if p.ID == pointID { found = true; continue }
		out = append(out, p)
	}
	if !found { return ErrNotFound }
	fp.Calibration = out
	m.plans[planID] = fp
	return nil
}

// Zones

func (m *Memory) CreateZone(ctx context.Context, orgID string, in model.ZoneIn) (model.Zone, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	space := in.Space
	if space == "" { space = model.SpaceGPS }
	z := model.Zone{ID: uuid.New().String(), OrgID: orgID, Name: in.Name, Color: in.Color, Space: space, Vertices: append([]model.Vertex(nil), in.Vertices...)}
	m.zones[z.ID] = z
	m.zonesOrg[orgID] = append(m.zonesOrg[orgID], z.ID)
	return z, nil
}

func (m *Memory) ListZones(ctx context.Context, orgID, cursor string, limit int) ([]model.Zone, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	page, next := pageIDs(m.zonesOrg[orgID], cursor, limit)
	out := make([]model.Zone, 0, len(page))
	for _, id := range page {
		out = append(out, m.zones[id])
	}
	return out, next, nil
}

func (m *Memory) GetZone(ctx context.Context, orgID, id string) (model.Zone, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok || z.OrgID != orgID { return model.Zone{}, ErrNotFound }
	return z, nil
}

func (m *Memory) PatchZone(ctx context.Context, orgID, id string, in model.ZoneIn) (model.Zone, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok || z.OrgID != orgID { return model.Zone{}, ErrNotFound }
	if in.Name != "" { z.Name = in.Name }
	if in.Color != "" { z.Color = in.Color }
	if in.Space != "" { z.Space = in.Space }
	if in.Vertices != nil { z.Vertices = append([]model.Vertex(nil), in.Vertices...) }
	m.zones[id] = z
	return z, nil
}

func (m *Memory) DeleteZone(ctx context.Context, orgID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	z, ok := m.zones[id]
	if !ok || z.OrgID != orgID { return ErrNotFound }
	delete(m.zones, id)
	ids := m.zonesOrg[orgID]
	out := make([]string, 0, len(ids))
	for _, v := range ids { if v != id { out = append(out, v) } }
	m.zonesOrg[orgID] = out
	return nil
}

// Task assignments

func (m *Memory) CreateAssignment(ctx context.Context, orgID string, in model.TaskAssignmentIn) (model.TaskAssignment, error) {
	a := model.TaskAssignment{
		ID: uuid.New().String(), OrgID: orgID, WorkerID: in.WorkerID, Date: in.Date,
		Status: model.AssignmentPending, Title: in.Title, Description: in.Description, EstimatedMin: in.EstimatedMin,
	}
	if err := m.InsertAssignment(ctx, a); err != nil { return model.TaskAssignment{}, err }
	return a, nil
}

func (m *Memory) ListAssignments(ctx context.Context, orgID string, f AssignmentFilter) ([]model.TaskAssignment, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	ids := append([]string(nil), m.asgsOrg[orgID]...)
	sort.Strings(ids)
	start := 0
	if f.Cursor != "" {
		for i, id := range ids {
			if id == f.Cursor { start = i + 1; break }
		}
	}
	limit := f.Limit
	if limit <= 0 { limit = 100 }
	out := []model.TaskAssignment{}
	next := ""
	for i := start; i < len(ids); i++ {
		a := m.asgs[ids[i]]
		if f.WorkerID != "" && a.WorkerID != f.WorkerID { continue }
		if f.Date != "" && a.Date != f.Date { continue }
		if f.Status != "" && a.Status != f.Status { continue }
		if f.RuleID != "" && a.RuleID != f.RuleID { continue }
		out = append(out, a)
		if len(out) == limit {
			if i+1 < len(ids) { next = a.ID }
			break
		}
	}
	return out, next, nil
}

func (m *Memory) GetAssignment(ctx context.Context, orgID, id string) (model.TaskAssignment, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	a, ok := m.asgs[id]
	if !ok || a.OrgID != orgID { return model.TaskAssignment{}, ErrNotFound }
	return a, nil
}

func (m *Memory) SetAssignmentStatus(ctx context.Context, orgID, id string, status model.AssignmentStatus) (model.TaskAssignment, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	a, ok := m.asgs[id]
	if !ok || a.OrgID != orgID { return model.TaskAssignment{}, ErrNotFound }
	a.Status = status
	m.asgs[id] = a
	return a, nil
}

// schedule.Sink

func (m *Memory) AssignmentExists(ctx context.Context, orgID, workerID, date, ruleID string) (bool, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	_, ok := m.asgKeys[asgKey(orgID, workerID, date, ruleID)]
	return ok, nil
}

func (m *Memory) InsertAssignment(ctx context.Context, a model.TaskAssignment) error {
	m.mu.Lock(); defer m.mu.Unlock()
	// only rule-materialized assignments carry the uniqueness contract;
	// ad hoc assignments for the same worker and date may coexist
	if a.RuleID != "" {
		key := asgKey(a.OrgID, a.WorkerID, a.Date, a.RuleID)
		if _, ok := m.asgKeys[key]; ok { return nil }
		m.asgKeys[key] = a.ID
	}
	m.asgs[a.ID] = a
	m.asgsOrg[a.OrgID] = append(m.asgsOrg[a.OrgID], a.ID)
	return nil
}

// Recurring rules

func (m *Memory) CreateRule(ctx context.Context, orgID string, in model.RecurringRuleIn) (model.RecurringRule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	active := true
	if in.IsActive != nil { active = *in.IsActive }
	r := model.RecurringRule{
		ID: uuid.New().String(), OrgID: orgID, Title: in.Title, Description: in.Description,
		EstimatedMin: in.EstimatedMin, TemplateRef: in.TemplateRef,
		WorkerIDs: append([]string(nil), in.WorkerIDs...), Recurrence: in.Recurrence,
		Weekdays: append([]int(nil), in.Weekdays...), StartDate: in.StartDate, EndDate: in.EndDate,
		IsActive: active,
	}
	m.rules[r.ID] = r
	m.rulesOrg[orgID] = append(m.rulesOrg[orgID], r.ID)
	return r, nil
}

func (m *Memory) ListRules(ctx context.Context, orgID string, activeOnly bool) ([]model.RecurringRule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.RecurringRule{}
	for _, id := range m.rulesOrg[orgID] {
		r := m.rules[id]
		if activeOnly && !r.IsActive { continue }
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) GetRule(ctx context.Context, orgID, id string) (model.RecurringRule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OrgID != orgID { return model.RecurringRule{}, ErrNotFound }
	return r, nil
}

func (m *Memory) PatchRule(ctx context.Context, orgID, id string, patch model.RulePatch) (model.RecurringRule, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OrgID != orgID { return model.RecurringRule{}, ErrNotFound }
	if patch.Title != nil { r.Title = *patch.Title }
	if patch.Description != nil { r.Description = *patch.Description }
	if patch.EstimatedMin != nil { r.EstimatedMin = *patch.EstimatedMin }
	if patch.WorkerIDs != nil { r.WorkerIDs = append([]string(nil), (*patch.WorkerIDs)...) }
	if patch.Weekdays != nil { r.Weekdays = append([]int(nil), (*patch.Weekdays)...) }
	if patch.EndDate != nil { r.EndDate = *patch.EndDate }
	if patch.IsActive != nil { r.IsActive = *patch.IsActive }
	m.rules[id] = r
	return r, nil
}

// DeleteRule removes the rule only; assignments it materialized keep their
// back-reference and are never cascade-deleted.
func (m *Memory) DeleteRule(ctx context.Context, orgID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OrgID != orgID { return ErrNotFound }
	delete(m.rules, id)
	ids := m.rulesOrg[orgID]
	out := make([]string, 0, len(ids))
	for _, v := range ids { if v != id { out = append(out, v) } }
	m.rulesOrg[orgID] = out
	return nil
}

func (m *Memory) Materialize(ctx context.Context, orgID, startDate, endDate string) (int, error) {
	rules, err := m.ListRules(ctx, orgID, true)
	if err != nil { return 0, err }
	return schedule.Expand(ctx, rules, startDate, endDate, m)
}

// Commands & devices

func (m *Memory) CreateCommand(ctx context.Context, orgID string, in model.CommandIn) (model.Command, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	c := model.Command{
		ID: uuid.New().String(), OrgID: orgID, Type: in.Type, Body: in.Body,
		WorkerIDs: append([]string(nil), in.WorkerIDs...), TS: time.Now().UTC().Format(time.RFC3339),
	}
	m.commands[c.ID] = c
	return c, nil
}

func (m *Memory) RegisterDevice(ctx context.Context, orgID string, in model.DeviceRegistration) (model.DeviceRegistration, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	in.ID = uuid.New().String()
	in.OrgID = orgID
	m.devices[orgID] = append(m.devices[orgID], in)
	return in, nil
}

func (m *Memory) ListDevicesForWorkers(ctx context.Context, orgID string, workerIDs []string) ([]model.DeviceRegistration, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range workerIDs { want[id] = true }
	out := []model.DeviceRegistration{}
	for _, d := range m.devices[orgID] {
		if want[d.WorkerID] { out = append(out, d) }
	}
	return out, nil
}

// Command delivery queue

func (m *Memory) EnqueueCommandDelivery(ctx context.Context, orgID, commandID, workerID, url, secret string, payload []byte) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{CommandDelivery: CommandDelivery{ID: id, OrgID: orgID, CommandID: commandID, WorkerID: workerID, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveriesOrg[orgID] = append(m.deliveriesOrg[orgID], id)
	return id, nil
}

func (m *Memory) FetchDueCommandDeliveries(ctx context.Context, limit int) ([]CommandDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []CommandDelivery{}
	for _, ids := range m.deliveriesOrg {
		for _, id := range ids {
			d := m.deliveries[id]
			if d == nil { continue }
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.CommandDelivery)
				if limit > 0 && len(out) >= limit { return out, nil }
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkCommandDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
	}
	return nil
}

func (m *Memory) FailCommandDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return nil }
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListCommandDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveriesOrg[orgID] {
		d := m.deliveries[id]
		if d == nil { continue }
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "commandId": d.CommandID, "workerId": d.WorkerID, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
			if d.LastError != "" { item["lastError"] = d.LastError }
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryCommandDelivery(ctx context.Context, orgID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.OrgID != orgID { return ErrNotFound }
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

// Admin

func (m *Memory) OrgStats(ctx context.Context, orgID string) (map[string]any, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	fixCount := 0
	for _, id := range m.workersOrg[orgID] {
		fixCount += len(m.fixes[id])
	}
	return map[string]any{
		"workers":     len(m.workersOrg[orgID]),
		"zones":       len(m.zonesOrg[orgID]),
		"floorPlans":  len(m.plansOrg[orgID]),
		"assignments": len(m.asgsOrg[orgID]),
		"rules":       len(m.rulesOrg[orgID]),
		"fixes":       fixCount,
	}, nil
}
