package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldtrack/internal/model"
	"fieldtrack/internal/schedule"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Statements are
// expected to be idempotent (CREATE TABLE IF NOT EXISTS etc).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	files := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Workers

func (p *Postgres) CreateWorker(ctx context.Context, orgID string, in model.WorkerIn) (model.Worker, error) {
	duty := in.Duty
	if duty == "" {
		duty = model.DutyOff
	}
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO workers (id, org_id, name, role, duty, avatar_url, active)
		VALUES ($1,$2,$3,$4,$5,$6,true)`, id, orgID, in.Name, nullIfEmpty(in.Role), string(duty), nullIfEmpty(in.AvatarURL))
	if err != nil {
		return model.Worker{}, err
	}
	return model.Worker{ID: id, OrgID: orgID, Name: in.Name, Role: in.Role, Duty: duty, AvatarURL: in.AvatarURL, Active: true}, nil
}

func (p *Postgres) ListWorkers(ctx context.Context, orgID, cursor string, limit int) ([]model.Worker, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, name, COALESCE(role,''), duty, COALESCE(battery_pct,0), COALESCE(avatar_url,''), active FROM workers WHERE org_id=$1`
	var rows *sql.Rows
	var err error
	if cursor != "" {
		q += ` AND id > $2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, orgID, cursor, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Worker{}
	var last string
	for rows.Next() {
		w := model.Worker{OrgID: orgID}
		var duty string
		if err := rows.Scan(&w.ID, &w.Name, &w.Role, &duty, &w.BatteryPct, &w.AvatarURL, &w.Active); err != nil {
			return nil, "", err
		}
		w.Duty = model.DutyStatus(duty)
		out = append(out, w)
		last = w.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) GetWorker(ctx context.Context, orgID, id string) (model.Worker, error) {
	w := model.Worker{OrgID: orgID}
	var duty string
	err := p.db.QueryRowContext(ctx, `SELECT id::text, name, COALESCE(role,''), duty, COALESCE(battery_pct,0), COALESCE(avatar_url,''), active
		FROM workers WHERE org_id=$1 AND id=$2`, orgID, id).Scan(&w.ID, &w.Name, &w.Role, &duty, &w.BatteryPct, &w.AvatarURL, &w.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Worker{}, ErrNotFound
	}
	if err != nil {
		return model.Worker{}, err
	}
	w.Duty = model.DutyStatus(duty)
	return w, nil
}

func (p *Postgres) PatchWorker(ctx context.Context, orgID, id string, patch model.WorkerPatch) (model.Worker, error) {
	sets := []string{}
	args := []any{orgID, id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"=$"+strconv.Itoa(len(args)))
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Role != nil {
		add("role", nullIfEmpty(*patch.Role))
	}
	if patch.Duty != nil {
		add("duty", string(*patch.Duty))
	}
	if patch.BatteryPct != nil {
		add("battery_pct", *patch.BatteryPct)
	}
	if patch.AvatarURL != nil {
		add("avatar_url", nullIfEmpty(*patch.AvatarURL))
	}
	if patch.Active != nil {
		add("active", *patch.Active)
	}
	if len(sets) > 0 {
		res, err := p.db.ExecContext(ctx, `UPDATE workers SET `+strings.Join(sets, ", ")+` WHERE org_id=$1 AND id=$2`, args...)
		if err != nil {
			return model.Worker{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Worker{}, ErrNotFound
		}
	}
	return p.GetWorker(ctx, orgID, id)
}

func (p *Postgres) DeleteWorker(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workers WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Location fixes

func (p *Postgres) InsertLocationFixes(ctx context.Context, orgID string, fixes []model.LocationFix) ([]model.LocationFix, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	accepted := []model.LocationFix{}
	for _, f := range fixes {
		res, err := tx.ExecContext(ctx, `INSERT INTO location_fixes (org_id, worker_id, lat, lng, accuracy_m, battery_pct, ts)
			SELECT $1,$2,$3,$4,$5,$6,$7 WHERE EXISTS (SELECT 1 FROM workers WHERE id=$2 AND org_id=$1)`,
			orgID, f.WorkerID, f.Lat, f.Lng, f.AccuracyM, f.BatteryPct, f.TS)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		if f.BatteryPct > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE workers SET battery_pct=$3 WHERE org_id=$1 AND id=$2`, orgID, f.WorkerID, f.BatteryPct); err != nil {
				return nil, err
			}
		}
		accepted = append(accepted, f)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return accepted, nil
}

func (p *Postgres) ListLocationHistory(ctx context.Context, orgID, workerID string, limit int) ([]model.LocationFix, error) {
	if _, err := p.GetWorker(ctx, orgID, workerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT worker_id::text, lat, lng, COALESCE(accuracy_m,0), COALESCE(battery_pct,0), ts
		FROM location_fixes WHERE org_id=$1 AND worker_id=$2 ORDER BY ts DESC LIMIT $3`, orgID, workerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LocationFix{}
	for rows.Next() {
		var f model.LocationFix
		if err := rows.Scan(&f.WorkerID, &f.Lat, &f.Lng, &f.AccuracyM, &f.BatteryPct, &f.TS); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	// oldest first, matching insertion order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Floor plans

func (p *Postgres) CreateFloorPlan(ctx context.Context, orgID string, in model.FloorPlanIn) (model.FloorPlan, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO floor_plans (id, org_id, name, image_url, width_px, height_px)
		VALUES ($1,$2,$3,$4,$5,$6)`, id, orgID, in.Name, nullIfEmpty(in.ImageURL), in.WidthPx, in.HeightPx)
	if err != nil {
		return model.FloorPlan{}, err
	}
	return model.FloorPlan{ID: id, OrgID: orgID, Name: in.Name, ImageURL: in.ImageURL, WidthPx: in.WidthPx, HeightPx: in.HeightPx}, nil
}

func (p *Postgres) ListFloorPlans(ctx context.Context, orgID, cursor string, limit int) ([]model.FloorPlan, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, name, COALESCE(image_url,''), width_px, height_px FROM floor_plans WHERE org_id=$1`
	var rows *sql.Rows
	var err error
	if cursor != "" {
		q += ` AND id > $2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, orgID, cursor, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.FloorPlan{}
	var last string
	for rows.Next() {
		fp := model.FloorPlan{OrgID: orgID}
		if err := rows.Scan(&fp.ID, &fp.Name, &fp.ImageURL, &fp.WidthPx, &fp.HeightPx); err != nil {
			return nil, "", err
		}
		out = append(out, fp)
		last = fp.ID
	}
	for i := range out {
		pts, err := p.calibrationPoints(ctx, out[i].ID)
		if err != nil {
			return nil, "", err
		}
		out[i].Calibration = pts
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) GetFloorPlan(ctx context.Context, orgID, id string) (model.FloorPlan, error) {
	fp := model.FloorPlan{OrgID: orgID}
	err := p.db.QueryRowContext(ctx, `SELECT id::text, name, COALESCE(image_url,''), width_px, height_px
		FROM floor_plans WHERE org_id=$1 AND id=$2`, orgID, id).Scan(&fp.ID, &fp.Name, &fp.ImageURL, &fp.WidthPx, &fp.HeightPx)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FloorPlan{}, ErrNotFound
	}
	if err != nil {
		return model.FloorPlan{}, err
	}
	pts, err := p.calibrationPoints(ctx, fp.ID)
	if err != nil {
		return model.FloorPlan{}, err
	}
	fp.Calibration = pts
	return fp, nil
}

func (p *Postgres) calibrationPoints(ctx context.Context, planID string) ([]model.CalibrationPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, px, py, lat, lng FROM calibration_points WHERE plan_id=$1 ORDER BY pos`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.CalibrationPoint{}
	for rows.Next() {
		var pt model.CalibrationPoint
		if err := rows.Scan(&pt.ID, &pt.PX, &pt.PY, &pt.Lat, &pt.Lng); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, nil
}

func (p *Postgres) DeleteFloorPlan(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM floor_plans WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddCalibrationPoint(ctx context.Context, orgID, planID string, pt model.CalibrationPoint) (model.CalibrationPoint, error) {
	if _, err := p.GetFloorPlan(ctx, orgID, planID); err != nil {
		return model.CalibrationPoint{}, err
	}
	if pt.ID == "" {
		pt.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO calibration_points (id, plan_id, px, py, lat, lng, pos)
		VALUES ($1,$2,$3,$4,$5,$6,(SELECT COALESCE(MAX(pos),0)+1 FROM calibration_points WHERE plan_id=$2))`,
		pt.ID, planID, pt.PX, pt.PY, pt.Lat, pt.Lng)
	if err != nil {
		return model.CalibrationPoint{}, err
	}
	return pt, nil
}

func (p *Postgres) DeleteCalibrationPoint(ctx context.Context, orgID, planID, pointID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM calibration_points WHERE id=$1 AND plan_id=$2
		AND EXISTS (SELECT 1 FROM floor_plans WHERE id=$2 AND org_id=$3)`, pointID, planID, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Zones

func (p *Postgres) CreateZone(ctx context.Context, orgID string, in model.ZoneIn) (model.Zone, error) {
	space := in.Space
	if space == "" {
		space = model.SpaceGPS
	}
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO zones (id, org_id, name, color, space, vertices)
		VALUES ($1,$2,$3,$4,$5,$6)`, id, orgID, in.Name, nullIfEmpty(in.Color), string(space), toJSON(in.Vertices))
	if err != nil {
		return model.Zone{}, err
	}
	return model.Zone{ID: id, OrgID: orgID, Name: in.Name, Color: in.Color, Space: space, Vertices: append([]model.Vertex(nil), in.Vertices...)}, nil
}

func (p *Postgres) ListZones(ctx context.Context, orgID, cursor string, limit int) ([]model.Zone, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, name, COALESCE(color,''), space, vertices FROM zones WHERE org_id=$1`
	var rows *sql.Rows
	var err error
	if cursor != "" {
		q += ` AND id > $2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, orgID, cursor, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Zone{}
	var last string
	for rows.Next() {
		z := model.Zone{OrgID: orgID}
		var space string
		var verts []byte
		if err := rows.Scan(&z.ID, &z.Name, &z.Color, &space, &verts); err != nil {
			return nil, "", err
		}
		z.Space = model.ZoneSpace(space)
		_ = json.Unmarshal(verts, &z.Vertices)
		out = append(out, z)
		last = z.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) GetZone(ctx context.Context, orgID, id string) (model.Zone, error) {
	z := model.Zone{OrgID: orgID}
	var space string
	var verts []byte
	err := p.db.QueryRowContext(ctx, `SELECT id::text, name, COALESCE(color,''), space, vertices
		FROM zones WHERE org_id=$1 AND id=$2`, orgID, id).Scan(&z.ID, &z.Name, &z.Color, &space, &verts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Zone{}, ErrNotFound
	}
	if err != nil {
		return model.Zone{}, err
	}
	z.Space = model.ZoneSpace(space)
	_ = json.Unmarshal(verts, &z.Vertices)
	return z, nil
}

func (p *Postgres) PatchZone(ctx context.Context, orgID, id string, in model.ZoneIn) (model.Zone, error) {
	sets := []string{}
	args := []any{orgID, id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"=$"+strconv.Itoa(len(args)))
	}
	if in.Name != "" {
		add("name", in.Name)
	}
	if in.Color != "" {
		add("color", in.Color)
	}
	if in.Space != "" {
		add("space", string(in.Space))
	}
	if in.Vertices != nil {
		add("vertices", toJSON(in.Vertices))
	}
	if len(sets) > 0 {
		res, err := p.db.ExecContext(ctx, `UPDATE zones SET `+strings.Join(sets, ", ")+` WHERE org_id=$1 AND id=$2`, args...)
		if err != nil {
			return model.Zone{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Zone{}, ErrNotFound
		}
	}
	return p.GetZone(ctx, orgID, id)
}

func (p *Postgres) DeleteZone(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM zones WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Task assignments

func (p *Postgres) CreateAssignment(ctx context.Context, orgID string, in model.TaskAssignmentIn) (model.TaskAssignment, error) {
	a := model.TaskAssignment{
		ID: uuid.New().String(), OrgID: orgID, WorkerID: in.WorkerID, Date: in.Date,
		Status: model.AssignmentPending, Title: in.Title, Description: in.Description, EstimatedMin: in.EstimatedMin,
	}
	if err := insertAssignment(ctx, p.db, a); err != nil {
		return model.TaskAssignment{}, err
	}
	return a, nil
}

func (p *Postgres) ListAssignments(ctx context.Context, orgID string, f AssignmentFilter) ([]model.TaskAssignment, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, worker_id::text, date, status, title, COALESCE(description,''), COALESCE(estimated_min,0), COALESCE(template_ref,''), COALESCE(rule_id::text,'')
		FROM assignments WHERE org_id=$1`
	args := []any{orgID}
	add := func(cond string, v any) {
		args = append(args, v)
		q += ` AND ` + cond + `$` + strconv.Itoa(len(args))
	}
	if f.WorkerID != "" {
		add("worker_id=", f.WorkerID)
	}
	if f.Date != "" {
		add("date=", f.Date)
	}
	if f.Status != "" {
		add("status=", string(f.Status))
	}
	if f.RuleID != "" {
		add("rule_id=", f.RuleID)
	}
	if f.Cursor != "" {
		add("id>", f.Cursor)
	}
	args = append(args, limit)
	q += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.TaskAssignment{}
	var last string
	for rows.Next() {
		a := model.TaskAssignment{OrgID: orgID}
		var status string
		if err := rows.Scan(&a.ID, &a.WorkerID, &a.Date, &status, &a.Title, &a.Description, &a.EstimatedMin, &a.TemplateRef, &a.RuleID); err != nil {
			return nil, "", err
		}
		a.Status = model.AssignmentStatus(status)
		out = append(out, a)
		last = a.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) GetAssignment(ctx context.Context, orgID, id string) (model.TaskAssignment, error) {
	a := model.TaskAssignment{OrgID: orgID}
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT id::text, worker_id::text, date, status, title, COALESCE(description,''), COALESCE(estimated_min,0), COALESCE(template_ref,''), COALESCE(rule_id::text,'')
		FROM assignments WHERE org_id=$1 AND id=$2`, orgID, id).
		Scan(&a.ID, &a.WorkerID, &a.Date, &status, &a.Title, &a.Description, &a.EstimatedMin, &a.TemplateRef, &a.RuleID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskAssignment{}, ErrNotFound
	}
	if err != nil {
		return model.TaskAssignment{}, err
	}
	a.Status = model.AssignmentStatus(status)
	return a, nil
}

func (p *Postgres) SetAssignmentStatus(ctx context.Context, orgID, id string, status model.AssignmentStatus) (model.TaskAssignment, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE assignments SET status=$3 WHERE org_id=$1 AND id=$2`, orgID, id, string(status))
	if err != nil {
		return model.TaskAssignment{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.TaskAssignment{}, ErrNotFound
	}
	return p.GetAssignment(ctx, orgID, id)
}

// Recurring rules

func (p *Postgres) CreateRule(ctx context.Context, orgID string, in model.RecurringRuleIn) (model.RecurringRule, error) {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	r := model.RecurringRule{
		ID: uuid.New().String(), OrgID: orgID, Title: in.Title, Description: in.Description,
		EstimatedMin: in.EstimatedMin, TemplateRef: in.TemplateRef,
		WorkerIDs: append([]string(nil), in.WorkerIDs...), Recurrence: in.Recurrence,
		Weekdays: append([]int(nil), in.Weekdays...), StartDate: in.StartDate, EndDate: in.EndDate,
		IsActive: active,
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rules (id, org_id, title, description, estimated_min, template_ref, worker_ids, recurrence, weekdays, start_date, end_date, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, orgID, r.Title, nullIfEmpty(r.Description), r.EstimatedMin, nullIfEmpty(r.TemplateRef),
		toJSON(r.WorkerIDs), string(r.Recurrence), toJSON(r.Weekdays), r.StartDate, nullIfEmpty(r.EndDate), r.IsActive)
	if err != nil {
		return model.RecurringRule{}, err
	}
	return r, nil
}

func scanRule(sc interface{ Scan(...any) error }, orgID string) (model.RecurringRule, error) {
	r := model.RecurringRule{OrgID: orgID}
	var recurrence string
	var workerIDs, weekdays []byte
	err := sc.Scan(&r.ID, &r.Title, &r.Description, &r.EstimatedMin, &r.TemplateRef, &workerIDs, &recurrence, &weekdays, &r.StartDate, &r.EndDate, &r.IsActive)
	if err != nil {
		return model.RecurringRule{}, err
	}
	r.Recurrence = model.RecurrenceType(recurrence)
	_ = json.Unmarshal(workerIDs, &r.WorkerIDs)
	_ = json.Unmarshal(weekdays, &r.Weekdays)
	return r, nil
}

const ruleCols = `id::text, title, COALESCE(description,''), COALESCE(estimated_min,0), COALESCE(template_ref,''), worker_ids, recurrence, weekdays, start_date, COALESCE(end_date,''), is_active`

func (p *Postgres) ListRules(ctx context.Context, orgID string, activeOnly bool) ([]model.RecurringRule, error) {
	q := `SELECT ` + ruleCols + ` FROM rules WHERE org_id=$1`
	if activeOnly {
		q += ` AND is_active`
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RecurringRule{}
	for rows.Next() {
		r, err := scanRule(rows, orgID)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) GetRule(ctx context.Context, orgID, id string) (model.RecurringRule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE org_id=$1 AND id=$2`, orgID, id)
	r, err := scanRule(row, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RecurringRule{}, ErrNotFound
	}
	if err != nil {
		return model.RecurringRule{}, err
	}
	return r, nil
}

func (p *Postgres) PatchRule(ctx context.Context, orgID, id string, patch model.RulePatch) (model.RecurringRule, error) {
	sets := []string{}
	args := []any{orgID, id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+"=$"+strconv.Itoa(len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", nullIfEmpty(*patch.Description))
	}
	if patch.EstimatedMin != nil {
		add("estimated_min", *patch.EstimatedMin)
	}
	if patch.WorkerIDs != nil {
		add("worker_ids", toJSON(*patch.WorkerIDs))
	}
	if patch.Weekdays != nil {
		add("weekdays", toJSON(*patch.Weekdays))
	}
	if patch.EndDate != nil {
		add("end_date", nullIfEmpty(*patch.EndDate))
	}
	if patch.IsActive != nil {
		add("is_active", *patch.IsActive)
	}
	if len(sets) > 0 {
		res, err := p.db.ExecContext(ctx, `UPDATE rules SET `+strings.Join(sets, ", ")+` WHERE org_id=$1 AND id=$2`, args...)
		if err != nil {
			return model.RecurringRule{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.RecurringRule{}, ErrNotFound
		}
	}
	return p.GetRule(ctx, orgID, id)
}

// DeleteRule removes the rule only; assignments keep their rule_id
// back-reference (no FK, never cascade).
func (p *Postgres) DeleteRule(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rules WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for assignment writes.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAssignment(ctx context.Context, db execer, a model.TaskAssignment) error {
	// the partial unique index on (org_id, worker_id, date, rule_id) makes
	// re-materialization a no-op for rows that already exist
	_, err := db.ExecContext(ctx, `INSERT INTO assignments (id, org_id, worker_id, date, status, title, description, estimated_min, template_ref, rule_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (org_id, worker_id, date, rule_id) WHERE rule_id IS NOT NULL DO NOTHING`,
		a.ID, a.OrgID, a.WorkerID, a.Date, string(a.Status), a.Title, nullIfEmpty(a.Description), a.EstimatedMin, nullIfEmpty(a.TemplateRef), nullIfEmpty(a.RuleID))
	return err
}

// txSink runs schedule expansion inside one transaction.
type txSink struct {
	tx *sql.Tx
}

func (s txSink) AssignmentExists(ctx context.Context, orgID, workerID, date, ruleID string) (bool, error) {
	var exists bool
	err := s.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM assignments WHERE org_id=$1 AND worker_id=$2 AND date=$3 AND rule_id=$4)`,
		orgID, workerID, date, ruleID).Scan(&exists)
	return exists, err
}

func (s txSink) InsertAssignment(ctx context.Context, a model.TaskAssignment) error {
	return insertAssignment(ctx, s.tx, a)
}

func (p *Postgres) Materialize(ctx context.Context, orgID, startDate, endDate string) (int, error) {
	rules, err := p.ListRules(ctx, orgID, true)
	if err != nil {
		return 0, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	created, err := schedule.Expand(ctx, rules, startDate, endDate, txSink{tx: tx})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// Commands & devices

func (p *Postgres) CreateCommand(ctx context.Context, orgID string, in model.CommandIn) (model.Command, error) {
	c := model.Command{
		ID: uuid.New().String(), OrgID: orgID, Type: in.Type, Body: in.Body,
		WorkerIDs: append([]string(nil), in.WorkerIDs...), TS: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO commands (id, org_id, type, body, worker_ids, ts)
		VALUES ($1,$2,$3,$4,$5,$6)`, c.ID, orgID, string(c.Type), nullIfEmpty(c.Body), toJSON(c.WorkerIDs), c.TS)
	if err != nil {
		return model.Command{}, err
	}
	return c, nil
}

func (p *Postgres) RegisterDevice(ctx context.Context, orgID string, in model.DeviceRegistration) (model.DeviceRegistration, error) {
	in.ID = uuid.New().String()
	in.OrgID = orgID
	_, err := p.db.ExecContext(ctx, `INSERT INTO devices (id, org_id, worker_id, push_url, secret)
		VALUES ($1,$2,$3,$4,$5)`, in.ID, orgID, in.WorkerID, in.PushURL, nullIfEmpty(in.Secret))
	if err != nil {
		return model.DeviceRegistration{}, err
	}
	return in, nil
}

func (p *Postgres) ListDevicesForWorkers(ctx context.Context, orgID string, workerIDs []string) ([]model.DeviceRegistration, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, worker_id::text, push_url, COALESCE(secret,'')
		FROM devices WHERE org_id=$1 AND worker_id = ANY($2)`, orgID, toTextArray(workerIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DeviceRegistration{}
	for rows.Next() {
		d := model.DeviceRegistration{OrgID: orgID}
		if err := rows.Scan(&d.ID, &d.WorkerID, &d.PushURL, &d.Secret); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Command delivery queue

func (p *Postgres) EnqueueCommandDelivery(ctx context.Context, orgID, commandID, workerID, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO command_deliveries (id, org_id, command_id, worker_id, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`, id, orgID, commandID, workerID, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueCommandDeliveries(ctx context.Context, limit int) ([]CommandDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, org_id::text, command_id::text, worker_id::text, url, COALESCE(secret,''), payload, status, attempts
		FROM command_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CommandDelivery{}
	for rows.Next() {
		var d CommandDelivery
		if err := rows.Scan(&d.ID, &d.OrgID, &d.CommandID, &d.WorkerID, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) MarkCommandDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE command_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE command_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailCommandDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE command_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListCommandDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, command_id::text, worker_id::text, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM command_deliveries WHERE org_id=$1`
	var rows *sql.Rows
	var err error
	if status != "" {
		q += ` AND status=$2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, orgID, status, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, commandID, workerID, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &commandID, &workerID, &st, &attempts, &nextAt, &lastErr, &url); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "commandId": commandID, "workerId": workerID, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RetryCommandDelivery(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE command_deliveries SET status='pending', next_attempt_at=now() WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Admin

func (p *Postgres) OrgStats(ctx context.Context, orgID string) (map[string]any, error) {
	out := map[string]any{}
	for name, q := range map[string]string{
		"workers":     `SELECT count(*) FROM workers WHERE org_id=$1`,
		"zones":       `SELECT count(*) FROM zones WHERE org_id=$1`,
		"floorPlans":  `SELECT count(*) FROM floor_plans WHERE org_id=$1`,
		"assignments": `SELECT count(*) FROM assignments WHERE org_id=$1`,
		"rules":       `SELECT count(*) FROM rules WHERE org_id=$1`,
		"fixes":       `SELECT count(*) FROM location_fixes WHERE org_id=$1`,
	} {
		var n int64
		if err := p.db.QueryRowContext(ctx, q, orgID).Scan(&n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

func toTextArray(ss []string) string {
	escaped := make([]string, 0, len(ss))
	for _, s := range ss {
		escaped = append(escaped, `"`+strings.ReplaceAll(s, `"`, `\"`)+`"`)
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
