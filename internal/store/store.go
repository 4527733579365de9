package store

import (
	"context"
	"errors"
	"time"

	"fieldtrack/internal/model"
)

// Store is the persistence interface used by the API server. Every method is
// scoped to an organization; the org id always comes from the authenticated
// principal, never from ambient state.
type Store interface {
	// Workers
	CreateWorker(ctx context.Context, orgID string, in model.WorkerIn) (model.Worker, error)
	ListWorkers(ctx context.Context, orgID, cursor string, limit int) ([]model.Worker, string, error)
	GetWorker(ctx context.Context, orgID, id string) (model.Worker, error)
	PatchWorker(ctx context.Context, orgID, id string, patch model.WorkerPatch) (model.Worker, error)
	DeleteWorker(ctx context.Context, orgID, id string) error

	// Location fixes
	// InsertLocationFixes persists fixes for workers known to the org and
	// returns the subset it actually stored, so callers never treat a
	// dropped fix as live state.
	InsertLocationFixes(ctx context.Context, orgID string, fixes []model.LocationFix) ([]model.LocationFix, error)
	ListLocationHistory(ctx context.Context, orgID, workerID string, limit int) ([]model.LocationFix, error)

	// Floor plans & calibration
	CreateFloorPlan(ctx context.Context, orgID string, in model.FloorPlanIn) (model.FloorPlan, error)
	ListFloorPlans(ctx context.Context, orgID, cursor string, limit int) ([]model.FloorPlan, string, error)
	GetFloorPlan(ctx context.Context, orgID, id string) (model.FloorPlan, error)
	DeleteFloorPlan(ctx context.Context, orgID, id string) error
	AddCalibrationPoint(ctx context.Context, orgID, planID string, pt model.CalibrationPoint) (model.CalibrationPoint, error)
	DeleteCalibrationPoint(ctx context.Context, orgID, planID, pointID string) error

	// Zones
	CreateZone(ctx context.Context, orgID string, in model.ZoneIn) (model.Zone, error)
	ListZones(ctx context.Context, orgID, cursor string, limit int) ([]model.Zone, string, error)
	GetZone(ctx context.Context, orgID, id string) (model.Zone, error)
	PatchZone(ctx context.Context, orgID, id string, in model.ZoneIn) (model.Zone, error)
	DeleteZone(ctx context.Context, orgID, id string) error

	// Task assignments
	CreateAssignment(ctx context.Context, orgID string, in model.TaskAssignmentIn) (model.TaskAssignment, error)
	ListAssignments(ctx context.Context, orgID string, f AssignmentFilter) ([]model.TaskAssignment, string, error)
	GetAssignment(ctx context.Context, orgID, id string) (model.TaskAssignment, error)
	SetAssignmentStatus(ctx context.Context, orgID, id string, status model.AssignmentStatus) (model.TaskAssignment, error)

	// Recurring rules
	CreateRule(ctx context.Context, orgID string, in model.RecurringRuleIn) (model.RecurringRule, error)
	ListRules(ctx context.Context, orgID string, activeOnly bool) ([]model.RecurringRule, error)
	GetRule(ctx context.Context, orgID, id string) (model.RecurringRule, error)
	PatchRule(ctx context.Context, orgID, id string, patch model.RulePatch) (model.RecurringRule, error)
	DeleteRule(ctx context.Context, orgID, id string) error

	// Materialize expands active rules over [startDate, endDate] inclusive,
	// creating missing assignments only. Idempotent across overlapping runs.
	Materialize(ctx context.Context, orgID, startDate, endDate string) (int, error)

	// Commands & devices
	CreateCommand(ctx context.Context, orgID string, in model.CommandIn) (model.Command, error)
	RegisterDevice(ctx context.Context, orgID string, in model.DeviceRegistration) (model.DeviceRegistration, error)
	ListDevicesForWorkers(ctx context.Context, orgID string, workerIDs []string) ([]model.DeviceRegistration, error)

	// Command delivery queue
	EnqueueCommandDelivery(ctx context.Context, orgID, commandID, workerID, url, secret string, payload []byte) (string, error)
	FetchDueCommandDeliveries(ctx context.Context, limit int) ([]CommandDelivery, error)
	MarkCommandDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailCommandDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListCommandDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryCommandDelivery(ctx context.Context, orgID, id string) error

	// Admin
	OrgStats(ctx context.Context, orgID string) (map[string]any, error)
}

// AssignmentFilter narrows assignment listings. Zero values mean "any".
type AssignmentFilter struct {
	WorkerID string
	Date     string
	Status   model.AssignmentStatus
	RuleID   string
	Cursor   string
	Limit    int
}

// CommandDelivery is one queued push of a command to a worker's device.
type CommandDelivery struct {
	ID        string
	OrgID     string
	CommandID string
	WorkerID  string
	URL       string
	Secret    string
	Payload   []byte
	Status    string
	Attempts  int
}

var ErrNotFound = errors.New("not found")
