package model

// Core domain types for the field worker tracking service.

// DutyStatus is a worker's current duty state.
type DutyStatus string

const (
	DutyOn    DutyStatus = "on_duty"
	DutyOff   DutyStatus = "off_duty"
	DutyBreak DutyStatus = "break"
)

// ValidDutyStatus reports whether s is a known duty status.
func ValidDutyStatus(s DutyStatus) bool {
	switch s {
	case DutyOn, DutyOff, DutyBreak:
		return true
	}
	return false
}

// AssignmentStatus is the lifecycle state of a task assignment.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// ValidAssignmentStatus reports whether s is a known assignment status.
func ValidAssignmentStatus(s AssignmentStatus) bool {
	switch s {
	case AssignmentPending, AssignmentInProgress, AssignmentCompleted, AssignmentCancelled:
		return true
	}
	return false
}

// RecurrenceType selects how a recurring rule expands over calendar dates.
type RecurrenceType string

const (
	RecurDaily    RecurrenceType = "daily"
	RecurWeekdays RecurrenceType = "weekdays"
	RecurWeekly   RecurrenceType = "weekly"
	RecurCustom   RecurrenceType = "custom"
)

// ValidRecurrenceType reports whether t is a known recurrence type.
func ValidRecurrenceType(t RecurrenceType) bool {
	switch t {
	case RecurDaily, RecurWeekdays, RecurWeekly, RecurCustom:
		return true
	}
	return false
}

// CommandType classifies a dispatched command.
type CommandType string

const (
	CommandAlert   CommandType = "alert"
	CommandMessage CommandType = "message"
	CommandPing    CommandType = "ping"
)

// ValidCommandType reports whether t is a known command type.
func ValidCommandType(t CommandType) bool {
	switch t {
	case CommandAlert, CommandMessage, CommandPing:
		return true
	}
	return false
}

type WorkerIn struct {
	Name      string     `json:"name"`
	Role      string     `json:"role,omitempty"`
	Duty      DutyStatus `json:"duty,omitempty"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
}

type Worker struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	Name       string     `json:"name"`
	Role       string     `json:"role,omitempty"`
	Duty       DutyStatus `json:"duty"`
	BatteryPct int        `json:"batteryPct,omitempty"`
	AvatarURL  string     `json:"avatarUrl,omitempty"`
	Active     bool       `json:"active"`
}

// WorkerPatch carries optional updates; nil fields are left unchanged.
type WorkerPatch struct {
	Name       *string     `json:"name,omitempty"`
	Role       *string     `json:"role,omitempty"`
	Duty       *DutyStatus `json:"duty,omitempty"`
	BatteryPct *int        `json:"batteryPct,omitempty"`
	AvatarURL  *string     `json:"avatarUrl,omitempty"`
	Active     *bool       `json:"active,omitempty"`
}

// LocationFix is one reported GPS position for a worker.
type LocationFix struct {
	WorkerID   string  `json:"workerId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	AccuracyM  float64 `json:"accuracyM,omitempty"`
	BatteryPct int     `json:"batteryPct,omitempty"`
	TS         string  `json:"ts"`
}

// CalibrationPoint pairs a pixel on a floor plan image with a GPS coordinate.
// Points are immutable once created; insertion order is preserved for display.
type CalibrationPoint struct {
	ID  string  `json:"id"`
	PX  float64 `json:"px"`
	PY  float64 `json:"py"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type FloorPlanIn struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
	WidthPx  int    `json:"widthPx"`
	HeightPx int    `json:"heightPx"`
}

type FloorPlan struct {
	ID          string             `json:"id"`
	OrgID       string             `json:"orgId"`
	Name        string             `json:"name"`
	ImageURL    string             `json:"imageUrl,omitempty"`
	WidthPx     int                `json:"widthPx"`
	HeightPx    int                `json:"heightPx"`
	Calibration []CalibrationPoint `json:"calibration,omitempty"`
}

// ZoneSpace is the coordinate space zone vertices are expressed in.
type ZoneSpace string

const (
	SpaceGPS   ZoneSpace = "gps"   // vertices are {lat, lng}
	SpaceImage ZoneSpace = "image" // vertices are normalized {x, y} fractions
)

// Vertex is one polygon corner. For SpaceGPS, X is longitude and Y is
// latitude; for SpaceImage both are image fractions.
type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ZoneIn struct {
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Space    ZoneSpace `json:"space,omitempty"`
	Vertices []Vertex  `json:"vertices"`
}

type Zone struct {
	ID       string    `json:"id"`
	OrgID    string    `json:"orgId"`
	Name     string    `json:"name"`
	Color    string    `json:"color,omitempty"`
	Space    ZoneSpace `json:"space"`
	Vertices []Vertex  `json:"vertices"`
}

// RecurringRule describes a task that materializes into per-date assignments.
type RecurringRule struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"orgId"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	EstimatedMin int            `json:"estimatedMin,omitempty"`
	TemplateRef  string         `json:"templateRef,omitempty"`
	WorkerIDs    []string       `json:"workerIds"`
	Recurrence   RecurrenceType `json:"recurrence"`
	Weekdays     []int          `json:"weekdays,omitempty"` // 0=Sunday .. 6=Saturday
	StartDate    string         `json:"startDate"`          // YYYY-MM-DD
	EndDate      string         `json:"endDate,omitempty"`  // inclusive; empty = open-ended
	IsActive     bool           `json:"isActive"`
}

type RecurringRuleIn struct {
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	EstimatedMin int            `json:"estimatedMin,omitempty"`
	TemplateRef  string         `json:"templateRef,omitempty"`
	WorkerIDs    []string       `json:"workerIds"`
	Recurrence   RecurrenceType `json:"recurrence"`
	Weekdays     []int          `json:"weekdays,omitempty"`
	StartDate    string         `json:"startDate"`
	EndDate      string         `json:"endDate,omitempty"`
	IsActive     *bool          `json:"isActive,omitempty"`
}

// RulePatch carries optional rule updates; nil fields are left unchanged.
// The worker set and weekday set are replaced wholesale when present.
type RulePatch struct {
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	EstimatedMin *int      `json:"estimatedMin,omitempty"`
	WorkerIDs    *[]string `json:"workerIds,omitempty"`
	Weekdays     *[]int    `json:"weekdays,omitempty"`
	EndDate      *string   `json:"endDate,omitempty"`
	IsActive     *bool     `json:"isActive,omitempty"`
}

// TaskAssignment is one unit of work for one worker on one calendar date.
// RuleID is a lookup-only back-reference; deleting the rule never deletes
// the assignments it produced.
type TaskAssignment struct {
	ID           string           `json:"id"`
	OrgID        string           `json:"orgId"`
	WorkerID     string           `json:"workerId"`
	Date         string           `json:"date"` // YYYY-MM-DD
	Status       AssignmentStatus `json:"status"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	EstimatedMin int              `json:"estimatedMin,omitempty"`
	TemplateRef  string           `json:"templateRef,omitempty"`
	RuleID       string           `json:"ruleId,omitempty"`
}

type TaskAssignmentIn struct {
	WorkerID     string `json:"workerId"`
	Date         string `json:"date"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	EstimatedMin int    `json:"estimatedMin,omitempty"`
}

// Command is an operator-dispatched alert/message to one or more workers.
type Command struct {
	ID        string      `json:"id"`
	OrgID     string      `json:"orgId"`
	Type      CommandType `json:"type"`
	Body      string      `json:"body,omitempty"`
	WorkerIDs []string    `json:"workerIds"`
	TS        string      `json:"ts"`
}

type CommandIn struct {
	Type      CommandType `json:"type"`
	Body      string      `json:"body,omitempty"`
	WorkerIDs []string    `json:"workerIds"`
}

// DeviceRegistration binds a worker's device to a push endpoint. Command
// deliveries are POSTed to PushURL signed with Secret.
type DeviceRegistration struct {
	ID       string `json:"id"`
	OrgID    string `json:"orgId"`
	WorkerID string `json:"workerId"`
	PushURL  string `json:"pushUrl"`
	Secret   string `json:"secret,omitempty"`
}

// MaterializeRequest asks for assignment materialization over an inclusive
// date range.
type MaterializeRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// PresignRequest asks for a signed upload URL for an image (floor plan or
// avatar).
type PresignRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Bytes       int64  `json:"bytes,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}
