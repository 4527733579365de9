package api

import (
	"fmt"
	"time"

	"fieldtrack/internal/model"
)

const dateLayout = "2006-01-02"

func validDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

func validateRule(in *model.RecurringRuleIn) error {
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(in.WorkerIDs) == 0 {
		return fmt.Errorf("workerIds must not be empty")
	}
	if !model.ValidRecurrenceType(in.Recurrence) {
		return fmt.Errorf("invalid recurrence: %s", in.Recurrence)
	}
	if in.StartDate == "" || !validDate(in.StartDate) {
		return fmt.Errorf("startDate must be YYYY-MM-DD")
	}
	if in.EndDate != "" {
		if !validDate(in.EndDate) {
			return fmt.Errorf("endDate must be YYYY-MM-DD")
		}
		if in.EndDate < in.StartDate {
			return fmt.Errorf("endDate must not precede startDate")
		}
	}
	switch in.Recurrence {
	case model.RecurWeekly:
		if len(in.Weekdays) != 1 {
			return fmt.Errorf("weekly recurrence needs exactly one weekday")
		}
	case model.RecurCustom:
		if len(in.Weekdays) == 0 {
			return fmt.Errorf("custom recurrence needs at least one weekday")
		}
	}
	for _, d := range in.Weekdays {
		if d < 0 || d > 6 {
			return fmt.Errorf("weekday out of range: %d", d)
		}
	}
	if in.EstimatedMin < 0 {
		return fmt.Errorf("estimatedMin must be >= 0")
	}
	return nil
}

func validateZone(in *model.ZoneIn) error {
	if in.Name == "" {
		return fmt.Errorf("name is required")
	}
	if in.Space != "" && in.Space != model.SpaceGPS && in.Space != model.SpaceImage {
		return fmt.Errorf("invalid space: %s", in.Space)
	}
	if len(in.Vertices) < 3 {
		return fmt.Errorf("a zone polygon needs at least 3 vertices")
	}
	return nil
}

func validateCommand(in *model.CommandIn) error {
	if !model.ValidCommandType(in.Type) {
		return fmt.Errorf("invalid command type: %s", in.Type)
	}
	if len(in.WorkerIDs) == 0 {
		return fmt.Errorf("workerIds must not be empty")
	}
	if in.Type != model.CommandPing && in.Body == "" {
		return fmt.Errorf("body is required for %s commands", in.Type)
	}
	return nil
}

func validateFix(f *model.LocationFix) error {
	if f.WorkerID == "" {
		return fmt.Errorf("workerId is required")
	}
	if f.Lat < -90 || f.Lat > 90 {
		return fmt.Errorf("lat out of range: %v", f.Lat)
	}
	if f.Lng < -180 || f.Lng > 180 {
		return fmt.Errorf("lng out of range: %v", f.Lng)
	}
	if f.BatteryPct < 0 || f.BatteryPct > 100 {
		return fmt.Errorf("batteryPct out of range: %d", f.BatteryPct)
	}
	return nil
}

func validateMaterialize(req *model.MaterializeRequest) error {
	if !validDate(req.StartDate) || !validDate(req.EndDate) {
		return fmt.Errorf("startDate and endDate must be YYYY-MM-DD")
	}
	if req.EndDate < req.StartDate {
		return fmt.Errorf("endDate must not precede startDate")
	}
	start, _ := time.Parse(dateLayout, req.StartDate)
	end, _ := time.Parse(dateLayout, req.EndDate)
	if end.Sub(start) > 400*24*time.Hour {
		return fmt.Errorf("date range too large")
	}
	return nil
}
