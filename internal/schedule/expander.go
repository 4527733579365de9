// Package schedule materializes recurring rules into per-date task
// assignments.
package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fieldtrack/internal/model"
)

const dateLayout = "2006-01-02"

// Sink is the persistence surface the expander writes through. Both store
// implementations satisfy it; the postgres store runs each Expand call in a
// single transaction so the exists-check and insert are atomic as a pair.
type Sink interface {
	AssignmentExists(ctx context.Context, orgID, workerID, date, ruleID string) (bool, error)
	InsertAssignment(ctx context.Context, a model.TaskAssignment) error
}

// FiresOn reports whether an active rule fires on the given date. Dates
// before the rule's start or after its (inclusive) end never fire.
func FiresOn(rule model.RecurringRule, date time.Time) bool {
	if !rule.IsActive {
		return false
	}
	d := date.Format(dateLayout)
	if rule.StartDate != "" && d < rule.StartDate {
		return false
	}
	if rule.EndDate != "" && d > rule.EndDate {
		return false
	}
	wd := int(date.Weekday()) // 0=Sunday .. 6=Saturday
	switch rule.Recurrence {
	case model.RecurDaily:
		return true
	case model.RecurWeekdays:
		return wd >= 1 && wd <= 5
	case model.RecurWeekly, model.RecurCustom:
		for _, w := range rule.Weekdays {
			if w == wd {
				return true
			}
		}
		return false
	}
	return false
}

// Expand materializes assignments for every firing (rule, date, worker)
// triple in the inclusive range [startDate, endDate], skipping triples that
// already exist. It returns the number of newly created assignments.
// Re-running over an overlapping range never duplicates; a run interrupted
// mid-range completes on the next invocation. Date strings are the caller's
// contract to validate.
func Expand(ctx context.Context, rules []model.RecurringRule, startDate, endDate string, sink Sink) (int, error) {
	start, err := time.ParseInLocation(dateLayout, startDate, time.UTC)
	if err != nil {
		return 0, err
	}
	end, err := time.ParseInLocation(dateLayout, endDate, time.UTC)
	if err != nil {
		return 0, err
	}
	created := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		date := d.Format(dateLayout)
		for _, rule := range rules {
			if !FiresOn(rule, d) {
				continue
			}
			for _, workerID := range rule.WorkerIDs {
				exists, err := sink.AssignmentExists(ctx, rule.OrgID, workerID, date, rule.ID)
				if err != nil {
					return created, err
				}
				if exists {
					continue
				}
				a := model.TaskAssignment{
					ID:           uuid.New().String(),
					OrgID:        rule.OrgID,
					WorkerID:     workerID,
					Date:         date,
					Status:       model.AssignmentPending,
					Title:        rule.Title,
					Description:  rule.Description,
					EstimatedMin: rule.EstimatedMin,
					TemplateRef:  rule.TemplateRef,
					RuleID:       rule.ID,
				}
				if err := sink.InsertAssignment(ctx, a); err != nil {
					return created, err
				}
				created++
			}
		}
	}
	return created, nil
}
