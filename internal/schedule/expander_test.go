package schedule

import (
	"context"
	"testing"
	"time"

	"fieldtrack/internal/model"
)

// memSink is a map-keyed sink mirroring the store's uniqueness contract.
type memSink struct {
	byKey map[string]model.TaskAssignment
}

func newMemSink() *memSink { return &memSink{byKey: map[string]model.TaskAssignment{}} }

func (s *memSink) key(orgID, workerID, date, ruleID string) string {
	return orgID + "|" + workerID + "|" + date + "|" + ruleID
}

func (s *memSink) AssignmentExists(_ context.Context, orgID, workerID, date, ruleID string) (bool, error) {
	_, ok := s.byKey[s.key(orgID, workerID, date, ruleID)]
	return ok, nil
}

func (s *memSink) InsertAssignment(_ context.Context, a model.TaskAssignment) error {
	s.byKey[s.key(a.OrgID, a.WorkerID, a.Date, a.RuleID)] = a
	return nil
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func TestFiresOnWeeklyMonday(t *testing.T) {
	rule := model.RecurringRule{
		ID: "r1", OrgID: "o1", WorkerIDs: []string{"w1"},
		Recurrence: model.RecurWeekly, Weekdays: []int{1},
		StartDate: "2024-01-01", IsActive: true,
	}
	fires := []string{}
	for d := mustDate(t, "2024-01-01"); !d.After(mustDate(t, "2024-01-14")); d = d.AddDate(0, 0, 1) {
		if FiresOn(rule, d) {
			fires = append(fires, d.Format("2006-01-02"))
		}
	}
	want := []string{"2024-01-01", "2024-01-08"}
	if len(fires) != len(want) {
		t.Fatalf("fires = %v, want %v", fires, want)
	}
	for i := range want {
		if fires[i] != want[i] {
			t.Fatalf("fires = %v, want %v", fires, want)
		}
	}
}

func TestFiresOnWeekdays(t *testing.T) {
	rule := model.RecurringRule{
		Recurrence: model.RecurWeekdays, StartDate: "2024-01-01", IsActive: true,
	}
	// 2024-01-06 is a Saturday, 2024-01-07 a Sunday
	if FiresOn(rule, mustDate(t, "2024-01-06")) || FiresOn(rule, mustDate(t, "2024-01-07")) {
		t.Fatal("weekdays rule must not fire on weekends")
	}
	if !FiresOn(rule, mustDate(t, "2024-01-05")) {
		t.Fatal("weekdays rule must fire on a Friday")
	}
}

func TestFiresOnEndDateBoundary(t *testing.T) {
	for _, rec := range []model.RecurrenceType{model.RecurDaily, model.RecurWeekdays, model.RecurCustom} {
		rule := model.RecurringRule{
			Recurrence: rec, Weekdays: []int{0, 1, 2, 3, 4, 5, 6},
			StartDate: "2024-01-01", EndDate: "2024-01-05", IsActive: true,
		}
		if !FiresOn(rule, mustDate(t, "2024-01-05")) {
			t.Fatalf("%s: endDate is inclusive", rec)
		}
		if FiresOn(rule, mustDate(t, "2024-01-06")) {
			t.Fatalf("%s: must not fire after endDate", rec)
		}
	}
}

func TestFiresOnInactiveAndBeforeStart(t *testing.T) {
	rule := model.RecurringRule{
		Recurrence: model.RecurDaily, StartDate: "2024-01-10", IsActive: true,
	}
	if FiresOn(rule, mustDate(t, "2024-01-09")) {
		t.Fatal("must not fire before startDate")
	}
	rule.IsActive = false
	if FiresOn(rule, mustDate(t, "2024-01-10")) {
		t.Fatal("inactive rules never fire")
	}
}

func TestExpandIdempotent(t *testing.T) {
	rules := []model.RecurringRule{
		{
			ID: "r1", OrgID: "o1", Title: "Patrol north lot",
			WorkerIDs:  []string{"w1", "w2"},
			Recurrence: model.RecurDaily,
			StartDate:  "2024-01-01", IsActive: true,
		},
		{
			ID: "r2", OrgID: "o1", Title: "Weekly inspection",
			WorkerIDs:  []string{"w1"},
			Recurrence: model.RecurWeekly, Weekdays: []int{1},
			StartDate: "2024-01-01", IsActive: true,
		},
	}
	sink := newMemSink()
	ctx := context.Background()

	created, err := Expand(ctx, rules, "2024-01-01", "2024-01-07", sink)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	// daily: 7 days x 2 workers = 14; weekly Monday: 1
	if created != 15 {
		t.Fatalf("first run created %d, want 15", created)
	}

	created, err = Expand(ctx, rules, "2024-01-01", "2024-01-07", sink)
	if err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	if created != 0 {
		t.Fatalf("second run created %d, want 0", created)
	}

	// overlapping extension only fills the new dates
	created, err = Expand(ctx, rules, "2024-01-05", "2024-01-08", sink)
	if err != nil {
		t.Fatalf("overlap expand: %v", err)
	}
	// new date 2024-01-08 (a Monday): daily 2 + weekly 1
	if created != 3 {
		t.Fatalf("overlap run created %d, want 3", created)
	}
}

func TestExpandCarriesRuleFields(t *testing.T) {
	rules := []model.RecurringRule{{
		ID: "r9", OrgID: "o1", Title: "Generator check",
		Description: "Check fuel and logs", EstimatedMin: 45, TemplateRef: "tpl_gen",
		WorkerIDs:  []string{"w1"},
		Recurrence: model.RecurDaily,
		StartDate:  "2024-03-01", IsActive: true,
	}}
	sink := newMemSink()
	if _, err := Expand(context.Background(), rules, "2024-03-01", "2024-03-01", sink); err != nil {
		t.Fatalf("expand: %v", err)
	}
	a, ok := sink.byKey[sink.key("o1", "w1", "2024-03-01", "r9")]
	if !ok {
		t.Fatal("expected assignment for 2024-03-01")
	}
	if a.Status != model.AssignmentPending {
		t.Fatalf("status = %s, want pending", a.Status)
	}
	if a.Title != "Generator check" || a.EstimatedMin != 45 || a.TemplateRef != "tpl_gen" {
		t.Fatalf("rule fields not carried over: %+v", a)
	}
	if a.RuleID != "r9" {
		t.Fatalf("ruleId = %s, want r9", a.RuleID)
	}
}

func TestExpandBadDates(t *testing.T) {
	if _, err := Expand(context.Background(), nil, "2024-13-01", "2024-01-02", newMemSink()); err == nil {
		t.Fatal("expected parse error for bad start date")
	}
	if _, err := Expand(context.Background(), nil, "2024-01-01", "nope", newMemSink()); err == nil {
		t.Fatal("expected parse error for bad end date")
	}
}
