package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"fieldtrack/internal/model"
	"fieldtrack/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit fans a command out to every registered device of its target workers,
// one queued delivery per device. Workers with no device are skipped; the
// command itself is already persisted so the dashboard still shows it.
func (p *Publisher) Emit(ctx context.Context, cmd model.Command) {
	devices, err := p.Store.ListDevicesForWorkers(ctx, cmd.OrgID, cmd.WorkerIDs)
	if err != nil || len(devices) == 0 {
		return
	}
	for _, d := range devices {
		payload := map[string]any{
			"id":       cmd.ID,
			"type":     cmd.Type,
			"body":     cmd.Body,
			"workerId": d.WorkerID,
			"ts":       time.Now().UTC().Format(time.RFC3339),
		}
		body, _ := json.Marshal(payload)
		_, _ = p.Store.EnqueueCommandDelivery(ctx, cmd.OrgID, cmd.ID, d.WorkerID, d.PushURL, d.Secret, body)
	}
}
