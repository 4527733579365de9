// Package csvroster parses worker rosters from CSV exports. The expected
// layout is a header row followed by name,role columns; extra columns are
// ignored so exports from different HR systems keep working.
package csvroster

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"fieldtrack/internal/integrations"
)

// Parse reads a roster CSV. The header row selects columns by name
// (case-insensitive); "name" is required, "role" and "ref" are optional.
func Parse(r io.Reader) ([]integrations.RosterWorker, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	nameIdx, roleIdx, refIdx := -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "name":
			nameIdx = i
		case "role":
			roleIdx = i
		case "ref", "externalref", "external_ref":
			refIdx = i
		}
	}
	if nameIdx < 0 {
		return nil, fmt.Errorf("missing required column: name")
	}
	out := []integrations.RosterWorker{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if nameIdx >= len(rec) || strings.TrimSpace(rec[nameIdx]) == "" {
			continue
		}
		w := integrations.RosterWorker{Name: strings.TrimSpace(rec[nameIdx])}
		if roleIdx >= 0 && roleIdx < len(rec) {
			w.Role = strings.TrimSpace(rec[roleIdx])
		}
		if refIdx >= 0 && refIdx < len(rec) {
			w.ExternalRef = strings.TrimSpace(rec[refIdx])
		}
		out = append(out, w)
	}
	return out, nil
}

// Source adapts a static CSV payload to the RosterSource interface.
type Source struct {
	Data []byte
}

func (s Source) Name() string { return "csv" }

func (s Source) Authenticate(cfg map[string]any) (integrations.AuthState, error) {
	return integrations.AuthState{Method: "none"}, nil
}

func (s Source) FetchWorkers(since string, cursor string) (integrations.WorkerBatch, error) {
	ws, err := Parse(strings.NewReader(string(s.Data)))
	if err != nil {
		return integrations.WorkerBatch{}, err
	}
	return integrations.WorkerBatch{Workers: ws}, nil
}

func (s Source) AckWorkers(ids []string) error { return nil }
