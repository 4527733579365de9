package api

import (
	"sync"
)

// LatestLocation holds the latest known location for a worker.
type LatestLocation struct {
	Org        string  `json:"orgId"`
	WorkerID   string  `json:"workerId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	AccuracyM  float64 `json:"accuracyM,omitempty"`
	BatteryPct int     `json:"batteryPct,omitempty"`
	TS         string  `json:"ts"`
}

// LocationCache stores latest worker locations per org.
type LocationCache struct {
	mu sync.Mutex
	// key: org|workerId
	m map[string]LatestLocation
}

// NewLocationCache constructs a LocationCache.
func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func (c *LocationCache) key(org, workerID string) string {
	return org + "|" + workerID
}

// Upsert stores or updates the latest location for a worker.
func (c *LocationCache) Upsert(loc LatestLocation) {
	if loc.Org == "" || loc.WorkerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.key(loc.Org, loc.WorkerID)] = loc
}

// Delete drops a worker's cached location, e.g. when the worker is removed.
func (c *LocationCache) Delete(org, workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, c.key(org, workerID))
}

// Get returns the latest location for a single worker.
func (c *LocationCache) Get(org, workerID string) (LatestLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	loc, ok := c.m[c.key(org, workerID)]
	return loc, ok
}

// ListByOrg returns the latest locations for all workers in an org.
func (c *LocationCache) ListByOrg(org string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	prefix := org + "|"
	for k, v := range c.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out
}
