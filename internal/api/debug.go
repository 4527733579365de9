package api

import (
	"encoding/json"
	"net/http"
	"time"

	"fieldtrack/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	pr := s.getPrincipal(r)
	if !pr.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":             s.Cfg.Port,
			"authMode":         s.Cfg.Auth.Mode,
			"dispatchPoll":     s.Cfg.Dispatch.PollSeconds,
			"dispatchAttempts": s.Cfg.Dispatch.MaxAttempts,
			"ingestRate":       s.Cfg.Ingest.RatePerSec,
			"ingestBurst":      s.Cfg.Ingest.Burst,
			"hasDatabaseUrl":   s.Cfg.DatabaseURL != "",
			"hasRedisUrl":      s.Cfg.RedisURL != "",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
