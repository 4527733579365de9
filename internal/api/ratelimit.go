package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// orgLimiters rate-limits location ingest per org. Each org gets an
// independent token bucket so one noisy fleet cannot starve the others.
type orgLimiters struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newOrgLimiters(rps float64, burst int) *orgLimiters {
	return &orgLimiters{m: map[string]*rate.Limiter{}, rps: rate.Limit(rps), burst: burst}
}

// AllowN reports whether n fixes from the org fit in its budget right now.
func (l *orgLimiters) AllowN(org string, n int) bool {
	l.mu.Lock()
	lim := l.m[org]
	if lim == nil {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.m[org] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(time.Now(), n)
}
