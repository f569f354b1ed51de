package rules

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const floodMaxEntries = 1024

// floodGuard keeps one token bucket per package so a chatty app can't
// monopolize the speech queue.
type floodGuard struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	perPk map[string]*rate.Limiter
}

func newFloodGuard(events int, per time.Duration, burst int) *floodGuard {
	if burst <= 0 {
		burst = events
	}
	return &floodGuard{
		limit: rate.Every(per / time.Duration(events)),
		burst: burst,
		perPk: map[string]*rate.Limiter{},
	}
}

// allow consumes a token for pkg; false means the announcement is suppressed.
func (f *floodGuard) allow(pkg string) bool {
	f.mu.Lock()
	lim, ok := f.perPk[pkg]
	if !ok {
		// Bounded map: drop an arbitrary stale bucket when full. Losing a
		// bucket only resets one app's budget, which is harmless.
		if len(f.perPk) >= floodMaxEntries {
			for k := range f.perPk {
				delete(f.perPk, k)
				break
			}
		}
		lim = rate.NewLimiter(f.limit, f.burst)
		f.perPk[pkg] = lim
	}
	f.mu.Unlock()
	return lim.Allow()
}
