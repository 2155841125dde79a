package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxLocalKeys bounds the degraded-mode limiter map before idle keys are pruned.
const maxLocalKeys = 10000

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localLimiter approximates the shared window per instance with a token
// bucket refilling at limit/window and bursting up to limit. It only serves
// requests while the counter store is unreachable.
type localLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	rate    rate.Limit
	burst   int
	window  time.Duration
	now     func() time.Time
}

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	return &localLimiter{
		entries: make(map[string]*localEntry),
		rate:    rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		window:  window,
		now:     time.Now,
	}
}

// allow reports whether key may proceed, the tokens left and the time until
// a denied key regains a token.
func (l *localLimiter) allow(key string) (bool, int64, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxLocalKeys {
			l.pruneLocked(now)
		}
		e = &localEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, delay
	}
	return true, int64(e.limiter.TokensAt(now)), 0
}

// pruneLocked drops keys idle for a full window; their buckets are full again.
func (l *localLimiter) pruneLocked(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.window {
			delete(l.entries, k)
		}
	}
}
