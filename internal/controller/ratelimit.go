package controller

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-caller admission rate of max requests per
// window. Callers are tracked by owner id, so the limit follows the
// credential rather than the source address.
type RateLimiter struct {
	window time.Duration
	max    int

	mu        sync.Mutex
	limiters  map[string]*ownerLimiter
	lastEvict time.Time
}

type ownerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter allowing max requests per window per
// owner.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window:    window,
		max:       max,
		limiters:  make(map[string]*ownerLimiter),
		lastEvict: time.Now(),
	}
}

// Allow reports whether the owner may proceed. When denied, the returned
// duration is the suggested Retry-After.
func (l *RateLimiter) Allow(ownerID string) (bool, time.Duration) {
	lim := l.limiterFor(ownerID)

	res := lim.Reserve()
	if !res.OK() {
		return false, l.window
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *RateLimiter) limiterFor(ownerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.evictLocked(now)

	entry, ok := l.limiters[ownerID]
	if !ok {
		entry = &ownerLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(l.max)/l.window.Seconds()), l.max),
		}
		l.limiters[ownerID] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// evictLocked drops limiters idle for more than three windows. A dropped
// limiter restarts with a full burst, which is fine after that much quiet.
func (l *RateLimiter) evictLocked(now time.Time) {
	if now.Sub(l.lastEvict) < l.window {
		return
	}
	l.lastEvict = now
	cutoff := now.Add(-3 * l.window)
	for owner, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, owner)
		}
	}
}
