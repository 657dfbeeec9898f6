package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// perKeyLimiter enforces a token-bucket rate limit per arbitrary string key
// (an IP address or an authenticated username), backing §4.9's per-route
// limits (login, integration-test, identify-audio) and §5's "rate-limit
// tables ... swept every 5 minutes to delete empty buckets".
type perKeyLimiter struct {
	mu     sync.Mutex
	every  rate.Limit
	burst  int
	limits map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newPerKeyLimiter builds a limiter allowing burst events, refilling at
// every. A background goroutine sweeps buckets untouched for longer than
// rateLimitSweepInterval so the map never grows unbounded.
func newPerKeyLimiter(every rate.Limit, burst int) *perKeyLimiter {
	l := &perKeyLimiter{every: every, burst: burst, limits: make(map[string]*limiterEntry)}
	go l.sweepLoop()
	return l
}

// Allow reports whether an event under key is permitted right now.
func (l *perKeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	entry, ok := l.limits[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.limits[key] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *perKeyLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimitSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-rateLimitSweepInterval)
		for key, entry := range l.limits {
			if entry.lastSeen.Before(cutoff) {
				delete(l.limits, key)
			}
		}
		l.mu.Unlock()
	}
}
