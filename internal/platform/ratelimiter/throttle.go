package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle applies a token bucket per caller key and periodically evicts
// idle entries. It sits in front of the account service as a coarse
// request brake; the per-username attempt counters live in AttemptLimiter.
type Throttle struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byKey  map[string]*throttleEntry
	checks uint64
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a caller throttle; returns nil if args are invalid,
// and a nil Throttle allows everything.
func NewThrottle(rps float64, burst int, idleTTL time.Duration) *Throttle {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Throttle{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*throttleEntry),
	}
}

// Allow reports whether one token can be consumed for the key at now.
func (t *Throttle) Allow(key string, now time.Time) bool {
	if t == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byKey[key]
	if !ok {
		e = &throttleEntry{
			limiter:  rate.NewLimiter(t.limit, t.burst),
			lastSeen: now,
		}
		t.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	t.checks++
	if t.checks%512 == 0 {
		cutoff := now.Add(-t.idleTTL)
		for k, v := range t.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(t.byKey, k)
			}
		}
	}

	return allowed
}
