// Package ratelimiter provides the process-local throttles used by the
// account layer. Neither limiter is shared across instances; they are a
// best-effort brake, not a security boundary.
package ratelimiter

import (
	"strings"
	"sync"
	"time"
)

// Entry is one sliding counter keyed by (operation, normalized username).
type Entry struct {
	Attempts      int
	LastAttempt   time.Time
	CooldownUntil time.Time
}

// AttemptStore holds limiter entries. The default is the in-memory map
// below; a host can substitute a shared implementation without touching the
// account flows.
type AttemptStore interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
	Delete(key string)
}

// Policy caps attempts for one operation before a cooldown kicks in.
type Policy struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// DefaultPolicies matches the account flows: logins get more slack than
// signups, signups cool down longer.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"login":  {MaxAttempts: 5, Cooldown: 5 * time.Minute},
		"signup": {MaxAttempts: 3, Cooldown: 10 * time.Minute},
	}
}

// Decision is the outcome of one Check call. RetryAfter is set only on
// denial.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type AttemptLimiter struct {
	mu       sync.Mutex
	store    AttemptStore
	policies map[string]Policy
	now      func() time.Time
}

func NewAttemptLimiter(store AttemptStore, policies map[string]Policy) *AttemptLimiter {
	if store == nil {
		store = NewMemoryAttemptStore()
	}
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &AttemptLimiter{store: store, policies: policies, now: time.Now}
}

// Check records one attempt and reports whether it may proceed. Every
// attempt stamps the entry, denied ones included. The first attempt for a
// key is always allowed. An active cooldown denies with the remaining wait;
// an elapsed cooldown resets the counter to 1 and allows.
func (l *AttemptLimiter) Check(username, operation string) Decision {
	policy, ok := l.policies[operation]
	if !ok {
		return Decision{Allowed: true}
	}
	key := entryKey(operation, username)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.store.Get(key)
	if !exists {
		l.store.Put(key, Entry{Attempts: 1, LastAttempt: now})
		return Decision{Allowed: true}
	}
	if !entry.CooldownUntil.IsZero() {
		if now.Before(entry.CooldownUntil) {
			entry.LastAttempt = now
			l.store.Put(key, entry)
			return Decision{RetryAfter: entry.CooldownUntil.Sub(now)}
		}
		l.store.Put(key, Entry{Attempts: 1, LastAttempt: now})
		return Decision{Allowed: true}
	}

	entry.Attempts++
	entry.LastAttempt = now
	if entry.Attempts > policy.MaxAttempts {
		entry.CooldownUntil = now.Add(policy.Cooldown)
		l.store.Put(key, entry)
		return Decision{RetryAfter: policy.Cooldown}
	}
	l.store.Put(key, entry)
	return Decision{Allowed: true}
}

// Reset clears the entry; the account flows call it on successful auth.
func (l *AttemptLimiter) Reset(username, operation string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store.Delete(entryKey(operation, username))
}

func entryKey(operation, username string) string {
	return operation + ":" + strings.ToLower(strings.TrimSpace(username))
}

// MemoryAttemptStore is the default process-local AttemptStore.
type MemoryAttemptStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{entries: make(map[string]Entry)}
}

func (s *MemoryAttemptStore) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

func (s *MemoryAttemptStore) Put(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
}

func (s *MemoryAttemptStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}
