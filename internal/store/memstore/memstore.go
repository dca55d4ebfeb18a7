// Package memstore is an in-memory rendition of the store boundary used by
// tests and the demo daemon. It keeps the one property that matters for the
// layers above: writes become readable only after a configurable propagation
// lag, so read-your-writes cannot be assumed.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"trellis/internal/store"
)

type fieldEntry struct {
	value     any
	visibleAt time.Time
}

type Store struct {
	mu    sync.RWMutex
	nodes map[string]map[string]fieldEntry
	lag   time.Duration
	now   func() time.Time
}

type Option func(*Store)

// WithLag delays the visibility of every written field by d.
func WithLag(d time.Duration) Option {
	return func(s *Store) { s.lag = d }
}

// WithClock substitutes the time source, letting tests step visibility.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		nodes: make(map[string]map[string]fieldEntry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(path string) store.Node {
	return node{s: s, path: strings.Trim(strings.TrimSpace(path), "/")}
}

type node struct {
	s    *Store
	path string
}

func (n node) Get(segment string) store.Node {
	segment = strings.TrimSpace(segment)
	if n.path == "" {
		return node{s: n.s, path: segment}
	}
	return node{s: n.s, path: n.path + "/" + segment}
}

func (n node) Put(ctx context.Context, value store.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	fields, ok := n.s.nodes[n.path]
	if !ok {
		fields = make(map[string]fieldEntry)
		n.s.nodes[n.path] = fields
	}
	visibleAt := n.s.now().Add(n.s.lag)
	for k, v := range value {
		fields[k] = fieldEntry{value: v, visibleAt: visibleAt}
	}
	return nil
}

func (n node) Once(ctx context.Context) (store.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()
	return n.s.visibleFields(n.path), nil
}

func (n node) Map(ctx context.Context, fn func(key string, value store.Value) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.s.mu.RLock()
	prefix := n.path + "/"
	children := make(map[string]store.Value)
	for path := range n.s.nodes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		rest := strings.TrimPrefix(path, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		if value := n.s.visibleFields(path); value != nil {
			children[rest] = value
		}
	}
	n.s.mu.RUnlock()

	for key, value := range children {
		if !fn(key, value) {
			return nil
		}
	}
	return nil
}

// visibleFields returns the subset of a node's fields whose propagation lag
// has elapsed, or nil when nothing is readable yet. Callers hold s.mu.
func (s *Store) visibleFields(path string) store.Value {
	fields, ok := s.nodes[path]
	if !ok {
		return nil
	}
	now := s.now()
	var value store.Value
	for k, entry := range fields {
		if entry.visibleAt.After(now) {
			continue
		}
		if value == nil {
			value = make(store.Value, len(fields))
		}
		value[k] = entry.value
	}
	return value
}
