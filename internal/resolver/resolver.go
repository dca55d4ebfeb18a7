// Package resolver maps usernames to account public keys. The underlying
// store is eventually consistent and can hold stale or duplicate bindings,
// so resolution runs a fixed priority ladder of lookup strategies
// sequentially: a less authoritative source must never answer before a more
// authoritative one has had its chance.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"trellis/internal/platform/metrics"
	"trellis/internal/store"
)

const (
	usernamesCollection = "usernames"
	accountsCollection  = "accounts"
	frozenKeyPrefix     = "#"

	StrategyFrozenScan   = "frozen_scan"
	StrategyDirectKey    = "direct_key"
	StrategyAlternateKey = "alternate_key"
	StrategyKeyScan      = "key_scan"
)

// Binding is a resolved username-to-key record. Strategy names the rung of
// the ladder that produced it.
type Binding struct {
	Username  string    `json:"username"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	Strategy  string    `json:"strategy"`
}

// Timeouts bounds each strategy individually; Hard additionally caps any
// single strategy regardless of its own budget.
type Timeouts struct {
	FrozenScan   time.Duration
	DirectKey    time.Duration
	AlternateKey time.Duration
	KeyScan      time.Duration
	Hard         time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		FrozenScan:   2000 * time.Millisecond,
		DirectKey:    1500 * time.Millisecond,
		AlternateKey: 1500 * time.Millisecond,
		KeyScan:      1500 * time.Millisecond,
		Hard:         3000 * time.Millisecond,
	}
}

type Resolver struct {
	store    store.Store
	log      *slog.Logger
	metrics  *metrics.Set
	timeouts Timeouts
}

func New(st store.Store, log *slog.Logger, m *metrics.Set, timeouts Timeouts) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &Resolver{store: st, log: log, metrics: m, timeouts: timeouts}
}

// Resolve returns the binding for a username, or (nil, nil) when no strategy
// finds one. Strategy failures and timeouts are soft: they are logged and the
// ladder moves on. Only context cancellation aborts the whole resolve.
func (r *Resolver) Resolve(ctx context.Context, username string) (*Binding, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, nil
	}

	strategies := []struct {
		name string
		run  func(context.Context, string) (*Binding, error)
	}{
		{StrategyFrozenScan, r.frozenScan},
		{StrategyDirectKey, r.directKey},
		{StrategyAlternateKey, r.alternateKey},
		{StrategyKeyScan, r.keyScan},
	}

	for _, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		binding, err := r.runBounded(ctx, strategy.name, username, strategy.run)
		if err != nil {
			return nil, err
		}
		if binding == nil {
			continue
		}
		binding.Strategy = strategy.name
		r.metrics.ResolveHit(strategy.name)
		return r.enrich(ctx, username, binding), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.metrics.ResolveExhausted()
	return nil, nil
}

// runBounded races one strategy against the hard deadline. A deadline loss
// is a miss, not an error; the late strategy keeps running detached and its
// result is discarded. Context cancellation is not a miss: it aborts the
// whole resolve.
func (r *Resolver) runBounded(ctx context.Context, name, username string, run func(context.Context, string) (*Binding, error)) (*Binding, error) {
	r.metrics.ResolveAttempt(name)

	type result struct {
		binding *Binding
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := run(ctx, username)
		ch <- result{b, err}
	}()

	timer := time.NewTimer(r.timeouts.Hard)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
				return nil, res.err
			}
			r.log.Debug("lookup strategy produced nothing", "strategy", name, "username", username, "error", res.err)
			return nil, nil
		}
		return res.binding, nil
	case <-timer.C:
		r.log.Debug("lookup strategy hit hard deadline", "strategy", name, "username", username)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// frozenScan walks the frozen username space and matches the stored username
// field. A hit here is authoritative.
func (r *Resolver) frozenScan(ctx context.Context, username string) (*Binding, error) {
	var found *Binding
	collection := r.store.Get(usernamesCollection)
	err := store.MapWithTimeout(ctx, collection, r.timeouts.FrozenScan, func(key string, value store.Value) bool {
		if candidate := bindingFromValue(value); candidate != nil && candidate.Username == username {
			found = candidate
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *Resolver) directKey(ctx context.Context, username string) (*Binding, error) {
	return r.readKey(ctx, frozenKeyPrefix+username, r.timeouts.DirectKey)
}

func (r *Resolver) alternateKey(ctx context.Context, username string) (*Binding, error) {
	return r.readKey(ctx, username, r.timeouts.AlternateKey)
}

func (r *Resolver) readKey(ctx context.Context, key string, timeout time.Duration) (*Binding, error) {
	node := r.store.Get(usernamesCollection).Get(key)
	value, err := store.OnceWithTimeout(ctx, node, timeout)
	if err != nil {
		return nil, err
	}
	return bindingFromValue(value), nil
}

// keyScan re-walks the collection matching on the child key itself,
// accepting either key form the direct strategies look for.
func (r *Resolver) keyScan(ctx context.Context, username string) (*Binding, error) {
	var found *Binding
	collection := r.store.Get(usernamesCollection)
	err := store.MapWithTimeout(ctx, collection, r.timeouts.KeyScan, func(key string, value store.Value) bool {
		if key == frozenKeyPrefix+username || key == username {
			if candidate := bindingFromValue(value); candidate != nil {
				if candidate.Username == "" {
					candidate.Username = username
				}
				found = candidate
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// enrich fills a key-only binding from the account node's stored metadata.
// A miss on the secondary read returns the raw pair unchanged.
func (r *Resolver) enrich(ctx context.Context, username string, binding *Binding) *Binding {
	if binding.PublicKey == "" || binding.Username != "" {
		if binding.Username == "" {
			binding.Username = username
		}
		return binding
	}
	node := r.store.Get(accountsCollection).Get(binding.PublicKey)
	value, err := store.OnceWithTimeout(ctx, node, r.timeouts.DirectKey)
	if err != nil || value == nil {
		r.log.Debug("account metadata read missed", "username", username, "error", err)
		binding.Username = username
		return binding
	}
	if name, ok := value["username"].(string); ok && name != "" {
		binding.Username = name
	} else {
		binding.Username = username
	}
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = timeFromValue(value["createdAt"])
	}
	return binding
}

func bindingFromValue(value store.Value) *Binding {
	if value == nil {
		return nil
	}
	binding := &Binding{CreatedAt: timeFromValue(value["createdAt"])}
	if name, ok := value["username"].(string); ok {
		binding.Username = strings.ToLower(strings.TrimSpace(name))
	}
	if pub, ok := value["publicKey"].(string); ok {
		binding.PublicKey = pub
	} else if pub, ok := value["pub"].(string); ok {
		binding.PublicKey = pub
	}
	if binding.Username == "" && binding.PublicKey == "" {
		return nil
	}
	return binding
}

func timeFromValue(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}
