package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"trellis/internal/store"
	"trellis/internal/store/memstore"
)

func testTimeouts() Timeouts {
	return Timeouts{
		FrozenScan:   50 * time.Millisecond,
		DirectKey:    50 * time.Millisecond,
		AlternateKey: 50 * time.Millisecond,
		KeyScan:      50 * time.Millisecond,
		Hard:         100 * time.Millisecond,
	}
}

func newTestResolver(s store.Store) *Resolver {
	return New(s, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, testTimeouts())
}

func TestResolveFromFrozenScan(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_ = s.Get("usernames").Get("#alice").Put(ctx, store.Value{
		"username":  "alice",
		"publicKey": "pk-alice",
		"createdAt": time.Unix(100, 0).UTC().Format(time.RFC3339),
	})

	binding, err := newTestResolver(s).Resolve(ctx, "  Alice ")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if binding == nil {
		t.Fatal("expected a binding")
	}
	if binding.Strategy != StrategyFrozenScan {
		t.Fatalf("strategy = %q, want %q", binding.Strategy, StrategyFrozenScan)
	}
	if binding.Username != "alice" || binding.PublicKey != "pk-alice" {
		t.Fatalf("unexpected binding: %+v", binding)
	}
	if binding.CreatedAt.IsZero() {
		t.Fatal("createdAt must carry over from the stored record")
	}
}

func TestResolveAlternateKeyOnly(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	// Bound only under the plain key, and only by public key: the frozen
	// scan has no username field to match and the direct key is absent.
	_ = s.Get("usernames").Get("carol").Put(ctx, store.Value{"publicKey": "pk-carol"})

	binding, err := newTestResolver(s).Resolve(ctx, "carol")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if binding == nil {
		t.Fatal("expected a binding from the alternate key strategy")
	}
	if binding.Strategy != StrategyAlternateKey {
		t.Fatalf("strategy = %q, want %q (must not fall through to %q)",
			binding.Strategy, StrategyAlternateKey, StrategyKeyScan)
	}
	if binding.PublicKey != "pk-carol" || binding.Username != "carol" {
		t.Fatalf("unexpected binding: %+v", binding)
	}
}

func TestResolveEnrichesKeyOnlyBinding(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_ = s.Get("usernames").Get("dave").Put(ctx, store.Value{"publicKey": "pk-dave"})
	_ = s.Get("accounts").Get("pk-dave").Put(ctx, store.Value{
		"username":  "Dave",
		"createdAt": time.Unix(200, 0).UTC().Format(time.RFC3339),
	})

	binding, err := newTestResolver(s).Resolve(ctx, "dave")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if binding == nil {
		t.Fatal("expected a binding")
	}
	if binding.Username != "Dave" {
		t.Fatalf("display username = %q, want enriched %q", binding.Username, "Dave")
	}
	if binding.CreatedAt.IsZero() {
		t.Fatal("createdAt must come from the account metadata")
	}
}

func TestResolveUnknownUsernameIsBoundedNull(t *testing.T) {
	s := memstore.New()
	r := newTestResolver(s)

	started := time.Now()
	binding, err := r.Resolve(context.Background(), "nobody")
	elapsed := time.Since(started)

	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if binding != nil {
		t.Fatalf("expected nil binding, got %+v", binding)
	}
	timeouts := testTimeouts()
	budget := timeouts.FrozenScan + timeouts.DirectKey + timeouts.AlternateKey + timeouts.KeyScan
	if elapsed > budget+200*time.Millisecond {
		t.Fatalf("resolve took %v, want under the strategy budget %v", elapsed, budget)
	}
}

func TestResolveTreatsSlowStrategyAsMiss(t *testing.T) {
	backing := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = backing.Get("usernames").Get("erin").Put(ctx, store.Value{"publicKey": "pk-erin"})

	r := newTestResolver(slowCollectionStore{backing: backing, slowKey: "#erin"})
	binding, err := r.Resolve(ctx, "erin")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if binding == nil || binding.Strategy != StrategyAlternateKey {
		t.Fatalf("expected alternate key hit past the hung strategy, got %+v", binding)
	}
}

func TestResolveCancelledDuringLastStrategyReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first scan answers empty, the direct reads miss, and the final scan
	// hangs: cancellation lands inside the last rung of the ladder.
	r := newTestResolver(&lateHangStore{backing: memstore.New()})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	binding, err := r.Resolve(ctx, "frank")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if binding != nil {
		t.Fatalf("cancelled resolve must not return a binding, got %+v", binding)
	}
}

func TestResolveHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestResolver(memstore.New()).Resolve(ctx, "alice"); err == nil {
		t.Fatal("cancelled context must abort the resolve")
	}
}

// lateHangStore hangs every Map call after the first, so the scan rung at
// the bottom of the ladder blocks until the context ends.
type lateHangStore struct {
	backing store.Store
	maps    atomic.Int32
}

func (s *lateHangStore) Get(path string) store.Node {
	return lateHangNode{store: s, inner: s.backing.Get(path)}
}

type lateHangNode struct {
	store *lateHangStore
	inner store.Node
}

func (n lateHangNode) Get(segment string) store.Node {
	return lateHangNode{store: n.store, inner: n.inner.Get(segment)}
}

func (n lateHangNode) Put(ctx context.Context, value store.Value) error {
	return n.inner.Put(ctx, value)
}

func (n lateHangNode) Once(ctx context.Context) (store.Value, error) {
	return n.inner.Once(ctx)
}

func (n lateHangNode) Map(ctx context.Context, fn func(string, store.Value) bool) error {
	if n.store.maps.Add(1) > 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	return n.inner.Map(ctx, fn)
}

// slowCollectionStore hangs reads of one specific child key to simulate a
// strategy that never comes back.
type slowCollectionStore struct {
	backing store.Store
	slowKey string
}

func (s slowCollectionStore) Get(path string) store.Node {
	return slowNode{inner: s.backing.Get(path), slowKey: s.slowKey}
}

type slowNode struct {
	inner   store.Node
	slowKey string
	hang    bool
}

func (n slowNode) Get(segment string) store.Node {
	return slowNode{inner: n.inner.Get(segment), slowKey: n.slowKey, hang: segment == n.slowKey}
}

func (n slowNode) Put(ctx context.Context, value store.Value) error {
	return n.inner.Put(ctx, value)
}

func (n slowNode) Once(ctx context.Context) (store.Value, error) {
	if n.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return n.inner.Once(ctx)
}

func (n slowNode) Map(ctx context.Context, fn func(string, store.Value) bool) error {
	return n.inner.Map(ctx, fn)
}
