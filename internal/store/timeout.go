package store

import (
	"context"
	"time"
)

// The helpers below race one store operation against a timer. The store has
// no cancellation primitive, so the losing branch is detached: the goroutine
// runs to completion and its result lands in a buffered channel nobody reads.

// OnceWithTimeout reads a node, waiting at most d.
func OnceWithTimeout(ctx context.Context, n Node, d time.Duration) (Value, error) {
	type result struct {
		value Value
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := n.Once(ctx)
		ch <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.value, r.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutWithTimeout writes a node, waiting at most d for the ack.
func PutWithTimeout(ctx context.Context, n Node, value Value, d time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		ch <- n.Put(ctx, value)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MapWithTimeout iterates a node's children, waiting at most d for the whole
// sweep.
func MapWithTimeout(ctx context.Context, n Node, d time.Duration, fn func(key string, value Value) bool) error {
	ch := make(chan error, 1)
	go func() {
		ch <- n.Map(ctx, fn)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
