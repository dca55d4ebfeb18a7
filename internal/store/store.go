// Package store defines the capability boundary to the replicated key-tree
// database the account layer runs on. The store is eventually consistent:
// writes become visible to readers at an unspecified later time, there are no
// transactions and no uniqueness constraints, and a read that finds nothing
// never proves absence everywhere.
package store

import (
	"context"
	"errors"

	"trellis/internal/keyring"
)

// Value is one node's field map as the store hands it back.
type Value = map[string]any

// Node is a position in the key tree. Get chains one path segment deeper.
// Put resolves once the store has acknowledged the write; completion is
// always observed, there is no fire-and-forget form. Once performs a single
// read with no further notification. Map visits every child once; the
// callback returns false to stop early.
type Node interface {
	Get(segment string) Node
	Put(ctx context.Context, value Value) error
	Once(ctx context.Context) (Value, error)
	Map(ctx context.Context, fn func(key string, value Value) bool) error
}

// Store is the root of the key tree.
type Store interface {
	Get(path string) Node
}

// Credentials is the store's native account primitive. Creation and
// authentication are separate operations with no atomicity between them.
type Credentials interface {
	CreateAccount(ctx context.Context, username, password string) (pub string, err error)
	Authenticate(ctx context.Context, username, password string) (pub string, err error)
	AuthenticateKeyPair(ctx context.Context, pair keyring.Pair) (pub string, err error)
	CurrentIdentity() (pub string, ok bool)
	Deauthenticate()
}

var (
	// ErrTimeout marks a store operation that lost its race against the
	// deadline. The losing operation keeps running detached; its late result
	// is discarded, never surfaced as an error.
	ErrTimeout = errors.New("store operation timed out")

	// ErrAccountExists is returned by CreateAccount when the credential
	// already exists on this replica. Absence of this error proves nothing
	// about other replicas.
	ErrAccountExists = errors.New("account already exists")

	// ErrBadCredentials covers both unknown usernames and wrong passwords;
	// callers must not be able to tell the cases apart.
	ErrBadCredentials = errors.New("unknown user or wrong credentials")
)
