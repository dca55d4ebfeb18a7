package memstore

import (
	"context"
	"strings"
	"sync"

	"trellis/internal/keyring"
	"trellis/internal/store"
)

// Credentials mimics the store's native account primitive: the credential
// key pair is derived deterministically from the username and password, so
// authenticating recomputes the pair and compares public keys. Like the real
// primitive it has no uniqueness guarantee beyond this single replica.
type Credentials struct {
	mu       sync.Mutex
	accounts map[string]string // normalized username -> pub
	current  string
}

func NewCredentials() *Credentials {
	return &Credentials{accounts: make(map[string]string)}
}

func (c *Credentials) CreateAccount(ctx context.Context, username, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	username = normalize(username)
	pub, err := derivePub(username, password)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.accounts[username]; exists {
		return "", store.ErrAccountExists
	}
	c.accounts[username] = pub
	return pub, nil
}

func (c *Credentials) Authenticate(ctx context.Context, username, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	username = normalize(username)
	pub, err := derivePub(username, password)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	stored, exists := c.accounts[username]
	if !exists || stored != pub {
		return "", store.ErrBadCredentials
	}
	c.current = pub
	return pub, nil
}

func (c *Credentials) AuthenticateKeyPair(ctx context.Context, pair keyring.Pair) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(pair.Pub) == "" || strings.TrimSpace(pair.Priv) == "" {
		return "", store.ErrBadCredentials
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = pair.Pub
	return pair.Pub, nil
}

func (c *Credentials) CurrentIdentity() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current != ""
}

func (c *Credentials) Deauthenticate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = ""
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func derivePub(username, password string) (string, error) {
	bundle, err := keyring.Derive([]byte(password), []string{username}, keyring.Options{P256: true})
	if err != nil {
		return "", err
	}
	return bundle.P256.Pub, nil
}
