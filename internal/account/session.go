package account

import (
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"trellis/internal/keyring"
	"trellis/internal/securestore"
)

// Fixed storage keys for client-local state. The session blob holds the
// login session; the recall blob holds the key pair needed to restore a
// pair-based identity after a restart. Both are encrypted, neither is ever
// written to the replicated store.
const (
	sessionBlobName = "session.json.enc"
	recallBlobName  = "recall.json.enc"

	sessionSubkeyInfo = "trellis/session/v1"
	recallSubkeyInfo  = "trellis/recall/v1"
)

// SessionRecord is persisted on successful login and destroyed on logout or
// expiry.
type SessionRecord struct {
	ID        string        `json:"id"`
	Username  string        `json:"username"`
	PublicKey string        `json:"userPublicKey"`
	KeyPair   *keyring.Pair `json:"keyPair,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// SessionStore persists session state under a directory, one encrypted blob
// per fixed key. A nil store disables persistence: every method is a no-op.
type SessionStore struct {
	dir    string
	secret string
	now    func() time.Time
}

func NewSessionStore(dir, secret string) *SessionStore {
	if !securestore.IsStorageConfigured(dir, secret) {
		return nil
	}
	return &SessionStore{dir: dir, secret: secret, now: time.Now}
}

func (s *SessionStore) Save(record SessionRecord) error {
	if s == nil {
		return nil
	}
	passphrase, err := securestore.SubkeyPassphrase(s.secret, sessionSubkeyInfo)
	if err != nil {
		return err
	}
	return securestore.WriteEncryptedJSON(filepath.Join(s.dir, sessionBlobName), passphrase, record)
}

// Load returns the persisted session, or nil when none exists or the stored
// one has expired. An expired session is destroyed on the way out.
func (s *SessionStore) Load() (*SessionRecord, error) {
	if s == nil {
		return nil, nil
	}
	var record SessionRecord
	path := filepath.Join(s.dir, sessionBlobName)
	passphrase, err := securestore.SubkeyPassphrase(s.secret, sessionSubkeyInfo)
	if err != nil {
		return nil, err
	}
	if err := securestore.ReadDecryptedJSON(path, passphrase, &record); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !record.ExpiresAt.IsZero() && !s.now().Before(record.ExpiresAt) {
		_ = securestore.RemoveBlob(path)
		return nil, nil
	}
	return &record, nil
}

func (s *SessionStore) SaveKeyPair(pair keyring.Pair) error {
	if s == nil {
		return nil
	}
	passphrase, err := securestore.SubkeyPassphrase(s.secret, recallSubkeyInfo)
	if err != nil {
		return err
	}
	return securestore.WriteEncryptedJSON(filepath.Join(s.dir, recallBlobName), passphrase, pair)
}

func (s *SessionStore) LoadKeyPair() (*keyring.Pair, error) {
	if s == nil {
		return nil, nil
	}
	var pair keyring.Pair
	passphrase, err := securestore.SubkeyPassphrase(s.secret, recallSubkeyInfo)
	if err != nil {
		return nil, err
	}
	if err := securestore.ReadDecryptedJSON(filepath.Join(s.dir, recallBlobName), passphrase, &pair); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &pair, nil
}

// Clear destroys both blobs.
func (s *SessionStore) Clear() error {
	if s == nil {
		return nil
	}
	if err := securestore.RemoveBlob(filepath.Join(s.dir, sessionBlobName)); err != nil {
		return err
	}
	return securestore.RemoveBlob(filepath.Join(s.dir, recallBlobName))
}
