package securestore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// IsStorageConfigured reports whether encrypted persistence is configured.
func IsStorageConfigured(path, secret string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(secret) != ""
}

// ReadDecryptedJSON reads, decrypts and unmarshals a blob into v. A missing
// file reports fs.ErrNotExist unchanged so callers can treat it as "no state
// yet".
func ReadDecryptedJSON(path, secret string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	payload, err := Decrypt(secret, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// WriteEncryptedJSON marshals, encrypts and writes a JSON payload, creating
// the parent directory with owner-only permissions.
func WriteEncryptedJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(secret, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

// RemoveBlob deletes a persisted blob; an already-absent file is not an
// error.
func RemoveBlob(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
