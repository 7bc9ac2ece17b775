// Package store is the persistence gateway: a JSON key-value file store for
// per-account caches and the application configuration. It never retains
// loaded data between calls; callers own everything it returns.
package store

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ConfigKey is the key under which the application configuration lives.
const ConfigKey = "config.json"

// Store reads and writes JSON documents keyed by file name inside one
// directory.
type Store struct {
	dir    string
	logger *logrus.Logger
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	logger.WithField("path", dir).Info("Store initialized")
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the document at key into v. A missing key is not an error; v is
// left untouched so the caller's zero value acts as the empty default.
func (s *Store) Load(key string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Save writes v as indented JSON at key. The write goes through a temp file
// and rename so a crash mid-write never leaves a truncated document behind.
func (s *Store) Save(key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	path := filepath.Join(s.dir, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// Delete removes the document at key. Deleting a missing key succeeds.
func (s *Store) Delete(key string) error {
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// CacheKey returns the cache file key for an account. The email address is
// hashed rather than embedded: addresses contain filesystem-unsafe
// characters and the hash also dodges case-collision surprises.
func CacheKey(email string) string {
	sum := md5.Sum([]byte(email))
	return hex.EncodeToString(sum[:]) + "_emails.json"
}
