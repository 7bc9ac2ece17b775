package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disqualifier/mailtime/pkg/types"
)

// LoadCache loads the cached records for an account. A missing cache file
// yields an empty cache, created on first access.
func (s *Store) LoadCache(email string) (*types.AccountCache, error) {
	cache := &types.AccountCache{AccountEmail: email}
	if err := s.Load(CacheKey(email), cache); err != nil {
		return nil, err
	}
	if cache.AccountEmail == "" {
		cache.AccountEmail = email
	}
	s.logger.WithFields(map[string]interface{}{
		"account": email,
		"count":   len(cache.Emails),
	}).Debug("Loaded account cache")
	return cache, nil
}

// SaveCache writes the full cache for an account, refreshing LastUpdated.
// Every save is a complete replace; the record list is re-serialized whole.
func (s *Store) SaveCache(cache *types.AccountCache) error {
	cache.LastUpdated = time.Now().Format(time.RFC3339)
	if err := s.Save(CacheKey(cache.AccountEmail), cache); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"account": cache.AccountEmail,
		"count":   len(cache.Emails),
	}).Info("Saved account cache")
	return nil
}

// ClearCache removes the cache file for one account.
func (s *Store) ClearCache(email string) error {
	if err := s.Delete(CacheKey(email)); err != nil {
		return err
	}
	s.logger.WithField("account", email).Info("Cleared account cache")
	return nil
}

// ClearAllCaches removes every account cache file in the store, including
// orphans left behind by accounts that no longer exist.
func (s *Store) ClearAllCaches() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*_emails.json"))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
		s.logger.WithField("file", filepath.Base(path)).Info("Removed cache file")
	}
	return nil
}
