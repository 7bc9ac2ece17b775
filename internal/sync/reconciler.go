package sync

import (
	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/internal/store"
	"github.com/disqualifier/mailtime/pkg/types"
)

// Reconciler merges freshly fetched records into the persisted per-account
// caches. Identity is the (id, subject, from) triple; the first record seen
// for a key wins, so existing cached fields are never overwritten by a
// refetch.
type Reconciler struct {
	store  *store.Store
	logger *logrus.Logger
}

func NewReconciler(st *store.Store, logger *logrus.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// Merge appends the batch records not already present in the cache and
// returns how many were added. The cache's existing order is preserved; new
// records land at the end in batch order. Duplicate keys inside the batch
// itself also collapse to the first occurrence.
func Merge(cache *types.AccountCache, batch []types.MessageRecord, logger *logrus.Logger) int {
	seen := cache.Keys()
	added := 0
	for _, rec := range batch {
		key := rec.Key()
		if _, ok := seen[key]; ok {
			logger.WithFields(logrus.Fields{
				"id":      rec.ID,
				"subject": rec.Subject,
			}).Debug("Skipping duplicate record")
			continue
		}
		seen[key] = struct{}{}
		cache.Emails = append(cache.Emails, rec)
		added++
	}
	return added
}

// Reconcile loads the account cache, merges the batch, and persists the
// result. The cache file is only rewritten when the merge actually added
// records; a batch of pure duplicates leaves the file untouched.
func (r *Reconciler) Reconcile(email string, batch []types.MessageRecord) (int, error) {
	cache, err := r.store.LoadCache(email)
	if err != nil {
		return 0, err
	}

	added := Merge(cache, batch, r.logger)
	if added == 0 {
		r.logger.WithField("account", email).Debug("No new records; cache unchanged")
		return 0, nil
	}

	if err := r.store.SaveCache(cache); err != nil {
		return 0, err
	}
	r.logger.WithFields(logrus.Fields{
		"account": email,
		"added":   added,
		"total":   len(cache.Emails),
	}).Info("Reconciled cache")
	return added, nil
}
