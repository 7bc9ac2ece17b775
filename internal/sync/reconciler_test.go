package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disqualifier/mailtime/internal/store"
	"github.com/disqualifier/mailtime/pkg/types"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir(), quietLogger())
	require.NoError(t, err)
	return st
}

func batch() []types.MessageRecord {
	return []types.MessageRecord{
		{ID: "1", From: "a@b.c", Subject: "first", Date: "2024-01-02 10:00"},
		{ID: "2", From: "a@b.c", Subject: "second", Date: "2024-01-02 11:00"},
	}
}

func TestMergeAddsNewRecords(t *testing.T) {
	cache := &types.AccountCache{AccountEmail: "user@example.com"}
	added := Merge(cache, batch(), quietLogger())
	assert.Equal(t, 2, added)
	assert.Len(t, cache.Emails, 2)
}

func TestMergeIsIdempotent(t *testing.T) {
	cache := &types.AccountCache{AccountEmail: "user@example.com"}
	Merge(cache, batch(), quietLogger())

	added := Merge(cache, batch(), quietLogger())
	assert.Equal(t, 0, added)
	assert.Len(t, cache.Emails, 2)
}

func TestMergeFirstRecordWinsForDuplicateKey(t *testing.T) {
	cache := &types.AccountCache{AccountEmail: "user@example.com"}

	first := types.MessageRecord{ID: "1", From: "a@b.c", Subject: "same", BodyText: "original body"}
	second := types.MessageRecord{ID: "1", From: "a@b.c", Subject: "same", BodyText: "different body"}

	added := Merge(cache, []types.MessageRecord{first, second}, quietLogger())
	assert.Equal(t, 1, added)
	require.Len(t, cache.Emails, 1)
	assert.Equal(t, "original body", cache.Emails[0].BodyText)
}

func TestMergePreservesCachedFields(t *testing.T) {
	cache := &types.AccountCache{
		AccountEmail: "user@example.com",
		Emails: []types.MessageRecord{
			{ID: "1", From: "a@b.c", Subject: "same", BodyText: "cached body"},
		},
	}

	refetch := []types.MessageRecord{
		{ID: "1", From: "a@b.c", Subject: "same", BodyText: "new body"},
	}
	added := Merge(cache, refetch, quietLogger())
	assert.Equal(t, 0, added)
	assert.Equal(t, "cached body", cache.Emails[0].BodyText)
}

func TestReconcilePersistsAdditions(t *testing.T) {
	st := testStore(t)
	r := NewReconciler(st, quietLogger())

	added, err := r.Reconcile("user@example.com", batch())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	cache, err := st.LoadCache("user@example.com")
	require.NoError(t, err)
	assert.Len(t, cache.Emails, 2)
}

func TestReconcileUnchangedBatchWritesNothing(t *testing.T) {
	st := testStore(t)
	r := NewReconciler(st, quietLogger())

	_, err := r.Reconcile("user@example.com", batch())
	require.NoError(t, err)

	// Age the cache file; an untouched mtime after the second reconcile
	// proves no rewrite happened.
	path := filepath.Join(st.Dir(), store.CacheKey("user@example.com"))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	added, err := r.Reconcile("user@example.com", batch())
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Before(time.Now().Add(-time.Minute)), "cache file must not be rewritten")
}

func TestReconcileAppendsAcrossBatches(t *testing.T) {
	st := testStore(t)
	r := NewReconciler(st, quietLogger())

	_, err := r.Reconcile("user@example.com", batch())
	require.NoError(t, err)

	more := []types.MessageRecord{
		{ID: "3", From: "d@e.f", Subject: "third", Date: "2024-01-02 12:00"},
	}
	added, err := r.Reconcile("user@example.com", more)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	cache, err := st.LoadCache("user@example.com")
	require.NoError(t, err)
	assert.Len(t, cache.Emails, 3)
	// Existing order preserved; new records appended.
	assert.Equal(t, "1", cache.Emails[0].ID)
	assert.Equal(t, "3", cache.Emails[2].ID)
}
