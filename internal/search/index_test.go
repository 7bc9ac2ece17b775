package search

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disqualifier/mailtime/pkg/types"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	idx, err := Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() }) //nolint:errcheck
	return idx
}

func records() []types.MessageRecord {
	return []types.MessageRecord{
		{ID: "1", From: "alice@example.com", Subject: "Quarterly report", Date: "2024-01-02 10:00", BodyText: "numbers attached", Folder: "INBOX"},
		{ID: "2", From: "bob@example.com", Subject: "Lunch?", Date: "2024-01-03 11:00", BodyText: "thinking pizza", Folder: "INBOX"},
		{ID: "3", From: "alice@example.com", Subject: "Re: Lunch?", Date: "2024-01-04 12:00", BodyText: "pizza works", Folder: "Sent Items"},
	}
}

func TestRebuildAndQuery(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Rebuild("user@example.com", records()))

	hits, err := idx.Query("", "pizza", 50)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	// Newest first.
	assert.Equal(t, "3", hits[0].Record.ID)
	assert.Equal(t, "2", hits[1].Record.ID)
}

func TestQueryMatchesSubjectAndSender(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Rebuild("user@example.com", records()))

	bySubject, err := idx.Query("", "Quarterly", 50)
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, "1", bySubject[0].Record.ID)

	bySender, err := idx.Query("", "alice", 50)
	require.NoError(t, err)
	assert.Len(t, bySender, 2)
}

func TestQueryScopedToAccount(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Rebuild("one@example.com", records()[:1]))
	require.NoError(t, idx.Rebuild("two@example.com", records()[1:]))

	hits, err := idx.Query("one@example.com", "example", 50)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "one@example.com", hits[0].AccountEmail)
}

func TestQueryLimit(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Rebuild("user@example.com", records()))

	hits, err := idx.Query("", "example", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestRebuildReplaces(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Rebuild("user@example.com", records()))
	require.NoError(t, idx.Rebuild("user@example.com", records()[:1]))

	hits, err := idx.Query("user@example.com", "example", 50)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestQueryNoMatches(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Rebuild("user@example.com", records()))

	hits, err := idx.Query("", "zebra", 50)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
