package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disqualifier/mailtime/internal/config"
	"github.com/disqualifier/mailtime/internal/store"
	"github.com/disqualifier/mailtime/pkg/types"
)

// fakeSyncer scripts session behavior and records the call sequence.
type fakeSyncer struct {
	mu        stdsync.Mutex
	calls     []string
	records   []types.MessageRecord
	folders   []string
	syncErr   error
	deleteErr error
	block     chan struct{} // when set, SyncFolder waits on it
}

func (f *fakeSyncer) record(call string) (records []types.MessageRecord, block chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.records, f.block
}

func (f *fakeSyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSyncer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSyncer) setRecords(records []types.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeSyncer) SyncFolder(ctx context.Context, acct *config.Account, folder string) (*Result, error) {
	records, block := f.record("sync:" + folder)
	if block != nil {
		<-block
	}
	if f.syncErr != nil {
		return &Result{Status: StatusDisconnected}, f.syncErr
	}
	return &Result{Records: records, Status: StatusConnected}, nil
}

func (f *fakeSyncer) SyncAll(ctx context.Context, acct *config.Account) (*Result, error) {
	records, _ := f.record("sync-all")
	if f.syncErr != nil {
		return &Result{Status: StatusDisconnected}, f.syncErr
	}
	return &Result{Records: records, Status: StatusConnected}, nil
}

func (f *fakeSyncer) DiscoverFolders(ctx context.Context, acct *config.Account) ([]string, error) {
	f.record("discover")
	return f.folders, nil
}

func (f *fakeSyncer) DeleteMessage(ctx context.Context, acct *config.Account, folder, id string) error {
	f.record("delete:" + id)
	return f.deleteErr
}

// recordingNotifier captures engine events.
type recordingNotifier struct {
	mu       stdsync.Mutex
	statuses []Status
	batches  int
	errs     []error
}

func (n *recordingNotifier) StatusChanged(account string, status Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *recordingNotifier) BatchCompleted(account string, records []types.MessageRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches++
}

func (n *recordingNotifier) OperationFailed(account string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) lastStatus() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.statuses) == 0 {
		return StatusDisconnected
	}
	return n.statuses[len(n.statuses)-1]
}

func testEngine(t *testing.T, syncer Syncer) (*Engine, *store.Store, *recordingNotifier) {
	t.Helper()
	st, err := store.New(t.TempDir(), quietLogger())
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	engine := NewEngine(syncer, NewReconciler(st, quietLogger()), st, notifier, quietLogger())
	return engine, st, notifier
}

func account() *config.Account {
	return &config.Account{Email: "user@example.com", Host: "imap.example.com"}
}

func TestEngineSyncReconcilesAndNotifies(t *testing.T) {
	syncer := &fakeSyncer{records: []types.MessageRecord{
		{ID: "1", From: "a@b.c", Subject: "hello"},
	}}
	engine, st, notifier := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op, err := engine.SyncFolder(account(), "INBOX")
	require.NoError(t, err)
	res, err := op.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, res.Status)

	cache, err := st.LoadCache("user@example.com")
	require.NoError(t, err)
	assert.Len(t, cache.Emails, 1)
	assert.Equal(t, StatusConnected, notifier.lastStatus())
	assert.Equal(t, 1, notifier.batches)
}

func TestEngineSyncFailureNotifies(t *testing.T) {
	syncer := &fakeSyncer{syncErr: errors.New("all 3 attempts failed: connection refused")}
	engine, _, notifier := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op, err := engine.SyncFolder(account(), "INBOX")
	require.NoError(t, err)
	_, err = op.Wait()
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, notifier.lastStatus())
	require.Len(t, notifier.errs, 1)
	assert.Contains(t, notifier.errs[0].Error(), "connection refused")
}

func TestEngineSingleSlotPerAccount(t *testing.T) {
	block := make(chan struct{})
	syncer := &fakeSyncer{block: block}
	engine, _, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op1, err := engine.SyncFolder(account(), "INBOX")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return syncer.callCount() == 1 },
		time.Second, time.Millisecond)

	_, err = engine.SyncFolder(account(), "INBOX")
	require.ErrorIs(t, err, ErrAccountBusy)

	close(block)
	_, err = op1.Wait()
	require.NoError(t, err)

	// The slot frees once the first operation finishes.
	op3, err := engine.SyncFolder(account(), "INBOX")
	require.NoError(t, err)
	_, err = op3.Wait()
	require.NoError(t, err)
}

func TestEngineAllowsConcurrentAccounts(t *testing.T) {
	block := make(chan struct{})
	syncer := &fakeSyncer{block: block}
	engine, _, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op1, err := engine.SyncFolder(&config.Account{Email: "one@example.com", Host: "h"}, "INBOX")
	require.NoError(t, err)
	op2, err := engine.SyncFolder(&config.Account{Email: "two@example.com", Host: "h"}, "INBOX")
	require.NoError(t, err)

	close(block)
	_, err = op1.Wait()
	require.NoError(t, err)
	_, err = op2.Wait()
	require.NoError(t, err)
}

func TestEngineDeleteWhenConnectedResyncsOnce(t *testing.T) {
	syncer := &fakeSyncer{records: []types.MessageRecord{
		{ID: "1", From: "a@b.c", Subject: "stale"},
	}}
	engine, st, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	// Establish the connected status with an initial sync.
	op, err := engine.SyncFolder(account(), "INBOX")
	require.NoError(t, err)
	_, err = op.Wait()
	require.NoError(t, err)

	// The resync after the delete sees fresh server-side IDs.
	syncer.setRecords([]types.MessageRecord{
		{ID: "2", From: "a@b.c", Subject: "fresh"},
	})

	del, err := engine.Delete(account(), "INBOX", "42")
	require.NoError(t, err)
	_, err = del.Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{"sync:INBOX", "delete:42", "sync:INBOX"}, syncer.callLog(),
		"exactly one resync after the delete")

	// The whole cache was discarded, not patched: only resync records remain.
	cache, err := st.LoadCache("user@example.com")
	require.NoError(t, err)
	require.Len(t, cache.Emails, 1)
	assert.Equal(t, "2", cache.Emails[0].ID)
}

func TestEngineDeleteWhenNotConnectedForcesSyncFirst(t *testing.T) {
	syncer := &fakeSyncer{}
	engine, _, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op, err := engine.Delete(account(), "INBOX", "7")
	require.NoError(t, err)
	_, err = op.Wait()
	require.NoError(t, err)

	assert.Equal(t, []string{"sync:INBOX", "delete:7", "sync:INBOX"}, syncer.callLog(),
		"forced sync, then the deferred delete, then the resync")
}

func TestEngineSecondPendingDeleteRejected(t *testing.T) {
	block := make(chan struct{})
	syncer := &fakeSyncer{block: block}
	engine, _, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op, err := engine.Delete(account(), "INBOX", "7")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return syncer.callCount() == 1 },
		time.Second, time.Millisecond)

	_, err = engine.Delete(account(), "INBOX", "8")
	require.ErrorIs(t, err, ErrDeletePending)

	close(block)
	_, err = op.Wait()
	require.NoError(t, err)
}

func TestEngineDeleteFailureKeepsCache(t *testing.T) {
	syncer := &fakeSyncer{records: []types.MessageRecord{
		{ID: "1", From: "a@b.c", Subject: "keep me"},
	}}
	engine, st, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op, err := engine.SyncFolder(account(), "INBOX")
	require.NoError(t, err)
	_, err = op.Wait()
	require.NoError(t, err)

	syncer.deleteErr = errors.New("expunge rejected")
	del, err := engine.Delete(account(), "INBOX", "42")
	require.NoError(t, err)
	_, err = del.Wait()
	require.Error(t, err)

	cache, err := st.LoadCache("user@example.com")
	require.NoError(t, err)
	assert.Len(t, cache.Emails, 1, "a failed delete must not touch the cache")
}

func TestEngineDiscoverFolders(t *testing.T) {
	syncer := &fakeSyncer{folders: []string{"INBOX", "Sent Items"}}
	engine, _, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	op, err := engine.DiscoverFolders(account())
	require.NoError(t, err)
	names, err := op.Folders()
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX", "Sent Items"}, names)
}

func TestEngineViewCache(t *testing.T) {
	syncer := &fakeSyncer{}
	engine, st, _ := testEngine(t, syncer)
	defer engine.Close(time.Second) //nolint:errcheck

	require.NoError(t, st.SaveCache(&types.AccountCache{
		AccountEmail: "user@example.com",
		Emails:       []types.MessageRecord{{ID: "1", Subject: "cached"}},
	}))

	res, err := engine.ViewCache("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusCache, res.Status)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 0, syncer.callCount(), "viewing the cache must not touch the network")
}

func TestEngineCloseRejectsNewOperations(t *testing.T) {
	syncer := &fakeSyncer{}
	engine, _, _ := testEngine(t, syncer)
	require.NoError(t, engine.Close(time.Second))

	_, err := engine.SyncFolder(account(), "INBOX")
	require.ErrorIs(t, err, ErrEngineClosed)
}
