package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/internal/config"
	"github.com/disqualifier/mailtime/internal/store"
	"github.com/disqualifier/mailtime/pkg/types"
)

var (
	// ErrAccountBusy is returned when an operation is requested for an
	// account that already has one in flight.
	ErrAccountBusy = errors.New("an operation is already running for this account")

	// ErrDeletePending is returned when a deletion is requested while
	// another deletion is already waiting on a forced sync.
	ErrDeletePending = errors.New("a deletion is already pending for this account")

	// ErrEngineClosed is returned for operations requested after shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)

// Notifier is the upward surface of the engine: connection status changes,
// completed record batches, and terminal operation errors. Implementations
// must be safe for concurrent calls from multiple workers.
type Notifier interface {
	StatusChanged(account string, status Status)
	BatchCompleted(account string, records []types.MessageRecord)
	OperationFailed(account string, err error)
}

// Kind identifies what an operation does.
type Kind int

const (
	KindSyncFolder Kind = iota
	KindSyncAll
	KindDelete
	KindDiscover
)

func (k Kind) String() string {
	switch k {
	case KindSyncFolder:
		return "sync-folder"
	case KindSyncAll:
		return "sync-all"
	case KindDelete:
		return "delete"
	case KindDiscover:
		return "discover"
	default:
		return "unknown"
	}
}

// Operation is the handle for one in-flight unit of work. The ID is a uuid
// used only for log correlation.
type Operation struct {
	ID      string
	Kind    Kind
	Account string

	done    chan struct{}
	result  *Result
	folders []string
	err     error
}

// Wait blocks until the operation finishes and returns its result.
func (o *Operation) Wait() (*Result, error) {
	<-o.done
	return o.result, o.err
}

// Folders returns the discovered folder names once a discovery operation
// has finished.
func (o *Operation) Folders() ([]string, error) {
	<-o.done
	return o.folders, o.err
}

type pendingDelete struct {
	folder string
	id     string
}

// Engine schedules operations, one worker goroutine each, with single-slot
// occupancy per account: a second sync or delete for a busy account is
// rejected rather than queued. Completed batches flow through the
// Reconciler into the store and out through the Notifier.
type Engine struct {
	session    Syncer
	reconciler *Reconciler
	store      *store.Store
	notifier   Notifier
	logger     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	mu         stdsync.Mutex
	active     map[string]*Operation
	pending    map[string]pendingDelete
	lastStatus map[string]Status
	closed     bool
}

// NewEngine wires a session, reconciler and store behind a notifier.
func NewEngine(session Syncer, rec *Reconciler, st *store.Store, notifier Notifier, logger *logrus.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		session:    session,
		reconciler: rec,
		store:      st,
		notifier:   notifier,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]*Operation),
		pending:    make(map[string]pendingDelete),
		lastStatus: make(map[string]Status),
	}
}

func accountKey(email string) string { return strings.ToLower(email) }

// acquire claims the account's single operation slot.
func (e *Engine) acquire(kind Kind, email string) (*Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	key := accountKey(email)
	if _, busy := e.active[key]; busy {
		return nil, fmt.Errorf("account %s: %w", email, ErrAccountBusy)
	}
	op := &Operation{
		ID:      uuid.New().String(),
		Kind:    kind,
		Account: email,
		done:    make(chan struct{}),
	}
	e.active[key] = op
	return op, nil
}

func (e *Engine) release(op *Operation) {
	e.mu.Lock()
	delete(e.active, accountKey(op.Account))
	e.mu.Unlock()
	close(op.done)
}

func (e *Engine) setStatus(email string, status Status) {
	e.mu.Lock()
	e.lastStatus[accountKey(email)] = status
	e.mu.Unlock()
	e.notifier.StatusChanged(email, status)
}

func (e *Engine) status(email string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastStatus[accountKey(email)]
}

// SyncFolder starts a single-folder sync for the account.
func (e *Engine) SyncFolder(acct *config.Account, folder string) (*Operation, error) {
	op, err := e.acquire(KindSyncFolder, acct.Email)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(op)
		e.runSync(op, acct, folder, false)
	}()
	return op, nil
}

// SyncAll starts an all-folders sync for the account.
func (e *Engine) SyncAll(acct *config.Account) (*Operation, error) {
	op, err := e.acquire(KindSyncAll, acct.Email)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(op)
		e.runSync(op, acct, "", true)
	}()
	return op, nil
}

// DiscoverFolders starts a folder discovery for the account.
func (e *Engine) DiscoverFolders(acct *config.Account) (*Operation, error) {
	op, err := e.acquire(KindDiscover, acct.Email)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(op)
		log := e.opLogger(op)
		names, derr := e.session.DiscoverFolders(e.ctx, acct)
		if derr != nil {
			log.WithError(derr).Error("Folder discovery failed")
			e.notifier.OperationFailed(acct.Email, derr)
			op.err = derr
			return
		}
		op.folders = names
	}()
	return op, nil
}

// Delete requests deletion of one message. If the account's last known
// status is connected, the delete runs directly. Otherwise cached IDs may be
// stale, so the delete is parked in the account's single pending slot and a
// sync of the folder is forced first; the delete runs in the same worker
// once that sync completes.
func (e *Engine) Delete(acct *config.Account, folder, id string) (*Operation, error) {
	if e.status(acct.Email) == StatusConnected {
		op, err := e.acquire(KindDelete, acct.Email)
		if err != nil {
			return nil, err
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.release(op)
			e.runDelete(op, acct, folder, id)
		}()
		return op, nil
	}

	// Not connected: park the delete and force a sync first.
	e.mu.Lock()
	key := accountKey(acct.Email)
	if _, exists := e.pending[key]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("account %s: %w", acct.Email, ErrDeletePending)
	}
	e.pending[key] = pendingDelete{folder: folder, id: id}
	e.mu.Unlock()

	op, err := e.acquire(KindDelete, acct.Email)
	if err != nil {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(op)
		e.runForcedSyncThenDelete(op, acct)
	}()
	return op, nil
}

func (e *Engine) opLogger(op *Operation) *logrus.Entry {
	return e.logger.WithFields(logrus.Fields{
		"operation": op.ID,
		"kind":      op.Kind.String(),
		"account":   op.Account,
	})
}

// runSync performs the sync, reconciles the batch, and notifies.
func (e *Engine) runSync(op *Operation, acct *config.Account, folder string, allFolders bool) {
	log := e.opLogger(op)

	var res *Result
	var err error
	if allFolders {
		res, err = e.session.SyncAll(e.ctx, acct)
	} else {
		res, err = e.session.SyncFolder(e.ctx, acct, folder)
	}
	if err != nil {
		log.WithError(err).Error("Sync failed")
		e.setStatus(acct.Email, StatusDisconnected)
		e.notifier.OperationFailed(acct.Email, err)
		op.result = res
		op.err = err
		return
	}

	if _, rerr := e.reconciler.Reconcile(acct.Email, res.Records); rerr != nil {
		// In-memory records stay authoritative; the save failure is
		// surfaced but does not fail the sync.
		log.WithError(rerr).Error("Failed to persist cache")
		e.notifier.OperationFailed(acct.Email, rerr)
	}

	e.setStatus(acct.Email, StatusConnected)
	e.notifier.BatchCompleted(acct.Email, res.Records)
	op.result = res
}

// runDelete deletes on the server, discards the account cache, and resyncs
// the folder exactly once so every cached ID is fresh post-expunge.
func (e *Engine) runDelete(op *Operation, acct *config.Account, folder, id string) {
	log := e.opLogger(op)

	if err := e.session.DeleteMessage(e.ctx, acct, folder, id); err != nil {
		log.WithError(err).Error("Delete failed")
		e.notifier.OperationFailed(acct.Email, err)
		op.err = err
		return
	}

	// Expunge renumbers the remaining messages, so every cached ID for
	// this account is suspect. Discard, do not patch.
	if err := e.store.ClearCache(acct.Email); err != nil {
		log.WithError(err).Error("Failed to clear cache after delete")
		e.notifier.OperationFailed(acct.Email, err)
	}

	res, err := e.session.SyncFolder(e.ctx, acct, folder)
	if err != nil {
		log.WithError(err).Error("Post-delete resync failed")
		e.setStatus(acct.Email, StatusDisconnected)
		e.notifier.OperationFailed(acct.Email, err)
		op.err = err
		return
	}

	if _, rerr := e.reconciler.Reconcile(acct.Email, res.Records); rerr != nil {
		log.WithError(rerr).Error("Failed to persist cache")
		e.notifier.OperationFailed(acct.Email, rerr)
	}

	e.setStatus(acct.Email, StatusConnected)
	e.notifier.BatchCompleted(acct.Email, res.Records)
	op.result = res
}

// runForcedSyncThenDelete handles the not-connected delete path: sync the
// pending folder first so IDs are fresh, then run the parked delete.
func (e *Engine) runForcedSyncThenDelete(op *Operation, acct *config.Account) {
	log := e.opLogger(op)
	key := accountKey(acct.Email)

	e.mu.Lock()
	pd, ok := e.pending[key]
	e.mu.Unlock()
	if !ok {
		op.err = fmt.Errorf("account %s: pending deletion vanished", acct.Email)
		return
	}

	log.WithFields(logrus.Fields{
		"folder": pd.folder,
		"id":     pd.id,
	}).Info("Forcing sync before pending delete")

	// The pending slot stays occupied until the parked delete is consumed,
	// so a second delete request during the forced sync is still rejected.
	res, err := e.session.SyncFolder(e.ctx, acct, pd.folder)
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("Forced sync failed; pending delete dropped")
		e.setStatus(acct.Email, StatusDisconnected)
		e.notifier.OperationFailed(acct.Email, err)
		op.err = err
		return
	}
	e.setStatus(acct.Email, StatusConnected)
	e.notifier.BatchCompleted(acct.Email, res.Records)

	e.runDelete(op, acct, pd.folder, pd.id)
}

// ViewCache returns the persisted records for an account without touching
// the network, with status "cache".
func (e *Engine) ViewCache(email string) (*Result, error) {
	cache, err := e.store.LoadCache(email)
	if err != nil {
		return nil, err
	}
	return &Result{Records: cache.Emails, Status: StatusCache}, nil
}

// Close shuts the engine down: in-flight workers get the grace period to
// finish, then are abandoned. New operations are rejected immediately.
func (e *Engine) Close(grace time.Duration) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Engine shut down cleanly")
		return nil
	case <-time.After(grace):
		e.logger.Warn("Shutdown grace period expired; abandoning workers")
		return fmt.Errorf("shutdown timed out after %s", grace)
	}
}
