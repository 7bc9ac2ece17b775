// Package sync implements the synchronization engine: the per-folder sync
// session, the cache reconciler, the delete coordinator and the per-account
// operation scheduling.
package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"

	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/internal/config"
	"github.com/disqualifier/mailtime/internal/folders"
	"github.com/disqualifier/mailtime/internal/mail"
	"github.com/disqualifier/mailtime/pkg/types"
)

// State tracks where a session is in the connect-through-fetch sequence.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSelectingFolder
	StateFetching
	StateCompleted
	StateAllFoldersCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSelectingFolder:
		return "selecting-folder"
	case StateFetching:
		return "fetching"
	case StateCompleted:
		return "completed"
	case StateAllFoldersCompleted:
		return "all-folders-completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the tri-state connection status surfaced upward.
type Status int

const (
	// StatusDisconnected means all retries were exhausted or the operation
	// failed outright.
	StatusDisconnected Status = iota
	// StatusCache means no live fetch was performed; persisted cache is
	// being shown.
	StatusCache
	// StatusConnected means a fresh fetch succeeded.
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusCache:
		return "cache"
	default:
		return "disconnected"
	}
}

// Result is the outcome of one sync operation.
type Result struct {
	Records []types.MessageRecord
	Status  Status
}

// Syncer is the session surface the engine drives. It exists as an
// interface so engine scheduling can be tested without a server.
type Syncer interface {
	SyncFolder(ctx context.Context, acct *config.Account, folder string) (*Result, error)
	SyncAll(ctx context.Context, acct *config.Account) (*Result, error)
	DiscoverFolders(ctx context.Context, acct *config.Account) ([]string, error)
	DeleteMessage(ctx context.Context, acct *config.Account, folder, id string) error
}

// Session performs sync operations for accounts. Folders inside one
// operation are visited strictly sequentially; concurrency across accounts
// is the engine's business, not the session's.
type Session struct {
	cfg      *config.Config
	dial     mail.DialFunc
	fetcher  *mail.Fetcher
	resolver *folders.Resolver
	logger   *logrus.Logger

	// Schedule applies to sync operations, DeleteRetry to deletes.
	Schedule    Schedule
	DeleteRetry Schedule

	mu    stdsync.Mutex
	state State
}

// NewSession creates a session with the stock retry schedules.
func NewSession(cfg *config.Config, dial mail.DialFunc, logger *logrus.Logger) *Session {
	return &Session{
		cfg:         cfg,
		dial:        dial,
		fetcher:     mail.NewFetcher(cfg.Limits.FetchCap, cfg.Limits.PreviewChars, logger),
		resolver:    folders.NewResolver(cfg.ExcludeFolders, logger),
		logger:      logger,
		Schedule:    SyncSchedule(),
		DeleteRetry: DeleteSchedule(),
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.WithField("state", st.String()).Debug("Session state changed")
}

// SyncFolder syncs a single folder for an account, retrying the whole
// connect-through-fetch sequence under the sync schedule. An account with no
// configured host fails immediately, before any connection attempt.
func (s *Session) SyncFolder(ctx context.Context, acct *config.Account, folder string) (*Result, error) {
	ep, err := s.cfg.Endpoint(acct)
	if err != nil {
		s.setState(StateFailed)
		return &Result{Status: StatusDisconnected}, fmt.Errorf("account %s: %w", acct.Email, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"account": acct.Email,
		"folder":  folder,
	})
	log.Info("Starting folder sync")

	records, err := runSchedule(ctx, s.Schedule, log, func(ctx context.Context) ([]types.MessageRecord, error) {
		return s.fetchFolderOnce(acct, ep, folder)
	})
	if err != nil {
		s.setState(StateFailed)
		return &Result{Status: StatusDisconnected}, err
	}

	s.setState(StateCompleted)
	log.WithField("count", len(records)).Info("Folder sync completed")
	return &Result{Records: records, Status: StatusConnected}, nil
}

// fetchFolderOnce walks the full state sequence for one folder on a fresh
// connection.
func (s *Session) fetchFolderOnce(acct *config.Account, ep config.Endpoint, folder string) ([]types.MessageRecord, error) {
	s.setState(StateConnecting)
	conn, err := s.dial(ep)
	if err != nil {
		return nil, err
	}
	defer conn.Logout() //nolint:errcheck

	s.setState(StateAuthenticating)
	if err := conn.Login(acct.Email, acct.Password); err != nil {
		return nil, err
	}

	s.setState(StateSelectingFolder)
	if err := conn.Select(folder); err != nil {
		return nil, err
	}

	s.setState(StateFetching)
	strategy := mail.PickStrategy(acct.Email, ep.Host)
	return s.fetcher.FetchFolder(conn, strategy, folder)
}

// DiscoverFolders lists and resolves the folder set for an account. A
// listing that resolves to nothing is not an error; the caller falls back to
// the default folder.
func (s *Session) DiscoverFolders(ctx context.Context, acct *config.Account) ([]string, error) {
	ep, err := s.cfg.Endpoint(acct)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.Email, err)
	}

	log := s.logger.WithField("account", acct.Email)

	names, err := runSchedule(ctx, s.Schedule, log, func(ctx context.Context) ([]string, error) {
		s.setState(StateConnecting)
		conn, dialErr := s.dial(ep)
		if dialErr != nil {
			return nil, dialErr
		}
		defer conn.Logout() //nolint:errcheck

		s.setState(StateAuthenticating)
		if loginErr := conn.Login(acct.Email, acct.Password); loginErr != nil {
			return nil, loginErr
		}

		lines, listErr := conn.ListRaw()
		if listErr != nil {
			return nil, listErr
		}
		return s.resolver.Resolve(lines), nil
	})
	if err != nil {
		s.setState(StateFailed)
		return nil, err
	}

	s.setState(StateCompleted)
	log.WithField("folders", names).Info("Discovered folders")
	return names, nil
}

// SyncAll expands to every discovered folder (capped), syncs each one
// sequentially on the same schedule, tags records with their source folder,
// and returns the combined result sorted by display date descending and
// capped. A folder that fails all its retries is skipped; the operation only
// fails outright when every folder does.
func (s *Session) SyncAll(ctx context.Context, acct *config.Account) (*Result, error) {
	if _, err := s.cfg.Endpoint(acct); err != nil {
		s.setState(StateFailed)
		return &Result{Status: StatusDisconnected}, fmt.Errorf("account %s: %w", acct.Email, err)
	}

	names, err := s.DiscoverFolders(ctx, acct)
	if err != nil {
		s.setState(StateFailed)
		return &Result{Status: StatusDisconnected}, err
	}
	if len(names) == 0 {
		// No folders discovered; not an error. Fall back to the default.
		names = []string{"Inbox"}
	}
	if len(names) > s.cfg.Limits.FolderCap {
		names = names[:s.cfg.Limits.FolderCap]
	}

	log := s.logger.WithField("account", acct.Email)
	log.WithField("folders", names).Info("Starting all-folders sync")

	var combined []types.MessageRecord
	var lastErr error
	succeeded := 0

	for _, folder := range names {
		// Sequential on purpose: one connection's worth of load per server,
		// and the combined slice needs no locking.
		res, folderErr := s.SyncFolder(ctx, acct, folder)
		if folderErr != nil {
			log.WithError(folderErr).WithField("folder", folder).Warn("Failed to sync folder")
			lastErr = folderErr
			continue
		}
		combined = append(combined, res.Records...)
		succeeded++
	}

	if succeeded == 0 {
		s.setState(StateFailed)
		return &Result{Status: StatusDisconnected}, fmt.Errorf("all folders failed: %w", lastErr)
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Date > combined[j].Date
	})
	if len(combined) > s.cfg.Limits.CombinedCap {
		combined = combined[:s.cfg.Limits.CombinedCap]
	}

	s.setState(StateAllFoldersCompleted)
	log.WithField("count", len(combined)).Info("All folders synced")
	return &Result{Records: combined, Status: StatusConnected}, nil
}
