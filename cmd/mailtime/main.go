package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/disqualifier/mailtime/internal/config"
	"github.com/disqualifier/mailtime/internal/mail"
	"github.com/disqualifier/mailtime/internal/search"
	"github.com/disqualifier/mailtime/internal/store"
	"github.com/disqualifier/mailtime/internal/sync"
	"github.com/disqualifier/mailtime/pkg/types"
)

var version = "dev"

var (
	configDir   = pflag.String("config-dir", "", "Configuration and cache directory (default ~/.mailtime)")
	logLevel    = pflag.String("log-level", "", "Log level (overrides configuration)")
	accountFlag = pflag.String("account", "", "Account email address")
	folderFlag  = pflag.String("folder", "INBOX", "Folder name")
	allFlag     = pflag.Bool("all", false, "Sync all discovered folders")
	limitFlag   = pflag.Int("limit", 50, "Maximum search results")
	showVersion = pflag.Bool("version", false, "Show version information")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mailtime [flags] <command> [args]

Commands:
  sync              Sync one folder (or --all folders) for --account
  folders           Discover folders for --account
  delete <id>       Delete a message by id from --folder of --account
  search <term>     Search cached messages
  import <file>     Import accounts from an email:password list
  cached            Show cached messages for --account without connecting
  accounts          List configured accounts
  hide | unhide     Toggle visibility of --account
  clear-cache       Remove every cached message file

Flags:
`)
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage
	pflag.Parse()

	if *showVersion {
		fmt.Printf("mailtime version %s\n", version)
		os.Exit(0)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	dir := *configDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.WithError(err).Fatal("Failed to resolve home directory")
		}
		dir = filepath.Join(home, ".mailtime")
	}

	st, err := store.New(dir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}

	cfg := config.Default()
	if err := st.Load(store.ConfigKey, cfg); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	levelName := cfg.LogLevel
	if *logLevel != "" {
		levelName = *logLevel
	}
	if level, perr := logrus.ParseLevel(levelName); perr == nil {
		logger.SetLevel(level)
	}

	if pflag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := pflag.Arg(0)

	session := sync.NewSession(cfg, mail.Dialer(logger), logger)
	reconciler := sync.NewReconciler(st, logger)
	engine := sync.NewEngine(session, reconciler, st, &logNotifier{logger: logger}, logger)

	// A signal during a long-running operation triggers the bounded
	// shutdown instead of leaving a worker mid-expunge.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("Shutting down")
		engine.Close(10 * time.Second) //nolint:errcheck
		os.Exit(1)
	}()

	var cmdErr error
	switch command {
	case "sync":
		cmdErr = runSync(engine, cfg, st, logger)
	case "folders":
		cmdErr = runFolders(engine, cfg)
	case "delete":
		cmdErr = runDelete(engine, cfg)
	case "search":
		cmdErr = runSearch(st, cfg, logger)
	case "import":
		cmdErr = runImport(st, cfg, logger)
	case "cached":
		cmdErr = runCached(engine, cfg)
	case "accounts":
		cmdErr = runAccounts(cfg)
	case "hide":
		cmdErr = runSetHidden(st, cfg, true)
	case "unhide":
		cmdErr = runSetHidden(st, cfg, false)
	case "clear-cache":
		cmdErr = st.ClearAllCaches()
	default:
		usage()
		os.Exit(2)
	}

	engine.Close(10 * time.Second) //nolint:errcheck
	if cmdErr != nil {
		logger.WithError(cmdErr).Fatal("Command failed")
	}
}

// logNotifier surfaces engine events as log lines.
type logNotifier struct {
	logger *logrus.Logger
}

func (n *logNotifier) StatusChanged(account string, status sync.Status) {
	n.logger.WithFields(logrus.Fields{
		"account": account,
		"status":  status.String(),
	}).Info("Connection status changed")
}

func (n *logNotifier) BatchCompleted(account string, records []types.MessageRecord) {
	n.logger.WithFields(logrus.Fields{
		"account": account,
		"count":   len(records),
	}).Info("Batch completed")
}

func (n *logNotifier) OperationFailed(account string, err error) {
	n.logger.WithFields(logrus.Fields{
		"account": account,
	}).WithError(err).Error("Operation failed")
}

func requireAccount(cfg *config.Config) (*config.Account, error) {
	if *accountFlag == "" {
		return nil, fmt.Errorf("--account is required")
	}
	acct := cfg.FindAccount(*accountFlag)
	if acct == nil {
		return nil, fmt.Errorf("unknown account %q", *accountFlag)
	}
	return acct, nil
}

func runSync(engine *sync.Engine, cfg *config.Config, st *store.Store, logger *logrus.Logger) error {
	acct, err := requireAccount(cfg)
	if err != nil {
		return err
	}

	var op *sync.Operation
	if *allFlag {
		op, err = engine.SyncAll(acct)
	} else {
		folder := *folderFlag
		if acct.Folder != "" && !pflag.CommandLine.Changed("folder") {
			folder = acct.Folder
		}
		op, err = engine.SyncFolder(acct, folder)
	}
	if err != nil {
		return err
	}
	res, err := op.Wait()
	if err != nil {
		return err
	}

	rebuildIndex(st, acct.Email, logger)

	printRecords(res.Records)
	fmt.Printf("status: %s\n", res.Status)
	return nil
}

func runFolders(engine *sync.Engine, cfg *config.Config) error {
	acct, err := requireAccount(cfg)
	if err != nil {
		return err
	}
	op, err := engine.DiscoverFolders(acct)
	if err != nil {
		return err
	}
	names, err := op.Folders()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runDelete(engine *sync.Engine, cfg *config.Config) error {
	acct, err := requireAccount(cfg)
	if err != nil {
		return err
	}
	if pflag.NArg() < 2 {
		return fmt.Errorf("delete requires a message id")
	}
	op, err := engine.Delete(acct, *folderFlag, pflag.Arg(1))
	if err != nil {
		return err
	}
	res, err := op.Wait()
	if err != nil {
		return err
	}
	fmt.Printf("deleted; %d messages after resync\n", len(res.Records))
	return nil
}

func runSearch(st *store.Store, cfg *config.Config, logger *logrus.Logger) error {
	if pflag.NArg() < 2 {
		return fmt.Errorf("search requires a term")
	}
	term := pflag.Arg(1)

	idx, err := search.Open(filepath.Join(st.Dir(), "search.db"), logger)
	if err != nil {
		return err
	}
	defer idx.Close() //nolint:errcheck

	// The index is rebuilt from the JSON caches on every search; they are
	// the source of truth.
	for i := range cfg.Accounts {
		cache, lerr := st.LoadCache(cfg.Accounts[i].Email)
		if lerr != nil {
			logger.WithError(lerr).WithField("account", cfg.Accounts[i].Email).Warn("Skipping unreadable cache")
			continue
		}
		if err := idx.Rebuild(cfg.Accounts[i].Email, cache.Emails); err != nil {
			return err
		}
	}

	hits, err := idx.Query(*accountFlag, term, *limitFlag)
	if err != nil {
		return err
	}
	for _, h := range hits {
		fmt.Printf("%s  [%s] %s  %s  %s\n", h.Record.Date, h.AccountEmail, h.Record.Folder, h.Record.From, h.Record.Subject)
	}
	fmt.Printf("%d results\n", len(hits))
	return nil
}

func runImport(st *store.Store, cfg *config.Config, logger *logrus.Logger) error {
	if pflag.NArg() < 2 {
		return fmt.Errorf("import requires a file path")
	}
	data, err := os.ReadFile(pflag.Arg(1))
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	accounts, skipped := config.ParseImport(string(data))
	added := 0
	for _, acc := range accounts {
		if cfg.AddAccount(acc) {
			added++
		} else {
			logger.WithField("account", acc.Email).Warn("Skipping duplicate account")
		}
	}
	if added > 0 {
		if err := st.Save(store.ConfigKey, cfg); err != nil {
			return err
		}
	}
	fmt.Printf("imported %d accounts (%d malformed lines skipped, %d duplicates)\n",
		added, skipped, len(accounts)-added)
	return nil
}

func runCached(engine *sync.Engine, cfg *config.Config) error {
	acct, err := requireAccount(cfg)
	if err != nil {
		return err
	}
	res, err := engine.ViewCache(acct.Email)
	if err != nil {
		return err
	}
	printRecords(res.Records)
	fmt.Printf("status: %s\n", res.Status)
	return nil
}

func runAccounts(cfg *config.Config) error {
	for _, acc := range cfg.Accounts {
		marker := ""
		if acc.Hidden {
			marker = "  (hidden)"
		}
		host := acc.Host
		if acc.UseDefault {
			host = cfg.DefaultIMAP.Host + " (default)"
		}
		fmt.Printf("%s  <%s>  %s%s\n", acc.Name, acc.Email, host, marker)
	}
	return nil
}

// runSetHidden toggles account visibility. Accounts are never structurally
// deleted; hiding is the closing gesture.
func runSetHidden(st *store.Store, cfg *config.Config, hidden bool) error {
	acct, err := requireAccount(cfg)
	if err != nil {
		return err
	}
	acct.Hidden = hidden
	return st.Save(store.ConfigKey, cfg)
}

func printRecords(records []types.MessageRecord) {
	for _, rec := range records {
		fmt.Printf("%s  #%s  %s  %s  %s\n", rec.Date, rec.ID, rec.Folder, rec.From, rec.Subject)
	}
}

func rebuildIndex(st *store.Store, email string, logger *logrus.Logger) {
	idx, err := search.Open(filepath.Join(st.Dir(), "search.db"), logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to open search index")
		return
	}
	defer idx.Close() //nolint:errcheck

	cache, err := st.LoadCache(email)
	if err != nil {
		logger.WithError(err).Warn("Failed to load cache for indexing")
		return
	}
	if err := idx.Rebuild(email, cache.Emails); err != nil {
		logger.WithError(err).Warn("Failed to rebuild search index")
	}
}
