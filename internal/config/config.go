package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoHost is returned when an account resolves to no IMAP host at all.
// Operations must fail on it immediately, before any network activity.
var ErrNoHost = errors.New("no host configured")

// Account identifies one mailbox endpoint. Accounts are never structurally
// deleted; closing one only sets Hidden.
type Account struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	UseSSL     bool   `json:"use_ssl,omitempty"`
	UseDefault bool   `json:"use_default"`
	Folder     string `json:"folder,omitempty"`
	Hidden     bool   `json:"hidden,omitempty"`
}

// IMAPSettings are the process-wide default connection parameters, used by
// accounts with UseDefault set.
type IMAPSettings struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UseSSL bool   `json:"use_ssl"`
}

// Endpoint is a fully resolved connection target.
type Endpoint struct {
	Host   string
	Port   int
	UseSSL bool
}

// Limits bounds the work a single sync operation may do. The defaults mirror
// what keeps sync latency tolerable on slow servers; they are configurable
// because the specific numbers are otherwise arbitrary.
type Limits struct {
	// FolderCap caps how many discovered folders an all-folders sync visits.
	FolderCap int `json:"folder_cap,omitempty"`
	// FetchCap caps how many of the most recent message IDs are fetched per
	// folder. 50 proved too slow in practice.
	FetchCap int `json:"fetch_cap,omitempty"`
	// CombinedCap caps the merged result of an all-folders sync.
	CombinedCap int `json:"combined_cap,omitempty"`
	// PreviewChars is the plain-text body preview length.
	PreviewChars int `json:"preview_chars,omitempty"`
}

// DefaultLimits returns the stock operation bounds.
func DefaultLimits() Limits {
	return Limits{
		FolderCap:    5,
		FetchCap:     25,
		CombinedCap:  200,
		PreviewChars: 500,
	}
}

// Config is the persisted application configuration. It is mutated only from
// the control path; writers serialize their changes before saving.
type Config struct {
	Accounts       []Account    `json:"accounts"`
	DefaultIMAP    IMAPSettings `json:"default_imap"`
	Limits         Limits       `json:"limits,omitempty"`
	ExcludeFolders []string     `json:"exclude_folders,omitempty"`
	LogLevel       string       `json:"log_level,omitempty"`
}

// Default returns the configuration used when no config file exists yet.
func Default() *Config {
	return &Config{
		Accounts: []Account{},
		DefaultIMAP: IMAPSettings{
			Port:   993,
			UseSSL: true,
		},
	}
}

// Normalize fills zero-valued limits with defaults. Loaded configs may omit
// the limits block entirely.
func (c *Config) Normalize() {
	def := DefaultLimits()
	if c.Limits.FolderCap <= 0 {
		c.Limits.FolderCap = def.FolderCap
	}
	if c.Limits.FetchCap <= 0 {
		c.Limits.FetchCap = def.FetchCap
	}
	if c.Limits.CombinedCap <= 0 {
		c.Limits.CombinedCap = def.CombinedCap
	}
	if c.Limits.PreviewChars <= 0 {
		c.Limits.PreviewChars = def.PreviewChars
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DefaultIMAP.Port != 0 && (c.DefaultIMAP.Port < 1 || c.DefaultIMAP.Port > 65535) {
		return fmt.Errorf("invalid default IMAP port %d", c.DefaultIMAP.Port)
	}
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.Email == "" {
			return fmt.Errorf("account %d: email is required", i)
		}
		if !acc.UseDefault && acc.Port != 0 && (acc.Port < 1 || acc.Port > 65535) {
			return fmt.Errorf("account %s: invalid port %d", acc.Email, acc.Port)
		}
	}
	return nil
}

// Endpoint resolves the connection parameters for an account, falling back to
// the process-wide defaults when the account uses them. An empty host is
// ErrNoHost regardless of which side it came from.
func (c *Config) Endpoint(acc *Account) (Endpoint, error) {
	ep := Endpoint{Host: acc.Host, Port: acc.Port, UseSSL: acc.UseSSL}
	if acc.UseDefault {
		ep = Endpoint{Host: c.DefaultIMAP.Host, Port: c.DefaultIMAP.Port, UseSSL: c.DefaultIMAP.UseSSL}
	}
	if ep.Host == "" {
		return Endpoint{}, ErrNoHost
	}
	if ep.Port == 0 {
		ep.Port = 993
	}
	return ep, nil
}

// FindAccount returns the account with the given email, matched
// case-insensitively, or nil.
func (c *Config) FindAccount(email string) *Account {
	lower := strings.ToLower(email)
	for i := range c.Accounts {
		if strings.ToLower(c.Accounts[i].Email) == lower {
			return &c.Accounts[i]
		}
	}
	return nil
}

// AddAccount appends an account unless one with the same email already
// exists. Reports whether the account was added.
func (c *Config) AddAccount(acc Account) bool {
	if c.FindAccount(acc.Email) != nil {
		return false
	}
	c.Accounts = append(c.Accounts, acc)
	return true
}

// ParseImportLine parses one line of the bulk account import format:
//
//	email:password
//	email:password:name
//	email:password:host:port
//	email:password:name:host:port
//
// Lines without host:port use the default IMAP settings. Port 993 implies
// SSL, matching the import convention.
func ParseImportLine(line string) (Account, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	switch len(parts) {
	case 2:
		return Account{
			Name:       localPart(parts[0]),
			Email:      parts[0],
			Password:   parts[1],
			UseDefault: true,
			Folder:     "INBOX",
		}, nil
	case 3:
		return Account{
			Name:       parts[2],
			Email:      parts[0],
			Password:   parts[1],
			UseDefault: true,
			Folder:     "INBOX",
		}, nil
	case 4:
		port, err := strconv.Atoi(parts[3])
		if err != nil {
			return Account{}, fmt.Errorf("invalid port %q: %w", parts[3], err)
		}
		return Account{
			Name:     localPart(parts[0]),
			Email:    parts[0],
			Password: parts[1],
			Host:     parts[2],
			Port:     port,
			UseSSL:   port == 993,
			Folder:   "INBOX",
		}, nil
	case 5:
		port, err := strconv.Atoi(parts[4])
		if err != nil {
			return Account{}, fmt.Errorf("invalid port %q: %w", parts[4], err)
		}
		return Account{
			Name:     parts[2],
			Email:    parts[0],
			Password: parts[1],
			Host:     parts[3],
			Port:     port,
			UseSSL:   port == 993,
			Folder:   "INBOX",
		}, nil
	default:
		return Account{}, fmt.Errorf("unrecognized import format: %d fields", len(parts))
	}
}

// ParseImport parses a whole import payload, skipping blank and malformed
// lines. Returns the accounts parsed and the number of lines skipped.
func ParseImport(text string) ([]Account, int) {
	var accounts []Account
	skipped := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		acc, err := ParseImportLine(line)
		if err != nil {
			skipped++
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, skipped
}

func localPart(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
