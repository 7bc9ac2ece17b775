// Package folders normalizes raw IMAP LIST output into an ordered folder set.
//
// Servers are wildly inconsistent about LIST formatting, so parsing works on
// the raw response lines rather than trusting any one structured form: the
// quoted-hierarchy shape `(\Flags) "/" "Name"` and the bare `"/"` delimiter
// shape are both handled, and anything else is skipped rather than treated
// as fatal.
package folders

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultExclusions are folder-name substrings that are never synced.
// Matching is substring-based on purpose: over-excluding "My Archive Folder"
// beats pulling a multi-gigabyte archive mailbox into every sync.
// "Arquivo Morto" is the localized Archive name seen on pt-BR Outlook
// servers.
var DefaultExclusions = []string{"Arquivo Morto", "Archive", "Outbox"}

// canonicalBuckets is the logical ordering applied before discovery order.
// Alias matching is case-sensitive: these are the exact spellings servers
// report.
var canonicalBuckets = []struct {
	name    string
	aliases []string
}{
	{"INBOX", []string{"INBOX", "Inbox"}},
	{"SENT", []string{"SENT", "Sent", "Sent Items", "Sent Mail"}},
	{"DRAFTS", []string{"DRAFTS", "Drafts", "Draft"}},
	{"TRASH", []string{"TRASH", "Trash", "Deleted", "Deleted Items"}},
	{"SPAM", []string{"SPAM", "Spam", "Junk", "Junk E-mail", "Bulk Mail"}},
	{"NOTES", []string{"NOTES", "Notes"}},
}

// Resolver parses folder listings and produces the canonical ordered set.
type Resolver struct {
	exclusions []string
	logger     *logrus.Logger
}

// NewResolver creates a resolver. A nil or empty exclusion list falls back
// to DefaultExclusions.
func NewResolver(exclusions []string, logger *logrus.Logger) *Resolver {
	if len(exclusions) == 0 {
		exclusions = DefaultExclusions
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{exclusions: exclusions, logger: logger}
}

// ParseLine extracts the folder name from one raw LIST response line.
// Returns "" when the line is unparsable; that is never an error.
func (r *Resolver) ParseLine(line string) string {
	if strings.Count(line, `"`) >= 4 {
		parts := strings.Split(line, `"`)
		if len(parts) >= 4 {
			return parts[3]
		}
		return ""
	}
	if strings.Contains(line, `"/"`) {
		parts := strings.SplitN(line, `"/"`, 2)
		if len(parts) > 1 {
			return strings.TrimSpace(parts[1])
		}
	}
	r.logger.WithField("line", line).Debug("Could not parse folder listing line")
	return ""
}

// Resolve turns raw LIST lines into the cleaned, canonically ordered folder
// set: the six logical buckets first (first alias match wins per bucket),
// then every remaining non-excluded name in discovery order. A fully
// unparsable listing yields an empty set; callers fall back to a single
// default folder.
func (r *Resolver) Resolve(lines []string) []string {
	var names []string
	for _, line := range lines {
		name := r.ParseLine(line)
		if name == "" || name == "/" {
			continue
		}
		if r.Excluded(name) {
			r.logger.WithField("folder", name).Debug("Excluding folder from sync")
			continue
		}
		names = append(names, name)
	}

	var sorted []string
	seen := make(map[string]struct{})

	// First discovered alias wins per bucket.
	for _, bucket := range canonicalBuckets {
		for _, name := range names {
			if !containsString(bucket.aliases, name) {
				continue
			}
			if _, dup := seen[name]; !dup {
				sorted = append(sorted, name)
				seen[name] = struct{}{}
			}
			break
		}
	}

	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		sorted = append(sorted, name)
		seen[name] = struct{}{}
	}

	return sorted
}

// Excluded reports whether a folder name matches the exclusion set. A name
// containing an exclusion substring is excluded too.
func (r *Resolver) Excluded(name string) bool {
	for _, ex := range r.exclusions {
		if name == ex || strings.Contains(name, ex) {
			return true
		}
	}
	return false
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
