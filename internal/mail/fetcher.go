package mail

import (
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/pkg/types"
)

// Strategy selects how message IDs are discovered in a selected folder.
type Strategy int

const (
	// StrategySearchAll issues a standard SEARCH ALL and parses the ID list.
	StrategySearchAll Strategy = iota
	// StrategyUIDFetch fetches 1:* (UID) and collects sequence numbers from
	// the response lines instead.
	StrategyUIDFetch
)

func (s Strategy) String() string {
	if s == StrategyUIDFetch {
		return "uid-fetch"
	}
	return "search-all"
}

// microsoftDomains are address suffixes whose servers answer plain SEARCH
// inconsistently.
var microsoftDomains = []string{"@hotmail.com", "@outlook.com", "@live.com"}

// PickStrategy chooses the ID discovery strategy for an account. Known
// limitation: this is a string-match heuristic over the address domain and
// host name, not a capability probe. It exists because some Microsoft and
// Exchange deployments answer plain SEARCH inconsistently, and it will
// misclassify, e.g., a self-hosted server whose hostname happens to contain
// "exchange". The servers the heuristic was built against never advertised
// anything useful via CAPABILITY, so probing would not have helped.
func PickStrategy(email, host string) Strategy {
	lower := strings.ToLower(email)
	for _, domain := range microsoftDomains {
		if strings.Contains(lower, domain) {
			return StrategyUIDFetch
		}
	}
	if strings.Contains(strings.ToLower(host), "exchange") {
		return StrategyUIDFetch
	}
	return StrategySearchAll
}

// Fetcher produces normalized records from a folder-selected connection.
type Fetcher struct {
	FetchCap     int
	PreviewChars int
	logger       *logrus.Logger
}

// NewFetcher creates a fetcher with the given per-folder bound and preview
// length.
func NewFetcher(fetchCap, previewChars int, logger *logrus.Logger) *Fetcher {
	return &Fetcher{FetchCap: fetchCap, PreviewChars: previewChars, logger: logger}
}

// RecentIDs bounds a discovered ID list to the most recent FetchCap entries,
// sorted descending. IDs are assigned monotonically, so the highest IDs are
// the newest messages.
func (f *Fetcher) RecentIDs(ids []uint32) []uint32 {
	sorted := make([]uint32, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	if f.FetchCap > 0 && len(sorted) > f.FetchCap {
		sorted = sorted[:f.FetchCap]
	}
	return sorted
}

// FetchFolder discovers IDs in the selected folder using the given strategy
// and retrieves the most recent ones as normalized records. One bad message
// never aborts the batch: per-message failures are logged and skipped.
// The folder must already be selected on conn.
func (f *Fetcher) FetchFolder(conn Conn, strategy Strategy, folder string) ([]types.MessageRecord, error) {
	var ids []uint32
	var err error

	switch strategy {
	case StrategyUIDFetch:
		f.logger.Debug("Using UID fetch method for ID discovery")
		ids, err = conn.SeqNums()
	default:
		f.logger.Debug("Using SEARCH method for ID discovery")
		ids, err = conn.SearchAll()
	}
	if err != nil {
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"folder": folder,
		"found":  len(ids),
	}).Debug("Discovered message IDs")

	if len(ids) == 0 {
		f.logger.WithField("folder", folder).Warn("No messages found in folder")
		return nil, nil
	}

	recent := f.RecentIDs(ids)
	records := make([]types.MessageRecord, 0, len(recent))

	for _, id := range recent {
		raw, err := conn.FetchRaw(id)
		if err != nil {
			f.logger.WithError(err).WithField("id", id).Error("Error fetching message")
			continue
		}

		rec := ParseMessage(raw, f.PreviewChars, f.logger)
		rec.ID = strconv.FormatUint(uint64(id), 10)
		rec.Folder = folder
		records = append(records, rec)

		f.logger.WithFields(logrus.Fields{
			"id":      id,
			"subject": rec.Subject,
		}).Debug("Processed message")
	}

	return records, nil
}
