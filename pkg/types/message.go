package types

// MessageRecord is the normalized unit of synchronized mail data. Every field
// is always present; fields the server left empty are empty strings rather
// than absent keys, so consumers never need to probe for them.
type MessageRecord struct {
	// ID is the server-side message identifier. It is NOT stable across
	// sessions: IMAP renumbers remaining messages after an expunge.
	ID       string `json:"id"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Date     string `json:"date"`
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html,omitempty"`
	Folder   string `json:"folder"`
}

// DedupKey identifies a record for reconciliation purposes. Two genuinely
// distinct messages with identical id, subject and sender collide under this
// key; that is a deliberate trade-off favoring tolerance of server ID churn
// over precision.
type DedupKey struct {
	ID      string
	Subject string
	From    string
}

// Key returns the deduplication key for this record.
func (r *MessageRecord) Key() DedupKey {
	return DedupKey{ID: r.ID, Subject: r.Subject, From: r.From}
}

// AccountCache owns the synchronized records for one account. It is replaced
// wholesale on every merge that adds records, never patched in place.
type AccountCache struct {
	AccountEmail string          `json:"account_email"`
	LastUpdated  string          `json:"last_updated"`
	Emails       []MessageRecord `json:"emails"`
}

// Keys returns the set of dedup keys currently present in the cache.
func (c *AccountCache) Keys() map[DedupKey]struct{} {
	keys := make(map[DedupKey]struct{}, len(c.Emails))
	for i := range c.Emails {
		keys[c.Emails[i].Key()] = struct{}{}
	}
	return keys
}
