// Package search maintains a local SQLite index over cached message
// records. The index is derived data: the per-account JSON caches stay
// authoritative and the index can be rebuilt from them at any time.
package search

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/disqualifier/mailtime/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_email TEXT NOT NULL,
    message_id TEXT NOT NULL,
    sender TEXT,
    subject TEXT,
    date TEXT,
    body_text TEXT,
    folder TEXT
);

CREATE INDEX IF NOT EXISTS idx_records_account ON records(account_email);
CREATE INDEX IF NOT EXISTS idx_records_date ON records(date DESC);
`

// Index is the SQLite-backed search index.
type Index struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open opens (or creates) the index at dbPath. Pass ":memory:" for an
// ephemeral index.
func Open(dbPath string, logger *logrus.Logger) (*Index, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Search index opened")
	return &Index{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Rebuild replaces the account's indexed rows with the given records in one
// transaction.
func (x *Index) Rebuild(email string, records []types.MessageRecord) error {
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM records WHERE account_email = ?", email); err != nil {
		return fmt.Errorf("failed to clear indexed records: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO records
		(account_email, message_id, sender, subject, date, body_text, folder)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, rec := range records {
		if _, err := stmt.Exec(email, rec.ID, rec.From, rec.Subject, rec.Date, rec.BodyText, rec.Folder); err != nil {
			return fmt.Errorf("failed to index record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index rebuild: %w", err)
	}
	x.logger.WithFields(logrus.Fields{
		"account": email,
		"count":   len(records),
	}).Info("Rebuilt search index")
	return nil
}

// Hit is one search result row.
type Hit struct {
	AccountEmail string
	Record       types.MessageRecord
}

// Query finds records whose subject, sender or body contain the term,
// newest first, bounded by limit. An empty account matches all accounts.
func (x *Index) Query(account, term string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT account_email, message_id, sender, subject, date, body_text, folder
		FROM records
		WHERE (subject LIKE ? OR sender LIKE ? OR body_text LIKE ?)`
	pattern := "%" + term + "%"
	args := []interface{}{pattern, pattern, pattern}
	if account != "" {
		query += " AND account_email = ?"
		args = append(args, account)
	}
	query += " ORDER BY date DESC LIMIT ?"
	args = append(args, limit)

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.AccountEmail, &h.Record.ID, &h.Record.From,
			&h.Record.Subject, &h.Record.Date, &h.Record.BodyText, &h.Record.Folder); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
