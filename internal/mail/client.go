// Package mail talks to IMAP servers and turns their responses into
// normalized message records.
package mail

import (
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/internal/config"
)

// Conn is one authenticated IMAP connection. It exists as an interface so
// the session and fetcher can be exercised against fakes; Client is the real
// implementation.
type Conn interface {
	Login(username, password string) error
	Select(folder string) error
	ListRaw() ([]string, error)
	SearchAll() ([]uint32, error)
	SeqNums() ([]uint32, error)
	FetchRaw(id uint32) ([]byte, error)
	Exists(id uint32) (bool, error)
	MarkDeleted(id uint32) error
	Expunge() error
	Logout() error
}

// DialFunc opens a connection to an endpoint. The engine injects a fake in
// tests.
type DialFunc func(ep config.Endpoint) (Conn, error)

// Client wraps a go-imap client connection.
type Client struct {
	client *client.Client
	logger *logrus.Logger
}

// Dial connects to an IMAP endpoint, with or without TLS per the endpoint
// settings. The caller authenticates separately via Login.
func Dial(ep config.Endpoint, logger *logrus.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", ep.Host, ep.Port)

	var cl *client.Client
	var err error
	if ep.UseSSL {
		cl, err = client.DialTLS(addr, &tls.Config{
			ServerName: ep.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	return &Client{client: cl, logger: logger}, nil
}

// Dialer returns a DialFunc producing real connections.
func Dialer(logger *logrus.Logger) DialFunc {
	return func(ep config.Endpoint) (Conn, error) {
		return Dial(ep, logger)
	}
}

// Login authenticates the connection.
func (c *Client) Login(username, password string) error {
	if err := c.client.Login(username, password); err != nil {
		c.logger.WithError(err).Error("Failed to login to IMAP server")
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return nil
}

// Select opens a mailbox read-write.
func (c *Client) Select(folder string) error {
	if _, err := c.client.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select folder %q: %w", folder, err)
	}
	return nil
}

// ListRaw lists all mailboxes and renders each as a raw LIST-style line in
// the quoted-hierarchy form. The folder resolver parses names back out of
// these lines, which keeps its handling of heterogeneous server output in
// one place.
func (c *Client) ListRaw() ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.List("", "*", mailboxes)
	}()

	var lines []string
	for m := range mailboxes {
		delim := m.Delimiter
		if delim == "" {
			delim = "/"
		}
		lines = append(lines, fmt.Sprintf(`(%s) "%s" "%s"`, strings.Join(m.Attributes, " "), delim, m.Name))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return lines, nil
}

// SearchAll returns every message ID in the selected folder via SEARCH ALL.
func (c *Client) SearchAll() ([]uint32, error) {
	ids, err := c.client.Search(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	return ids, nil
}

// SeqNums returns every message sequence number in the selected folder by
// fetching 1:* (UID) and collecting the sequence numbers from the response.
// This is the fallback path for servers that answer SEARCH inconsistently.
func (c *Client) SeqNums() ([]uint32, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0) // 1:*

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.client.Fetch(seqSet, []imap.FetchItem{imap.FetchUid}, messages)
	}()

	var ids []uint32
	for msg := range messages {
		ids = append(ids, msg.SeqNum)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch sequence numbers: %w", err)
	}
	return ids, nil
}

// FetchRaw retrieves the full RFC822 content of one message.
func (c *Client) FetchRaw(id uint32) ([]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- c.client.Fetch(seqSet, []imap.FetchItem{imap.FetchRFC822}, messages)
	}()

	var raw []byte
	for msg := range messages {
		raw = c.readBody(msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("message %d: no body content in response", id)
	}
	return raw, nil
}

// readBody extracts the message bytes from whichever body section the server
// used in its response. Servers disagree about the section key for RFC822
// responses, so try them in order.
func (c *Client) readBody(msg *imap.Message) []byte {
	if msg.Body == nil {
		return nil
	}

	if literal, ok := msg.Body[nil]; ok {
		return c.readLiteral(literal)
	}
	empty := &imap.BodySectionName{}
	if literal, ok := msg.Body[empty]; ok {
		return c.readLiteral(literal)
	}
	for _, literal := range msg.Body {
		if b := c.readLiteral(literal); len(b) > 0 {
			return b
		}
	}
	return nil
}

func (c *Client) readLiteral(literal imap.Literal) []byte {
	body := make([]byte, 0, 8192)
	buf := make([]byte, 1024)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.logger.WithError(err).Error("Error reading literal")
			break
		}
	}
	return body
}

// Exists reports whether a message ID is still present in the selected
// folder.
func (c *Client) Exists(id uint32) (bool, error) {
	criteria := imap.NewSearchCriteria()
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)
	criteria.SeqNum = seqSet

	ids, err := c.client.Search(criteria)
	if err != nil {
		return false, fmt.Errorf("failed to search for message %d: %w", id, err)
	}
	return len(ids) > 0, nil
}

// MarkDeleted sets the \Deleted flag on one message. The deletion only takes
// effect at the next Expunge.
func (c *Client) MarkDeleted(id uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := c.client.Store(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message %d deleted: %w", id, err)
	}
	return nil
}

// Expunge permanently removes flagged-deleted messages. Remaining messages
// are renumbered by the server afterwards.
func (c *Client) Expunge() error {
	if err := c.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge folder: %w", err)
	}
	return nil
}

// Logout closes the connection.
func (c *Client) Logout() error {
	return c.client.Logout()
}
