package mail

import (
	"bytes"
	netmail "net/mail"

	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/pkg/types"
)

// Fallbacks for absent headers. A missing header is normal, not an error.
const (
	fallbackFrom    = "Unknown"
	fallbackSubject = "No Subject"
	fallbackDate    = "Unknown"
)

// displayDateLayout is the normalized display form of the Date header.
const displayDateLayout = "2006-01-02 15:04"

// ParseMessage decodes raw RFC822 bytes into a normalized record. Parsing is
// maximally tolerant: absent headers get fallback values, an unparsable Date
// header keeps its raw string, undecodable body bytes are dropped rather
// than failing, and a message enmime cannot parse at all is kept with its
// raw bytes as the body text.
func ParseMessage(raw []byte, previewChars int, logger *logrus.Logger) types.MessageRecord {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		logger.WithError(err).Debug("Failed to parse message, keeping raw body")
		return types.MessageRecord{
			From:     fallbackFrom,
			Subject:  fallbackSubject,
			Date:     fallbackDate,
			BodyText: truncate(string(raw), previewChars),
		}
	}

	rec := types.MessageRecord{
		From:    headerOr(env, "From", fallbackFrom),
		Subject: headerOr(env, "Subject", fallbackSubject),
		Date:    displayDate(env.GetHeader("Date")),
	}

	// enmime walks all parts for us and concatenates the text/plain and
	// text/html bodies, decoding with the declared charset.
	rec.BodyHTML = env.HTML

	// Preview prefers plain text; a pure-HTML message previews its markup.
	if env.Text != "" {
		rec.BodyText = truncate(env.Text, previewChars)
	} else {
		rec.BodyText = truncate(env.HTML, previewChars)
	}

	return rec
}

func headerOr(env *enmime.Envelope, name, fallback string) string {
	if v := env.GetHeader(name); v != "" {
		return v
	}
	return fallback
}

// displayDate normalizes an RFC5322 Date header to "YYYY-MM-DD HH:MM". The
// raw header string survives as-is when it will not parse.
func displayDate(raw string) string {
	if raw == "" {
		return fallbackDate
	}
	t, err := netmail.ParseDate(raw)
	if err != nil {
		return raw
	}
	return t.Format(displayDateLayout)
}

// truncate caps s at n characters. The cut is on rune boundaries: slicing
// bytes could split a multi-byte sequence and leave invalid UTF-8 in the
// preview.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
