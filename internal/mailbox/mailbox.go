// Package mailbox reads messages from IMAP folders and normalizes the
// heterogeneous protocol payloads into canonical records. The Reader
// owns the protocol work; Normalize is pure and does no I/O.
package mailbox

import (
	"errors"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"

	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	// so fetched sources with legacy encodings decode instead of erroring.
	_ "github.com/emersion/go-message/charset"
)

var (
	// ErrFolderUnavailable is returned when a folder cannot be selected.
	ErrFolderUnavailable = errors.New("mailbox: folder unavailable")

	// ErrNotFound is returned when a requested message does not exist
	// in the selected folder.
	ErrNotFound = errors.New("mailbox: message not found")
)

// RawMessage is a protocol-level fetch result. It is produced per fetch
// and consumed immediately; nothing retains it across cycles.
type RawMessage struct {
	// UID is the IMAP unique identifier within the folder.
	UID uint32

	// From is the first sender address, formatted as
	// "Name <addr>" or just the address.
	From string

	// To is the first recipient address.
	To string

	// Subject is the envelope subject line.
	Subject string

	// Date is the message's Date header.
	Date time.Time

	// InternalDate is the server's receipt timestamp, used for
	// checkpoint-based selection.
	InternalDate time.Time

	// Flags contains IMAP flags (e.g., \Seen, \Answered).
	Flags []string

	// Source is the full RFC 5322 source (headers + body).
	Source []byte
}

// CanonicalMessage is the normalized record consumed by the validation
// filter, the AI context builder, and the draft composer.
type CanonicalMessage struct {
	// ID is the Message-ID header without angle brackets, or the
	// folder UID rendered as text when the header is absent.
	ID string

	From    string
	To      string
	Subject string
	Date    time.Time

	// PlainText is the extracted readable body.
	PlainText string

	// Raw is the untouched protocol payload the record was built from.
	Raw []byte
}

// drainLiteral reads and discards the contents of an IMAP literal
// reader. This prevents blocking the IMAP stream when a body section
// is fetched but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// formatAddress formats an IMAP address as "Name <user@host>" or just
// "user@host" if no name is set.
func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return addr.Name + " <" + email + ">"
	}
	return email
}
