// Package compose builds RFC-compliant reply drafts: threading headers
// derived from the original message, the reply text above a quoted
// copy of the original body, and a fresh globally-unique Message-ID.
// The build step is pure; only the append touches the mail store.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftmill/draftmill/internal/imappool"
	"github.com/draftmill/draftmill/internal/mailbox"
)

// ErrTargetNotFound is returned when the message being replied to
// cannot be located; no draft is created in that case.
var ErrTargetNotFound = errors.New("compose: target message not found")

// maxQuotedLen caps the original body carried into the quote block.
const maxQuotedLen = 10_000

// crlf is the canonical RFC 5322 line ending.
const crlf = "\r\n"

var reSubject = regexp.MustCompile(`(?i)^re:`)

// Draft is a composed reply. It is written once to the mailbox and
// never mutated after append.
type Draft struct {
	// MessageID is the generated Message-ID, without angle brackets.
	MessageID string

	// Raw is the complete MIME message.
	Raw []byte
}

// ReplyContext carries everything Build needs from the original
// message plus the reply to wrap.
type ReplyContext struct {
	// OriginalSource is the full RFC 5322 source of the message being
	// answered.
	OriginalSource []byte

	// ReplyText is the generated reply body, possibly markdown.
	ReplyText string

	// From is the drafting account's own address.
	From string

	// Domain is the host part of the generated Message-ID.
	Domain string

	// Now stamps the Date header and Message-ID. Zero uses time.Now.
	Now time.Time
}

// Build assembles the reply draft from an already-fetched original.
// The header block uses a fixed field order, omitting absent fields,
// with CRLF line endings throughout.
func Build(rc ReplyContext) (Draft, error) {
	if len(rc.OriginalSource) == 0 {
		return Draft{}, fmt.Errorf("%w: empty original source", ErrTargetNotFound)
	}
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}

	subject := ReplySubject(mailbox.HeaderValue(rc.OriginalSource, "Subject"))

	to := mailbox.HeaderValue(rc.OriginalSource, "Reply-To")
	if to == "" {
		to = mailbox.HeaderValue(rc.OriginalSource, "From")
	}

	origID := mailbox.HeaderValue(rc.OriginalSource, "Message-ID")
	references := BuildReferences(mailbox.HeaderValue(rc.OriginalSource, "References"), origID)

	messageID := NewMessageID(now, rc.Domain)
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")

	_, origBody := mailbox.SplitSource(rc.OriginalSource)
	quoted := QuoteBody(string(origBody), maxQuotedLen)

	// Fixed header field order; absent values are omitted entirely.
	var sb strings.Builder
	writeHeader := func(name, value string) {
		if value != "" {
			sb.WriteString(name + ": " + value + crlf)
		}
	}
	writeHeader("From", rc.From)
	writeHeader("To", to)
	writeHeader("Subject", subject)
	writeHeader("Date", now.Format(time.RFC1123Z))
	writeHeader("Message-ID", "<"+messageID+">")
	writeHeader("In-Reply-To", origID)
	writeHeader("References", strings.Join(references, " "))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
	sb.WriteString(crlf)

	plain := markdownToPlain(rc.ReplyText)
	body := plain
	if quoted != "" {
		body += "\n\n" + quoted
	}

	sb.WriteString("--" + boundary + crlf)
	sb.WriteString("Content-Type: text/plain; charset=utf-8" + crlf + crlf)
	sb.WriteString(toCRLF(body) + crlf)

	html, err := markdownToHTML(rc.ReplyText, quoted)
	if err != nil {
		return Draft{}, fmt.Errorf("render reply HTML: %w", err)
	}
	sb.WriteString("--" + boundary + crlf)
	sb.WriteString("Content-Type: text/html; charset=utf-8" + crlf + crlf)
	sb.WriteString(toCRLF(html) + crlf)

	sb.WriteString("--" + boundary + "--" + crlf)

	return Draft{MessageID: messageID, Raw: []byte(sb.String())}, nil
}

// ReplySubject prefixes "Re: " unless the subject already carries it,
// in any case combination.
func ReplySubject(subject string) string {
	if reSubject.MatchString(strings.TrimSpace(subject)) {
		return subject
	}
	return "Re: " + subject
}

// BuildReferences joins the original References tokens with the
// original Message-ID, deduplicated, order preserved as encountered.
func BuildReferences(references, messageID string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}

	for _, tok := range strings.Fields(references) {
		add(tok)
	}
	add(messageID)

	return out
}

// NewMessageID generates a globally unique Message-ID from the
// timestamp, a random component, and the sending domain. The returned
// value carries no angle brackets.
func NewMessageID(now time.Time, domain string) string {
	if domain == "" {
		domain = "draftmill.local"
	}
	return fmt.Sprintf("%d.%08x.draftmill@%s", now.UnixNano(), rand.Uint32(), domain)
}

// QuoteBody truncates the original body to limit characters and
// prefixes every line with "> ".
func QuoteBody(body string, limit int) string {
	body = strings.TrimSpace(strings.ReplaceAll(body, "\r\n", "\n"))
	if body == "" {
		return ""
	}
	if len(body) > limit {
		body = body[:limit]
	}

	lines := strings.Split(body, "\n")
	for i := range lines {
		lines[i] = "> " + lines[i]
	}
	return strings.Join(lines, "\n")
}

// toCRLF converts bare LF line endings to CRLF for the wire.
func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", crlf)
}

// Composer fetches reply targets and appends composed drafts through
// the mailbox reader.
type Composer struct {
	reader *mailbox.Reader
	logger *slog.Logger
}

// NewComposer creates a Composer.
func NewComposer(reader *mailbox.Reader, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{reader: reader, logger: logger}
}

// ComposeReply fetches the target message by UID, builds the reply
// draft, and appends it to draftsFolder tagged as a draft. A missing
// target is a hard ErrTargetNotFound; nothing is appended.
func (c *Composer) ComposeReply(ctx context.Context, sess *imappool.Session, folder, draftsFolder string, targetUID uint32, replyText, from, domain string) (Draft, error) {
	raw, err := c.reader.FetchByUID(ctx, sess, folder, targetUID)
	if err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			return Draft{}, fmt.Errorf("%w: uid %d in %s", ErrTargetNotFound, targetUID, folder)
		}
		return Draft{}, err
	}

	draft, err := Build(ReplyContext{
		OriginalSource: raw.Source,
		ReplyText:      replyText,
		From:           from,
		Domain:         domain,
	})
	if err != nil {
		return Draft{}, err
	}

	if err := c.reader.AppendDraft(ctx, sess, draftsFolder, draft.Raw); err != nil {
		return Draft{}, fmt.Errorf("append draft: %w", err)
	}

	c.logger.Info("reply draft appended",
		"folder", draftsFolder,
		"message_id", draft.MessageID,
		"bytes", len(draft.Raw),
	)
	return draft, nil
}
