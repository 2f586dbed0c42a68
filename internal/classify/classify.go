// Package classify decides whether an inbound message deserves a reply
// draft. A fixed set of automated-sender signatures short-circuits the
// decision; everything else is delegated to an AI classifier. The
// filter fails open: losing a legitimate reply is worse than
// occasionally drafting one for an edge-case automated message.
package classify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Reason explains why a message was filtered out.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonNoReply   Reason = "no-reply"
	ReasonSpam      Reason = "spam"
	ReasonAutomated Reason = "automated"
	ReasonError     Reason = "error"
)

// Result is the verdict for a single message. It is consumed once and
// never persisted.
type Result struct {
	Valid  bool
	Reason Reason
}

// Classifier is the external AI collaborator that judges whether
// message text reads as spam, automated, or marketing.
type Classifier interface {
	IsAutomated(ctx context.Context, text string) (bool, error)
}

// ContactResolver reports whether a sender address appears in the
// user's address book. Known senders skip AI classification entirely.
type ContactResolver interface {
	Known(ctx context.Context, address string) (bool, error)
}

// automatedSender matches the fixed machine-sender signatures, with an
// optional separator between words (no-reply, do_not_reply, noreply...).
var automatedSender = regexp.MustCompile(`(?i)(no[-_.]?reply|do[-_.]?not[-_.]?reply|automated|system|notification)`)

// Filter validates inbound messages. Both collaborators are optional;
// a nil classifier accepts everything that passes the pattern check.
type Filter struct {
	classifier Classifier
	contacts   ContactResolver
	logger     *slog.Logger
}

// NewFilter creates a Filter. classifier and contacts may be nil.
func NewFilter(classifier Classifier, contacts ContactResolver, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		classifier: classifier,
		contacts:   contacts,
		logger:     logger,
	}
}

// Validate classifies a message by sender address and extracted body
// text. Pattern-matched automated senders are rejected without
// invoking the classifier. Classifier failures fail open.
func (f *Filter) Validate(ctx context.Context, from, text string) Result {
	addr := ExtractAddress(from)

	if automatedSender.MatchString(addr) {
		return Result{Valid: false, Reason: ReasonNoReply}
	}

	if f.contacts != nil {
		known, err := f.contacts.Known(ctx, addr)
		if err != nil {
			f.logger.Debug("contact lookup failed", "address", addr, "error", err)
		} else if known {
			return Result{Valid: true}
		}
	}

	if f.classifier == nil {
		return Result{Valid: true}
	}

	automated, err := f.classifier.IsAutomated(ctx, text)
	if err != nil {
		// Fail open.
		f.logger.Warn("classifier unavailable, accepting message", "address", addr, "error", err)
		return Result{Valid: true}
	}
	if automated {
		return Result{Valid: false, Reason: ReasonAutomated}
	}

	return Result{Valid: true}
}

// ExtractAddress pulls the bare address out of a "Name <addr>" display
// form. Already-bare addresses pass through unchanged.
func ExtractAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.Index(from[i:], ">"); j > 0 {
			return strings.TrimSpace(from[i+1 : i+j])
		}
	}
	return strings.TrimSpace(from)
}
