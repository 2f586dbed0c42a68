// Package syncer drives the periodic mail sync: each cycle walks the
// configured accounts, fetches messages newer than the account's
// checkpoint, filters out machine mail, generates replies, and files
// them as drafts. Accounts are processed sequentially; a failure on
// one account never blocks the others.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/draftmill/draftmill/internal/checkpoint"
	"github.com/draftmill/draftmill/internal/classify"
	"github.com/draftmill/draftmill/internal/compose"
	"github.com/draftmill/draftmill/internal/config"
	"github.com/draftmill/draftmill/internal/llm"
	"github.com/draftmill/draftmill/internal/mailbox"
	"github.com/draftmill/draftmill/internal/sanitize"
)

// maxRecentErrors bounds the error ring surfaced through the status
// endpoint.
const maxRecentErrors = 10

// Mailstore abstracts the IMAP-facing operations a cycle needs, so the
// engine can be tested without a live server.
type Mailstore interface {
	// FetchNew returns inbox messages strictly newer than since.
	FetchNew(ctx context.Context, acct config.Account, since time.Time) ([]mailbox.RawMessage, error)

	// SentHistory returns up to limit recent sent messages, or nil when
	// the account has no reachable sent folder.
	SentHistory(ctx context.Context, acct config.Account, limit int) ([]mailbox.RawMessage, error)

	// ComposeReply builds a reply to the message with the given UID and
	// files it in the account's drafts folder.
	ComposeReply(ctx context.Context, acct config.Account, uid uint32, replyText string) (compose.Draft, error)
}

// Generator produces reply text for an inbound message.
type Generator interface {
	GenerateReply(ctx context.Context, req llm.ReplyRequest) (reply string, ok bool, err error)
}

// Validator decides whether a message deserves a reply draft.
type Validator interface {
	Validate(ctx context.Context, from, text string) classify.Result
}

// Publisher receives cycle lifecycle events. Nil disables publishing.
type Publisher interface {
	PublishCycle(summary CycleSummary)
	PublishError(account string, err error)
}

// CycleSummary aggregates one cycle's outcome across all accounts.
type CycleSummary struct {
	Start    time.Time `json:"start"`
	Duration string    `json:"duration"`
	Accounts int       `json:"accounts"`
	Fetched  int       `json:"fetched"`
	Drafted  int       `json:"drafted"`
	Skipped  int       `json:"skipped"`
	Errors   int       `json:"errors"`
}

// AccountError is one failed step, kept for the status endpoint.
type AccountError struct {
	Account string    `json:"account"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Engine runs sync cycles. All mutable state is guarded; the engine is
// safe to inspect from the status endpoint while a cycle runs.
type Engine struct {
	cfg         *config.Config
	store       Mailstore
	generator   Generator
	filter      Validator
	checkpoints checkpoint.Store
	events      Publisher
	logger      *slog.Logger

	// now is swapped in tests for deterministic checkpoints.
	now func() time.Time

	running sync.Mutex

	mu         sync.Mutex
	lastCycle  CycleSummary
	recentErrs []AccountError
}

// New creates an Engine. events may be nil.
func New(cfg *config.Config, store Mailstore, generator Generator, filter Validator, checkpoints checkpoint.Store, events Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		generator:   generator,
		filter:      filter,
		checkpoints: checkpoints,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// Run executes cycles on the configured interval until ctx is
// cancelled. The first cycle starts immediately.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Sync.Interval()
	e.logger.Info("sync engine started", "interval", interval, "accounts", len(e.cfg.Accounts))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one pass over all accounts. If a cycle is already in
// flight the call returns immediately; slow cycles must not stack.
func (e *Engine) Cycle(ctx context.Context) CycleSummary {
	if !e.running.TryLock() {
		e.logger.Warn("previous cycle still running, skipping tick")
		return CycleSummary{}
	}
	defer e.running.Unlock()

	start := e.now()
	summary := CycleSummary{Start: start, Accounts: len(e.cfg.Accounts)}

	for _, acct := range e.cfg.Accounts {
		if ctx.Err() != nil {
			break
		}
		fetched, drafted, skipped, errs := e.syncAccount(ctx, acct, start)
		summary.Fetched += fetched
		summary.Drafted += drafted
		summary.Skipped += skipped
		summary.Errors += errs
	}

	summary.Duration = e.now().Sub(start).Round(time.Millisecond).String()

	e.mu.Lock()
	e.lastCycle = summary
	e.mu.Unlock()

	if e.events != nil {
		e.events.PublishCycle(summary)
	}
	e.logger.Info("sync cycle complete",
		"duration", summary.Duration,
		"fetched", summary.Fetched,
		"drafted", summary.Drafted,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
	)
	return summary
}

// syncAccount processes one account and advances its checkpoint. The
// checkpoint moves to the cycle start even when individual messages
// fail: a poisoned message must not wedge the account forever.
func (e *Engine) syncAccount(ctx context.Context, acct config.Account, cycleStart time.Time) (fetched, drafted, skipped, errs int) {
	log := e.logger.With("account", acct.Name)

	last, seen, err := e.checkpoints.Last(acct.Name)
	if err != nil {
		e.recordError(acct.Name, fmt.Errorf("read checkpoint: %w", err))
		return 0, 0, 0, 1
	}

	// First sight of an account only seeds the watermark. Drafting
	// replies to the whole historical inbox would be hostile.
	if !seen {
		if err := e.checkpoints.Advance(acct.Name, cycleStart); err != nil {
			e.recordError(acct.Name, fmt.Errorf("seed checkpoint: %w", err))
			return 0, 0, 0, 1
		}
		log.Info("checkpoint seeded, processing starts next cycle")
		return 0, 0, 0, 0
	}

	msgs, err := e.store.FetchNew(ctx, acct, last)
	if err != nil {
		e.recordError(acct.Name, fmt.Errorf("fetch new messages: %w", err))
		return 0, 0, 0, 1
	}
	fetched = len(msgs)

	var history []string
	if fetched > 0 {
		history = e.sentHistory(ctx, acct, log)
	}

	for _, raw := range msgs {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.processMessage(ctx, acct, raw, history, log)
		switch {
		case err != nil:
			e.recordError(acct.Name, err)
			errs++
		case ok:
			drafted++
		default:
			skipped++
		}
	}

	if err := e.checkpoints.Advance(acct.Name, cycleStart); err != nil {
		e.recordError(acct.Name, fmt.Errorf("advance checkpoint: %w", err))
		errs++
	}
	return fetched, drafted, skipped, errs
}

// processMessage runs the filter → generate → compose pipeline for a
// single message. ok reports whether a draft was filed.
func (e *Engine) processMessage(ctx context.Context, acct config.Account, raw mailbox.RawMessage, history []string, log *slog.Logger) (bool, error) {
	msg := mailbox.Normalize(raw)

	body, usable := sanitize.Clean(msg.PlainText)
	if !usable {
		log.Debug("skipping message with unusable content", "uid", raw.UID, "from", msg.From)
		return false, nil
	}

	verdict := e.filter.Validate(ctx, msg.From, body)
	if !verdict.Valid {
		log.Debug("message filtered out", "uid", raw.UID, "from", msg.From, "reason", verdict.Reason)
		return false, nil
	}

	reply, ok, err := e.generator.GenerateReply(ctx, llm.ReplyRequest{
		From:    msg.From,
		Subject: msg.Subject,
		Body:    body,
		History: history,
	})
	if err != nil {
		return false, fmt.Errorf("generate reply for uid %d: %w", raw.UID, err)
	}
	if !ok {
		log.Debug("model declined to reply", "uid", raw.UID, "from", msg.From)
		return false, nil
	}

	draft, err := e.store.ComposeReply(ctx, acct, raw.UID, reply)
	if err != nil {
		return false, fmt.Errorf("compose reply for uid %d: %w", raw.UID, err)
	}

	log.Info("reply drafted", "uid", raw.UID, "from", msg.From, "message_id", draft.MessageID)
	return true, nil
}

// sentHistory fetches and sanitizes recent sent mail for reply style
// context. Failures degrade to drafting without history.
func (e *Engine) sentHistory(ctx context.Context, acct config.Account, log *slog.Logger) []string {
	limit := e.cfg.Sync.HistoryLimit

	msgs, err := e.store.SentHistory(ctx, acct, limit)
	if err != nil {
		log.Warn("sent history unavailable", "error", err)
		return nil
	}

	var out []string
	for _, raw := range msgs {
		text, ok := sanitize.Clean(mailbox.Normalize(raw).PlainText)
		if !ok {
			continue
		}
		out = append(out, text)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (e *Engine) recordError(account string, err error) {
	e.logger.Error("sync step failed", "account", account, "error", err)

	e.mu.Lock()
	e.recentErrs = append(e.recentErrs, AccountError{
		Account: account,
		Time:    e.now(),
		Message: err.Error(),
	})
	if len(e.recentErrs) > maxRecentErrors {
		e.recentErrs = e.recentErrs[len(e.recentErrs)-maxRecentErrors:]
	}
	e.mu.Unlock()

	if e.events != nil {
		e.events.PublishError(account, err)
	}
}

// LastCycle returns the most recent cycle summary.
func (e *Engine) LastCycle() CycleSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}

// RecentErrors returns a copy of the bounded error ring, newest last.
func (e *Engine) RecentErrors() []AccountError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AccountError, len(e.recentErrs))
	copy(out, e.recentErrs)
	return out
}
