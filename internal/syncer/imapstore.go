package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/draftmill/draftmill/internal/compose"
	"github.com/draftmill/draftmill/internal/config"
	"github.com/draftmill/draftmill/internal/imappool"
	"github.com/draftmill/draftmill/internal/mailbox"
)

// IMAPStore is the production Mailstore: pooled IMAP sessions behind
// the mailbox reader and the draft composer.
type IMAPStore struct {
	pool     *imappool.Pool
	reader   *mailbox.Reader
	composer *compose.Composer
	logger   *slog.Logger
}

// NewIMAPStore creates an IMAPStore.
func NewIMAPStore(pool *imappool.Pool, reader *mailbox.Reader, composer *compose.Composer, logger *slog.Logger) *IMAPStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPStore{
		pool:     pool,
		reader:   reader,
		composer: composer,
		logger:   logger,
	}
}

// FetchNew implements Mailstore.
func (s *IMAPStore) FetchNew(ctx context.Context, acct config.Account, since time.Time) ([]mailbox.RawMessage, error) {
	sess, err := s.pool.Acquire(ctx, acct)
	if err != nil {
		return nil, err
	}

	msgs, err := s.reader.FetchSince(ctx, sess, "INBOX", since)
	if err != nil {
		s.retireOnTransportError(sess, err)
		return nil, err
	}
	return msgs, nil
}

// SentHistory implements Mailstore. A missing sent folder is not an
// error; drafting proceeds without style context.
func (s *IMAPStore) SentHistory(ctx context.Context, acct config.Account, limit int) ([]mailbox.RawMessage, error) {
	sess, err := s.pool.Acquire(ctx, acct)
	if err != nil {
		return nil, err
	}

	folder, err := s.reader.OpenFirst(ctx, sess, acct.SentFolders)
	if err != nil {
		if errors.Is(err, mailbox.ErrFolderUnavailable) {
			s.logger.Debug("no sent folder found", "account", acct.Name, "candidates", acct.SentFolders)
			return nil, nil
		}
		s.retireOnTransportError(sess, err)
		return nil, err
	}

	msgs, err := s.reader.FetchRecent(ctx, sess, folder, limit)
	if err != nil {
		s.retireOnTransportError(sess, err)
		return nil, err
	}
	return msgs, nil
}

// ComposeReply implements Mailstore.
func (s *IMAPStore) ComposeReply(ctx context.Context, acct config.Account, uid uint32, replyText string) (compose.Draft, error) {
	sess, err := s.pool.Acquire(ctx, acct)
	if err != nil {
		return compose.Draft{}, err
	}

	draft, err := s.composer.ComposeReply(ctx, sess, "INBOX", acct.DraftsFolder, uid, replyText, acct.IMAP.Username, acct.ReplyDomain())
	if err != nil {
		if !errors.Is(err, compose.ErrTargetNotFound) {
			s.retireOnTransportError(sess, err)
		}
		return compose.Draft{}, err
	}
	return draft, nil
}

// retireOnTransportError marks the session closed so the next cycle
// redials, unless the error is a domain condition (missing folder or
// message) on a healthy connection.
func (s *IMAPStore) retireOnTransportError(sess *imappool.Session, err error) {
	if errors.Is(err, mailbox.ErrFolderUnavailable) || errors.Is(err, mailbox.ErrNotFound) {
		return
	}
	sess.MarkClosed()
	evicted := s.pool.EvictClosed()
	s.logger.Warn("retired IMAP session after transport error",
		"session", sess.Key().String(),
		"evicted", evicted,
		"error", err,
	)
}
