package mailbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/draftmill/draftmill/internal/imappool"
)

// maxRawMessageSize is the maximum raw RFC822 source to buffer per
// message. Larger sources (huge attachments) are truncated and the
// remainder of the literal drained to keep the IMAP stream in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// Reader fetches messages through a pooled IMAP session. It is
// stateless; all per-call state lives in the session.
type Reader struct {
	logger *slog.Logger
}

// NewReader creates a Reader.
func NewReader(logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{logger: logger}
}

// FetchSince returns messages in the folder whose internal date is
// strictly after since. The folder is opened read-only. Results are in
// mailbox sequence order; callers impose their own ordering.
func (r *Reader) FetchSince(ctx context.Context, sess *imappool.Session, folder string, since time.Time) ([]RawMessage, error) {
	var out []RawMessage

	err := sess.WithClient(func(c *imapclient.Client) error {
		data, err := selectFolder(c, folder, true)
		if err != nil {
			return err
		}
		if data.NumMessages == 0 {
			return nil
		}

		// SEARCH SINCE has date granularity; the exact cut happens
		// client-side on the fetched internal dates.
		criteria := &imap.SearchCriteria{Since: since.Truncate(24 * time.Hour)}
		searchData, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("search %s: %w", folder, err)
		}

		uids := searchData.AllUIDs()
		if len(uids) == 0 {
			return nil
		}

		uidSet := imap.UIDSet{}
		for _, uid := range uids {
			uidSet.AddNum(uid)
		}

		msgs, err := r.fetchFull(c, uidSet)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.InternalDate.After(since) {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchRecent returns the last min(n, total) messages of the folder by
// sequence number, full source included. Used for building reply
// context from sent mail.
func (r *Reader) FetchRecent(ctx context.Context, sess *imappool.Session, folder string, n int) ([]RawMessage, error) {
	var out []RawMessage

	err := sess.WithClient(func(c *imapclient.Client) error {
		data, err := selectFolder(c, folder, true)
		if err != nil {
			return err
		}
		total := data.NumMessages
		if total == 0 || n <= 0 {
			return nil
		}

		start := uint32(1)
		if uint32(n) < total {
			start = total - uint32(n) + 1
		}

		seqSet := imap.SeqSet{}
		seqSet.AddRange(start, total)

		out, err = r.fetchFull(c, seqSet)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchByUID returns the single message with the given UID, or
// ErrNotFound. The folder is opened read-only.
func (r *Reader) FetchByUID(ctx context.Context, sess *imappool.Session, folder string, uid uint32) (RawMessage, error) {
	var out RawMessage
	found := false

	err := sess.WithClient(func(c *imapclient.Client) error {
		if _, err := selectFolder(c, folder, true); err != nil {
			return err
		}

		uidSet := imap.UIDSet{}
		uidSet.AddNum(imap.UID(uid))

		msgs, err := r.fetchFull(c, uidSet)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			out = msgs[0]
			found = true
		}
		return nil
	})
	if err != nil {
		return RawMessage{}, err
	}
	if !found {
		return RawMessage{}, fmt.Errorf("%w: uid %d in %s", ErrNotFound, uid, folder)
	}
	return out, nil
}

// OpenFirst selects the first folder from candidates that opens
// read-only and returns its name. Vendor sent-folder names vary, so
// callers pass an ordered candidate list.
func (r *Reader) OpenFirst(ctx context.Context, sess *imappool.Session, candidates []string) (string, error) {
	var opened string

	err := sess.WithClient(func(c *imapclient.Client) error {
		for _, name := range candidates {
			if _, err := selectFolder(c, name, true); err == nil {
				opened = name
				return nil
			}
		}
		return fmt.Errorf("%w: none of %v opened", ErrFolderUnavailable, candidates)
	})
	if err != nil {
		return "", err
	}
	return opened, nil
}

// AppendDraft appends a composed message to the folder with the \Draft
// flag set.
func (r *Reader) AppendDraft(ctx context.Context, sess *imappool.Session, folder string, raw []byte) error {
	return sess.WithClient(func(c *imapclient.Client) error {
		opts := &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagDraft},
			Time:  time.Now(),
		}

		cmd := c.Append(folder, int64(len(raw)), opts)
		if _, err := cmd.Write(raw); err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append to %s: %w", folder, err)
		}
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("append to %s: %w", folder, err)
		}
		if _, err := cmd.Wait(); err != nil {
			return fmt.Errorf("append to %s: %w", folder, err)
		}
		return nil
	})
}

// selectFolder selects a mailbox, defaulting to INBOX.
func selectFolder(c *imapclient.Client, folder string, readOnly bool) (*imap.SelectData, error) {
	if folder == "" {
		folder = "INBOX"
	}
	var opts *imap.SelectOptions
	if readOnly {
		opts = &imap.SelectOptions{ReadOnly: true}
	}
	data, err := c.Select(folder, opts).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %v", ErrFolderUnavailable, folder, err)
	}
	return data, nil
}

// fetchFull fetches envelope, flags, internal date, and full source for
// the given message set. Caller must hold the session lock and have a
// selected folder.
func (r *Reader) fetchFull(c *imapclient.Client, numSet imap.NumSet) ([]RawMessage, error) {
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		Flags:        true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true}, // Reading for drafting must not mark \Seen.
		},
	}

	fetchCmd := c.Fetch(numSet, fetchOpts)

	var msgs []RawMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		raw, err := r.parseFetchData(msg)
		if err != nil {
			r.logger.Debug("skipping message", "error", err)
			continue
		}
		msgs = append(msgs, raw)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return msgs, nil
}

// parseFetchData extracts a RawMessage from IMAP fetch response items.
// Body literals are consumed immediately — go-imap/v2 streams them from
// the connection and advancing past an unread literal loses the data.
func (r *Reader) parseFetchData(msg *imapclient.FetchMessageData) (RawMessage, error) {
	var raw RawMessage

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			raw.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				raw.Flags = append(raw.Flags, string(f))
			}
		case imapclient.FetchItemDataInternalDate:
			raw.InternalDate = data.Time
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				raw.Date = data.Envelope.Date
				raw.Subject = data.Envelope.Subject
				// Address lists collapse first-wins; header
				// repetition is expected and only the first
				// occurrence is authoritative.
				if len(data.Envelope.From) > 0 {
					raw.From = formatAddress(data.Envelope.From[0])
				}
				if len(data.Envelope.To) > 0 {
					raw.To = formatAddress(data.Envelope.To[0])
				}
			}
		case imapclient.FetchItemDataBodySection:
			if data.Literal == nil {
				continue
			}
			src, err := io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			drainLiteral(data.Literal)
			if err != nil {
				r.logger.Debug("error reading body literal", "error", err)
				continue
			}
			raw.Source = src
		}
	}

	if raw.UID == 0 {
		return raw, fmt.Errorf("message missing UID")
	}
	return raw, nil
}
