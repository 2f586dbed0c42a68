// Package imappool owns pooled IMAP sessions keyed by account identity.
// Sessions are established lazily with a hard connect timeout, reused
// across sync cycles, and evicted once marked closed. All Pool methods
// are goroutine-safe; a Session serializes access to its underlying
// IMAP client with a mutex since IMAP is a stateful, single-stream
// protocol.
package imappool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/draftmill/draftmill/internal/config"
)

// Typed connection failures. Callers match with errors.Is.
var (
	// ErrTimeout is returned when dial+login exceeds the pool's
	// connect timeout.
	ErrTimeout = errors.New("imap: connection timeout")

	// ErrAuth is returned when the server rejects the login.
	ErrAuth = errors.New("imap: authentication failed")

	// ErrProtocol covers dial and handshake failures that are neither
	// timeouts nor authentication rejections.
	ErrProtocol = errors.New("imap: protocol error")
)

// DefaultConnectTimeout bounds a single dial+login attempt.
const DefaultConnectTimeout = 30 * time.Second

// Key identifies a pooled session. Two accounts with the same user,
// host and port share a connection.
type Key struct {
	User string
	Host string
	Port int
}

// KeyFor derives the pool key for an account.
func KeyFor(acct config.Account) Key {
	return Key{
		User: acct.IMAP.Username,
		Host: acct.IMAP.Host,
		Port: acct.IMAP.Port,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.User, k.Host, k.Port)
}

// Session is a live, authenticated IMAP connection. It stays in the
// pool until marked closed; components that observe a dead connection
// call MarkClosed so the next Acquire dials fresh.
type Session struct {
	key Key

	mu     sync.Mutex
	client *imapclient.Client
	closed bool
}

// Key returns the pool key this session was established for.
func (s *Session) Key() Key { return s.key }

// Closed reports whether the session has been marked closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MarkClosed flags the session as dead. The underlying connection is
// closed; the pool evicts the session on next acquisition or sweep.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.client != nil {
		_ = s.client.Close()
	}
}

// WithClient runs fn while holding the session lock. It fails if the
// session has been marked closed. fn must not retain the client past
// its return.
func (s *Session) WithClient(fn func(c *imapclient.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.client == nil {
		return fmt.Errorf("%w: session %s is closed", ErrProtocol, s.key)
	}
	return fn(s.client)
}

// logout performs a best-effort LOGOUT and closes the connection.
func (s *Session) logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.client == nil {
		return nil
	}
	s.closed = true
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	return err
}

// dialFunc establishes and authenticates an IMAP client. Swapped out
// in tests.
type dialFunc func(acct config.Account) (*imapclient.Client, error)

// Pool is a concurrency-safe session pool keyed by account identity.
type Pool struct {
	timeout time.Duration
	logger  *slog.Logger
	dial    dialFunc

	mu       sync.Mutex
	sessions map[Key]*Session
}

// New creates an empty pool. A zero timeout uses DefaultConnectTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Pool {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		timeout:  timeout,
		logger:   logger,
		dial:     dialAndLogin,
		sessions: make(map[Key]*Session),
	}
}

// Acquire returns a live session for the account, reusing a pooled one
// when it is still open. A new connection races the pool's connect
// timeout; on timeout or failure any partially-open resource is
// released and a typed error is returned.
func (p *Pool) Acquire(ctx context.Context, acct config.Account) (*Session, error) {
	key := KeyFor(acct)

	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok {
		if !sess.Closed() {
			p.mu.Unlock()
			return sess, nil
		}
		delete(p.sessions, key)
	}
	p.mu.Unlock()

	sess, err := p.connect(ctx, acct, key)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	// Another goroutine may have connected while we dialed; prefer the
	// existing session and discard ours.
	if existing, ok := p.sessions[key]; ok && !existing.Closed() {
		p.mu.Unlock()
		_ = sess.logout()
		return existing, nil
	}
	p.sessions[key] = sess
	p.mu.Unlock()

	p.logger.Info("IMAP session established", "key", key.String())
	return sess, nil
}

// connect dials and authenticates, bounded by the pool timeout. The
// dial runs in its own goroutine; if the deadline wins, the eventual
// connection is closed as soon as it materializes.
func (p *Pool) connect(ctx context.Context, acct config.Account, key Key) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type dialResult struct {
		client *imapclient.Client
		err    error
	}
	ch := make(chan dialResult, 1)

	go func() {
		client, err := p.dial(acct)
		select {
		case ch <- dialResult{client, err}:
		default:
			// Deadline already won; release the late connection.
			if client != nil {
				_ = client.Logout().Wait()
				_ = client.Close()
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, p.timeout)
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return &Session{key: key, client: res.client}, nil
	}
}

// dialAndLogin is the production dialer.
func dialAndLogin(acct config.Account) (*imapclient.Client, error) {
	addr := net.JoinHostPort(acct.IMAP.Host, fmt.Sprintf("%d", acct.IMAP.Port))

	var opts imapclient.Options
	if acct.IMAP.TLS {
		opts.TLSConfig = &tls.Config{ServerName: acct.IMAP.Host}
	}

	var client *imapclient.Client
	var err error
	if acct.IMAP.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProtocol, addr, err)
	}

	if err := client.Login(acct.IMAP.Username, acct.IMAP.Password).Wait(); err != nil {
		_ = client.Close()
		if isAuthErr(err) {
			return nil, fmt.Errorf("%w: login as %s: %v", ErrAuth, acct.IMAP.Username, err)
		}
		return nil, fmt.Errorf("%w: login as %s: %v", ErrProtocol, acct.IMAP.Username, err)
	}

	return client, nil
}

// isAuthErr sniffs server rejections from login failures. IMAP has no
// structured auth error, so this matches the response text the common
// servers produce.
func isAuthErr(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"authentication", "credentials", "login failed", "invalid", "denied"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EvictClosed sweeps sessions that have been marked closed out of the
// pool. Eviction also happens lazily in Acquire; the sweep exists for
// callers that want deterministic cleanup between cycles.
func (p *Pool) EvictClosed() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for key, sess := range p.sessions {
		if sess.Closed() {
			delete(p.sessions, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of pooled sessions, open or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// CloseAll logs out every pooled session. Logout errors are logged and
// swallowed — shutdown must not fail because a server hung up first.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.sessions = make(map[Key]*Session)
	p.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.logout(); err != nil {
			p.logger.Warn("error closing IMAP session", "key", sess.key.String(), "error", err)
		}
	}
}
