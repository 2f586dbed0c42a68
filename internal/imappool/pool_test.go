package imappool

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/draftmill/draftmill/internal/config"
)

func testAccount(name string) config.Account {
	return config.Account{
		Name: name,
		IMAP: config.IMAPConfig{
			Host:     "imap.example.com",
			Port:     993,
			Username: name + "@example.com",
			Password: "secret",
			TLS:      true,
		},
	}
}

func testPool(dial dialFunc) *Pool {
	p := New(time.Second, slog.Default())
	p.dial = dial
	return p
}

func TestKeyFor(t *testing.T) {
	key := KeyFor(testAccount("alice"))

	want := Key{User: "alice@example.com", Host: "imap.example.com", Port: 993}
	if key != want {
		t.Errorf("KeyFor() = %+v, want %+v", key, want)
	}
	if key.String() != "alice@example.com@imap.example.com:993" {
		t.Errorf("Key.String() = %q", key.String())
	}
}

func TestAcquireReusesOpenSession(t *testing.T) {
	dials := 0
	p := testPool(func(acct config.Account) (*imapclient.Client, error) {
		dials++
		return nil, nil
	})

	acct := testAccount("alice")

	first, err := p.Acquire(context.Background(), acct)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	second, err := p.Acquire(context.Background(), acct)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if first != second {
		t.Error("second Acquire should return the pooled session")
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestAcquireRedialsAfterClose(t *testing.T) {
	dials := 0
	p := testPool(func(acct config.Account) (*imapclient.Client, error) {
		dials++
		return nil, nil
	})

	acct := testAccount("alice")

	first, err := p.Acquire(context.Background(), acct)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	first.MarkClosed()

	second, err := p.Acquire(context.Background(), acct)
	if err != nil {
		t.Fatalf("Acquire after close: %v", err)
	}

	if first == second {
		t.Error("closed session should not be reused")
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestAcquireSeparateAccountsSeparateSessions(t *testing.T) {
	p := testPool(func(acct config.Account) (*imapclient.Client, error) {
		return nil, nil
	})

	a, err := p.Acquire(context.Background(), testAccount("alice"))
	if err != nil {
		t.Fatalf("Acquire alice: %v", err)
	}
	b, err := p.Acquire(context.Background(), testAccount("bob"))
	if err != nil {
		t.Fatalf("Acquire bob: %v", err)
	}

	if a == b {
		t.Error("different accounts must not share a session")
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := New(20*time.Millisecond, slog.Default())
	p.dial = func(acct config.Account) (*imapclient.Client, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}

	_, err := p.Acquire(context.Background(), testAccount("alice"))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Acquire error = %v, want ErrTimeout", err)
	}
	if p.Len() != 0 {
		t.Errorf("failed connect must not leave a pooled session, Len() = %d", p.Len())
	}
}

func TestAcquireDialError(t *testing.T) {
	p := testPool(func(acct config.Account) (*imapclient.Client, error) {
		return nil, ErrAuth
	})

	_, err := p.Acquire(context.Background(), testAccount("alice"))
	if !errors.Is(err, ErrAuth) {
		t.Errorf("Acquire error = %v, want ErrAuth", err)
	}
}

func TestEvictClosed(t *testing.T) {
	p := testPool(func(acct config.Account) (*imapclient.Client, error) {
		return nil, nil
	})

	alice, _ := p.Acquire(context.Background(), testAccount("alice"))
	_, _ = p.Acquire(context.Background(), testAccount("bob"))

	alice.MarkClosed()

	if n := p.EvictClosed(); n != 1 {
		t.Errorf("EvictClosed() = %d, want 1", n)
	}
	if p.Len() != 1 {
		t.Errorf("Len() after sweep = %d, want 1", p.Len())
	}
}

func TestCloseAllEmptiesPool(t *testing.T) {
	p := testPool(func(acct config.Account) (*imapclient.Client, error) {
		return nil, nil
	})

	_, _ = p.Acquire(context.Background(), testAccount("alice"))
	_, _ = p.Acquire(context.Background(), testAccount("bob"))

	p.CloseAll()

	if p.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d, want 0", p.Len())
	}
}

func TestWithClientOnClosedSession(t *testing.T) {
	sess := &Session{key: Key{User: "a", Host: "h", Port: 1}}
	sess.MarkClosed()

	err := sess.WithClient(func(c *imapclient.Client) error { return nil })
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("WithClient on closed session = %v, want ErrProtocol", err)
	}
}

func TestIsAuthErr(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"LOGIN failed: invalid credentials", true},
		{"[AUTHENTICATIONFAILED] Authentication failed.", true},
		{"access denied", true},
		{"connection reset by peer", false},
		{"EOF", false},
	}

	for _, tt := range tests {
		if got := isAuthErr(errors.New(tt.msg)); got != tt.want {
			t.Errorf("isAuthErr(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
