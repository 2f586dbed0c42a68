// Package contacts resolves sender addresses against a CardDAV address
// book. The syncer treats known senders as always worth replying to,
// skipping AI spam classification for them.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/draftmill/draftmill/internal/config"
)

// cacheTTL bounds how stale the in-memory address set may get before
// the next lookup refreshes it from the server.
const cacheTTL = 15 * time.Minute

// Resolver looks up email addresses in a CardDAV address book. Lookups
// hit an in-memory snapshot that is refreshed lazily; a refresh failure
// degrades to "unknown" rather than erroring the whole pipeline.
type Resolver struct {
	client *carddav.Client
	logger *slog.Logger

	mu        sync.Mutex
	addresses map[string]bool
	fetchedAt time.Time
}

// NewResolver connects to the CardDAV endpoint with basic auth. The
// address book itself is discovered on first use.
func NewResolver(cfg config.CardDAVConfig, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := webdav.HTTPClientWithBasicAuth(&http.Client{Timeout: 30 * time.Second}, cfg.Username, cfg.Password)
	client, err := carddav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("carddav client for %s: %w", cfg.URL, err)
	}

	return &Resolver{
		client: client,
		logger: logger,
	}, nil
}

// Known reports whether the address appears in the address book.
func (r *Resolver) Known(ctx context.Context, address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.addresses == nil || time.Since(r.fetchedAt) > cacheTTL {
		addrs, err := r.fetchAddresses(ctx)
		if err != nil {
			if r.addresses == nil {
				return false, err
			}
			// Serve the stale snapshot rather than failing lookups.
			r.logger.Debug("carddav refresh failed, using cached addresses", "error", err)
		} else {
			r.addresses = addrs
			r.fetchedAt = time.Now()
		}
	}

	return r.addresses[strings.ToLower(address)], nil
}

// fetchAddresses walks principal → home set → address books and
// collects every EMAIL property into a lowercase set.
func (r *Resolver) fetchAddresses(ctx context.Context) (map[string]bool, error) {
	principal, err := r.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := r.client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	books, err := r.client.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find address books: %w", err)
	}

	addresses := make(map[string]bool)
	query := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{vcard.FieldFormattedName, vcard.FieldEmail},
		},
	}

	for _, book := range books {
		objects, err := r.client.QueryAddressBook(ctx, book.Path, query)
		if err != nil {
			r.logger.Debug("address book query failed", "book", book.Path, "error", err)
			continue
		}
		for _, obj := range objects {
			collectEmails(addresses, obj.Card)
		}
	}

	r.logger.Debug("carddav addresses loaded", "count", len(addresses), "books", len(books))
	return addresses, nil
}

// collectEmails adds every EMAIL value of a card to the set.
func collectEmails(set map[string]bool, card vcard.Card) {
	for _, field := range card[vcard.FieldEmail] {
		addr := strings.ToLower(strings.TrimSpace(field.Value))
		if addr != "" {
			set[addr] = true
		}
	}
}
