// Package credcache hands out live token sources for delegated Google
// accounts. Credentials are loaded lazily from the kv store, refreshed when
// expired, persisted again after every refresh, and memoized per account
// until a new credential is ingested.
package credcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

// ErrNotAuthenticated is the soft failure for an account that has no usable
// credential. Callers turn it into a per-account error record.
var ErrNotAuthenticated = errors.New("not authenticated")

// KeyPrefix prefixes the kv key of every account credential.
const KeyPrefix = "gmail_token_"

// DefaultRefreshTimeout bounds a single token refresh round trip.
const DefaultRefreshTimeout = 30 * time.Second

// Account status values reported by Status.
const (
	StatusAuthenticated    = "authenticated"
	StatusNotAuthenticated = "not_authenticated"
)

// Key returns the kv key for account.
func Key(account string) string {
	return KeyPrefix + account
}

// Options configures a Cache.
type Options struct {
	// OAuth supplies the client credentials and token endpoint used for
	// refreshes. A credential carrying its own client_id/client_secret
	// overrides them.
	OAuth oauth2.Config

	// HTTPClient performs refreshes. Defaults to a client with
	// DefaultRefreshTimeout.
	HTTPClient *http.Client
}

type entry struct {
	src oauth2.TokenSource
}

// Cache memoizes one token source per account.
type Cache struct {
	store      kvstore.Store
	oauth      oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	// gen is bumped on every eviction. A source remembers the generation it
	// was built at and neither gets memoized nor persists refreshes once
	// the account has moved past it.
	gen map[string]uint64
}

// New returns an empty Cache.
func New(store kvstore.Store, opts Options, logger *slog.Logger) *Cache {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultRefreshTimeout}
	}

	return &Cache{
		store:      store,
		oauth:      opts.OAuth,
		httpClient: client,
		logger:     logger,
		entries:    make(map[string]*entry),
		gen:        make(map[string]uint64),
	}
}

// Acquire returns a token source for account. A memoized source is reused
// while it still yields a valid token. Otherwise the stored credential is
// loaded and, when expired with a refresh token, refreshed and persisted.
// ErrNotAuthenticated (wrapped) is returned when no valid token results.
func (c *Cache) Acquire(ctx context.Context, account string) (oauth2.TokenSource, error) {
	c.mu.Lock()
	e := c.entries[account]
	gen := c.gen[account]
	c.mu.Unlock()

	if e != nil {
		if tok, err := e.src.Token(); err == nil && tok.Valid() {
			return e.src, nil
		}

		c.logger.Info("memoized credential no longer valid, reloading", slog.String("account", account))
		c.evictIf(account, e)
		gen = c.generation(account)
	}

	cred, err := c.load(ctx, account)
	if err != nil {
		return nil, err
	}

	if cred == nil {
		return nil, fmt.Errorf("credcache: %s: %w", account, ErrNotAuthenticated)
	}

	tok := cred.Token()
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, fmt.Errorf("credcache: %s: %w (expired, no refresh token)", account, ErrNotAuthenticated)
	}

	src := c.tokenSource(account, gen, *cred, tok)

	// Forces the refresh now so an unusable credential is reported here
	// rather than on the first API call.
	fresh, err := src.Token()
	if err != nil {
		c.logger.Warn("credential refresh failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("credcache: %s: %w: %w", account, ErrNotAuthenticated, err)
	}

	if !fresh.Valid() {
		return nil, fmt.Errorf("credcache: %s: %w", account, ErrNotAuthenticated)
	}

	c.mu.Lock()
	if c.gen[account] == gen {
		c.entries[account] = &entry{src: src}
	}
	c.mu.Unlock()

	return src, nil
}

// tokenSource builds a refreshing source that writes every new token back
// to the store while account is still at generation gen.
func (c *Cache) tokenSource(account string, gen uint64, cred Credential, tok *oauth2.Token) oauth2.TokenSource {
	cfg := c.oauth
	if cred.ClientID != "" {
		cfg.ClientID = cred.ClientID
		cfg.ClientSecret = cred.ClientSecret
	}

	if cred.TokenURI != "" {
		cfg.Endpoint.TokenURL = cred.TokenURI
	}

	var mu sync.Mutex

	current := cred

	// Runs after each silent refresh inside Token().
	cfg.OnTokenChange = func(newTok *oauth2.Token) {
		mu.Lock()
		current = current.withToken(newTok)
		next := current
		mu.Unlock()

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.gen[account] != gen {
			c.logger.Debug("discarding refresh of superseded credential", slog.String("account", account))
			return
		}

		c.logger.Info("credential refreshed",
			slog.String("account", account),
			slog.Time("new_expiry", newTok.Expiry),
		)

		// The refresh context may be gone; persisting must not depend on it.
		if err := c.save(context.Background(), account, next); err != nil {
			c.logger.Warn("failed to persist refreshed credential",
				slog.String("account", account),
				slog.String("error", err.Error()),
			)
		}
	}

	// The source outlives this call, so it must not capture a request context.
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)

	return cfg.TokenSource(refreshCtx, tok)
}

// Ingest validates and persists a credential blob for account, then evicts
// any memoized source so the next Acquire loads it.
func (c *Cache) Ingest(ctx context.Context, account string, blob []byte) error {
	if account == "" {
		return fmt.Errorf("%w: missing account", ErrInvalidCredential)
	}

	cred, err := ParseCredential(blob)
	if err != nil {
		return err
	}

	if cred.Account == "" {
		cred.Account = account
	}

	if err := c.replace(ctx, account, *cred); err != nil {
		return err
	}

	c.logger.Info("ingested credential", slog.String("account", account))

	return nil
}

// Store persists a freshly exchanged token for account and evicts any
// memoized source.
func (c *Cache) Store(ctx context.Context, account string, tok *oauth2.Token) error {
	cred := Credential{
		TokenURI:     c.oauth.Endpoint.TokenURL,
		ClientID:     c.oauth.ClientID,
		ClientSecret: c.oauth.ClientSecret,
		Scopes:       c.oauth.Scopes,
		Account:      account,
	}.withToken(tok)

	if err := c.replace(ctx, account, cred); err != nil {
		return err
	}

	c.logger.Info("stored credential", slog.String("account", account), slog.Time("expiry", tok.Expiry))

	return nil
}

// replace persists cred and evicts in one critical section, so a refresh
// from an older source cannot land between the two.
func (c *Cache) replace(ctx context.Context, account string, cred Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.save(ctx, account, cred); err != nil {
		return err
	}

	delete(c.entries, account)
	c.gen[account]++

	return nil
}

func (c *Cache) evictIf(account string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[account] == e {
		delete(c.entries, account)
		c.gen[account]++
	}
}

func (c *Cache) generation(account string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.gen[account]
}

// Status reports, per account, whether a credential is stored. It does not
// contact the token endpoint.
func (c *Cache) Status(ctx context.Context, accounts []string) (map[string]string, error) {
	out := make(map[string]string, len(accounts))

	for _, account := range accounts {
		_, err := c.store.Get(ctx, Key(account))

		switch {
		case err == nil:
			out[account] = StatusAuthenticated
		case errors.Is(err, kvstore.ErrNotFound):
			out[account] = StatusNotAuthenticated
		default:
			return nil, fmt.Errorf("credcache: checking %s: %w", account, err)
		}
	}

	return out, nil
}

// load returns nil, nil when no credential is stored. A stored value that
// does not parse is a *kvstore.CorruptError.
func (c *Cache) load(ctx context.Context, account string) (*Credential, error) {
	data, err := c.store.Get(ctx, Key(account))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("credcache: loading %s: %w", account, err)
	}

	cred, err := ParseCredential(data)
	if err != nil {
		return nil, fmt.Errorf("credcache: loading %s: %w", account, &kvstore.CorruptError{Key: Key(account), Err: err})
	}

	return cred, nil
}

func (c *Cache) save(ctx context.Context, account string, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credcache: encoding %s: %w", account, err)
	}

	if err := c.store.Set(ctx, Key(account), data); err != nil {
		return fmt.Errorf("credcache: saving %s: %w", account, err)
	}

	return nil
}
