// Package authz decides whether a request may proceed, either on the
// strength of a device token or, for sync writes only, a pre-shared key.
package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tonimelisma/chief-of-staff/internal/devices"
)

// ErrUnauthorized is the single failure outcome. It deliberately carries no
// detail about which check failed.
var ErrUnauthorized = errors.New("authz: unauthorized")

// Query parameters and headers that carry credentials.
const (
	TokenParam    = "token"
	KeyParam      = "key"
	KeyHeader     = "X-API-Key"
	bearerPrefix  = "Bearer "
	authorization = "Authorization"
)

// TokenValidator resolves a raw device token. *devices.Manager satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*devices.Device, error)
}

// Grant describes why a request was allowed. Exactly one of Device and
// SharedKey is set.
type Grant struct {
	Device    *devices.Device
	SharedKey bool
}

// Authorizer combines device-token and shared-key checks.
type Authorizer struct {
	tokens TokenValidator
	keyFn  func() string
	logger *slog.Logger
}

// New returns an Authorizer. keyFn is consulted on every request so a
// reloaded configuration takes effect immediately; an empty result means no
// shared key is configured.
func New(tokens TokenValidator, keyFn func() string, logger *slog.Logger) *Authorizer {
	if keyFn == nil {
		keyFn = func() string { return "" }
	}

	return &Authorizer{tokens: tokens, keyFn: keyFn, logger: logger}
}

// DeviceToken extracts the raw device token from the query string or a
// Bearer authorization header. The query parameter wins when both exist.
func DeviceToken(r *http.Request) string {
	if tok := r.URL.Query().Get(TokenParam); tok != "" {
		return tok
	}

	if h := r.Header.Get(authorization); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}

	return ""
}

// Authorize grants access for a valid device token regardless of verb.
// Failing that, and only when allowSharedKey is set, a request presenting the
// configured shared key is granted. Any other outcome is ErrUnauthorized; a
// non-nil error other than ErrUnauthorized means the device store failed.
func (a *Authorizer) Authorize(ctx context.Context, r *http.Request, allowSharedKey bool) (Grant, error) {
	if tok := DeviceToken(r); tok != "" {
		dev, err := a.tokens.Validate(ctx, tok)
		if err != nil {
			return Grant{}, fmt.Errorf("authz: validating device token: %w", err)
		}

		if dev != nil {
			return Grant{Device: dev}, nil
		}
	}

	if allowSharedKey && a.sharedKeyMatches(r) {
		return Grant{SharedKey: true}, nil
	}

	a.logger.Debug("request not authorized",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	return Grant{}, ErrUnauthorized
}

// Allowed is Authorize collapsed to a boolean. Store failures count as
// denial.
func (a *Authorizer) Allowed(ctx context.Context, r *http.Request, allowSharedKey bool) bool {
	_, err := a.Authorize(ctx, r, allowSharedKey)
	return err == nil
}

func (a *Authorizer) sharedKeyMatches(r *http.Request) bool {
	want := a.keyFn()
	if want == "" {
		return false
	}

	got := r.URL.Query().Get(KeyParam)
	if got == "" {
		got = r.Header.Get(KeyHeader)
	}

	if got == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
