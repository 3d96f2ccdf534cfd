// Package signin drives the two browser OAuth flows against Google: "login"
// (identify the user and issue a device token) and "services" (obtain an
// offline credential for Gmail and Calendar). Both share one callback; the
// state prefix tells them apart.
package signin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/chief-of-staff/internal/google"
)

// Kind distinguishes the two flows.
type Kind string

const (
	KindLogin    Kind = "login"
	KindServices Kind = "services"
)

// StateTTL bounds how long an issued state value stays redeemable.
const StateTTL = 10 * time.Minute

// stateBytes is the random part of a state value.
const stateBytes = 16

// maxPending caps outstanding states so unauthenticated /login hits cannot
// grow memory without bound.
const maxPending = 1024

var (
	// ErrInvalidState is returned for a missing, unknown, expired, or
	// already used state value.
	ErrInvalidState = errors.New("signin: invalid state")

	// ErrAccessDenied is returned when the verified account is not on the
	// allow-list. The Result is still returned so the caller can name it.
	ErrAccessDenied = errors.New("signin: account not allowed")

	// ErrNotConfigured is returned when no OAuth client is configured.
	ErrNotConfigured = errors.New("signin: oauth client not configured")
)

// Settings is the live OAuth configuration, read on every call.
type Settings struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Accounts     []string
}

// IDVerifier checks an ID token. *google.Client satisfies it.
type IDVerifier interface {
	VerifyIDToken(ctx context.Context, idToken, audience string) (*google.Identity, error)
}

// Result is the outcome of a completed flow.
type Result struct {
	Kind   Kind
	Email  string
	Name   string
	Device string
	Token  *oauth2.Token
}

type pending struct {
	kind    Kind
	device  string
	expires time.Time
}

// Flow issues authorization URLs and completes callbacks.
type Flow struct {
	settingsFn func() Settings
	verifier   IDVerifier
	endpoint   oauth2.Endpoint
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	states map[string]pending

	nowFunc func() time.Time
}

// Options configures a Flow.
type Options struct {
	Settings func() Settings
	Verifier IDVerifier

	// Endpoint defaults to google.Endpoint.
	Endpoint oauth2.Endpoint

	// HTTPClient performs the code exchange. Defaults to a client with a
	// 30s timeout.
	HTTPClient *http.Client
}

// New returns a Flow.
func New(opts Options, logger *slog.Logger) *Flow {
	endpoint := opts.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &Flow{
		settingsFn: opts.Settings,
		verifier:   opts.Verifier,
		endpoint:   endpoint,
		httpClient: client,
		logger:     logger,
		states:     make(map[string]pending),
		nowFunc:    time.Now,
	}
}

func (f *Flow) oauthConfig(s Settings, kind Kind) *oauth2.Config {
	scopes := google.LoginScopes
	if kind == KindServices {
		scopes = google.ServiceScopes
	}

	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RedirectURL:  s.RedirectURL,
		Endpoint:     f.endpoint,
		Scopes:       scopes,
	}
}

// OAuthConfig returns the client configuration used for refreshing
// credentials obtained through the services flow.
func (f *Flow) OAuthConfig() oauth2.Config {
	return *f.oauthConfig(f.settingsFn(), KindServices)
}

// AuthURL starts a flow and returns the provider URL to redirect to. device
// is remembered with the state and reported back by Complete (login only).
func (f *Flow) AuthURL(kind Kind, device string) (string, error) {
	s := f.settingsFn()
	if s.ClientID == "" {
		return "", ErrNotConfigured
	}

	state, err := f.issueState(kind, device)
	if err != nil {
		return "", err
	}

	cfg := f.oauthConfig(s, kind)

	if kind == KindServices {
		return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
	}

	return cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

func (f *Flow) issueState(kind Kind, device string) (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("signin: generating state: %w", err)
	}

	state := string(kind) + "_" + base64.RawURLEncoding.EncodeToString(b)
	now := f.nowFunc()

	f.mu.Lock()
	defer f.mu.Unlock()

	for k, p := range f.states {
		if now.After(p.expires) {
			delete(f.states, k)
		}
	}

	if len(f.states) >= maxPending {
		return "", fmt.Errorf("signin: too many pending sign-ins")
	}

	f.states[state] = pending{kind: kind, device: device, expires: now.Add(StateTTL)}

	return state, nil
}

// consumeState redeems state exactly once.
func (f *Flow) consumeState(state string) (pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.states[state]
	if !ok {
		return pending{}, ErrInvalidState
	}

	delete(f.states, state)

	if f.nowFunc().After(p.expires) {
		return pending{}, fmt.Errorf("%w: expired", ErrInvalidState)
	}

	if !strings.HasPrefix(state, string(p.kind)+"_") {
		return pending{}, ErrInvalidState
	}

	return p, nil
}

// Complete redeems state, exchanges code, verifies the ID token, and checks
// the allow-list. On ErrAccessDenied the returned Result carries the
// rejected email.
func (f *Flow) Complete(ctx context.Context, code, state string) (*Result, error) {
	p, err := f.consumeState(state)
	if err != nil {
		return nil, err
	}

	s := f.settingsFn()
	cfg := f.oauthConfig(s, p.kind)

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)

	tok, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, fmt.Errorf("signin: exchanging code: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)

	id, err := f.verifier.VerifyIDToken(ctx, idToken, s.ClientID)
	if err != nil {
		return nil, fmt.Errorf("signin: %w", err)
	}

	res := &Result{Kind: p.kind, Email: id.Email, Name: id.Name, Device: p.device, Token: tok}

	if !slices.Contains(s.Accounts, id.Email) {
		f.logger.Warn("sign-in rejected, account not allowed",
			slog.String("flow", string(p.kind)),
			slog.String("email", id.Email),
		)

		return res, ErrAccessDenied
	}

	f.logger.Info("sign-in completed",
		slog.String("flow", string(p.kind)),
		slog.String("email", id.Email),
	)

	return res, nil
}
