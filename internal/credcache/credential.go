package credcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ErrInvalidCredential is returned by Ingest for a blob that is not a usable
// credential.
var ErrInvalidCredential = errors.New("credcache: invalid credential")

// Credential is the persisted form of a delegated credential. It uses the
// Google "authorized user" layout (access token under "token") so files
// written by local auth tools load unchanged.
type Credential struct {
	AccessToken  string     `json:"token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	TokenURI     string     `json:"token_uri,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ClientSecret string     `json:"client_secret,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	Account      string     `json:"account,omitempty"`
}

// credentialInput additionally accepts the oauth2 field names.
type credentialInput struct {
	Credential

	AccessTokenAlt string `json:"access_token,omitempty"`
}

// ParseCredential decodes a credential blob. The blob may be a JSON object
// or a JSON string holding one (some tools double-encode). Both "token" and
// "access_token" are accepted for the access token.
func ParseCredential(blob []byte) (*Credential, error) {
	blob = bytes.TrimSpace(blob)

	if len(blob) > 0 && blob[0] == '"' {
		var inner string
		if err := json.Unmarshal(blob, &inner); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}

		blob = []byte(inner)
	}

	var in credentialInput
	if err := json.Unmarshal(blob, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	cred := in.Credential
	if cred.AccessToken == "" {
		cred.AccessToken = in.AccessTokenAlt
	}

	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: neither access token nor refresh token present", ErrInvalidCredential)
	}

	return &cred, nil
}

// Token converts the credential to an oauth2 token. A missing expiry means
// the access token is treated as non-expiring until the API rejects it.
func (c *Credential) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
	}

	if c.Expiry != nil {
		tok.Expiry = *c.Expiry
	}

	return tok
}

// withToken returns a copy of c updated from tok. An empty refresh token in
// tok keeps the existing one.
func (c Credential) withToken(tok *oauth2.Token) Credential {
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}

	if tok.TokenType != "" {
		c.TokenType = tok.TokenType
	}

	if tok.Expiry.IsZero() {
		c.Expiry = nil
	} else {
		exp := tok.Expiry.UTC()
		c.Expiry = &exp
	}

	return c
}
