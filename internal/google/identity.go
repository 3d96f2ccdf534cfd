package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Endpoint is Google's OAuth 2.0 endpoint. Defined here rather than taken
// from golang.org/x/oauth2/google, which drags in the cloud metadata client.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// OAuth scopes.
const (
	ScopeOpenID           = "openid"
	ScopeEmail            = "email"
	ScopeProfile          = "profile"
	ScopeGmailReadonly    = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeCalendarReadonly = "https://www.googleapis.com/auth/calendar.readonly"
)

// LoginScopes identify the user; ServiceScopes additionally grant read
// access to mail and calendars.
var (
	LoginScopes   = []string{ScopeOpenID, ScopeEmail, ScopeProfile}
	ServiceScopes = []string{ScopeOpenID, ScopeEmail, ScopeProfile, ScopeGmailReadonly, ScopeCalendarReadonly}
)

// Identity is the verified subject of an ID token.
type Identity struct {
	Email   string
	Name    string
	Subject string
}

// flexBool accepts both JSON booleans and the "true"/"false" strings the
// tokeninfo endpoint returns.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch x := v.(type) {
	case bool:
		*b = flexBool(x)
	case string:
		parsed, err := strconv.ParseBool(x)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", x)
		}

		*b = flexBool(parsed)
	default:
		*b = false
	}

	return nil
}

// flexInt accepts a number or a numeric string.
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch x := v.(type) {
	case float64:
		*n = flexInt(x)
	case string:
		parsed, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", x)
		}

		*n = flexInt(parsed)
	}

	return nil
}

type tokenInfo struct {
	Audience      string   `json:"aud"`
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
	Expiry        flexInt  `json:"exp"`
	Name          string   `json:"name"`
	Subject       string   `json:"sub"`
}

// VerifyIDToken checks an ID token with Google's tokeninfo endpoint. The
// token must be addressed to audience (the OAuth client ID), carry a verified
// email, and not be expired.
func (c *Client) VerifyIDToken(ctx context.Context, idToken, audience string) (*Identity, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidIDToken)
	}

	var info tokenInfo
	if err := c.getJSON(ctx, nil, c.endpoints.TokenInfo, url.Values{"id_token": {idToken}}, &info); err != nil {
		return nil, fmt.Errorf("google: verifying id token: %w", err)
	}

	switch {
	case info.Audience != audience:
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidIDToken)
	case info.Email == "":
		return nil, fmt.Errorf("%w: no email claim", ErrInvalidIDToken)
	case !bool(info.EmailVerified):
		return nil, fmt.Errorf("%w: email not verified", ErrInvalidIDToken)
	case time.Unix(int64(info.Expiry), 0).Before(c.nowFunc()):
		return nil, fmt.Errorf("%w: expired", ErrInvalidIDToken)
	}

	return &Identity{Email: info.Email, Name: info.Name, Subject: info.Subject}, nil
}
