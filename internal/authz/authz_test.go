package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chief-of-staff/internal/devices"
	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func setup(t *testing.T, key string) (*Authorizer, string) {
	t.Helper()

	mgr := devices.NewManager(kvstore.NewMemory(), 0, testLogger(t))

	raw, err := mgr.Create(context.Background(), "a@x.com", "dev1")
	require.NoError(t, err)

	return New(mgr, func() string { return key }, testLogger(t)), raw
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	a, raw := setup(t, "s3cret")

	tests := []struct {
		name           string
		method         string
		target         string
		headers        map[string]string
		allowSharedKey bool
		wantDevice     bool
		wantShared     bool
	}{
		{name: "token query GET", method: http.MethodGet, target: "/tasks?token=" + raw, wantDevice: true},
		{name: "token query POST", method: http.MethodPost, target: "/tasks?token=" + raw, allowSharedKey: true, wantDevice: true},
		{
			name: "bearer header", method: http.MethodGet, target: "/tasks",
			headers: map[string]string{"Authorization": "Bearer " + raw}, wantDevice: true,
		},
		{name: "key query on write", method: http.MethodPost, target: "/tasks?key=s3cret", allowSharedKey: true, wantShared: true},
		{
			name: "key header on write", method: http.MethodPost, target: "/tasks",
			headers: map[string]string{"X-API-Key": "s3cret"}, allowSharedKey: true, wantShared: true,
		},
		{name: "bad token falls back to key", method: http.MethodPost, target: "/tasks?token=bad&key=s3cret", allowSharedKey: true, wantShared: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(tt.method, tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			g, err := a.Authorize(context.Background(), r, tt.allowSharedKey)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDevice, g.Device != nil)
			assert.Equal(t, tt.wantShared, g.SharedKey)

			if tt.wantDevice {
				assert.Equal(t, "a@x.com", g.Device.Email)
			}
		})
	}
}

func TestAuthorize_Denied(t *testing.T) {
	t.Parallel()

	a, _ := setup(t, "s3cret")

	tests := []struct {
		name           string
		target         string
		headers        map[string]string
		allowSharedKey bool
	}{
		{name: "nothing", target: "/tasks"},
		{name: "unknown token", target: "/tasks?token=nope"},
		{name: "key on read-only endpoint", target: "/tasks?key=s3cret"},
		{name: "wrong key", target: "/tasks?key=wrong", allowSharedKey: true},
		{name: "key prefix", target: "/tasks?key=s3cre", allowSharedKey: true},
		{name: "non-bearer scheme", target: "/tasks", headers: map[string]string{"Authorization": "Basic abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			_, err := a.Authorize(context.Background(), r, tt.allowSharedKey)
			assert.ErrorIs(t, err, ErrUnauthorized)
			assert.False(t, a.Allowed(context.Background(), r, tt.allowSharedKey))
		})
	}
}

func TestAuthorize_NoKeyConfigured(t *testing.T) {
	t.Parallel()

	a, _ := setup(t, "")

	// An empty configured key must never match an empty presented key.
	r := httptest.NewRequest(http.MethodPost, "/tasks?key=", nil)
	_, err := a.Authorize(context.Background(), r, true)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorize_KeyReadPerRequest(t *testing.T) {
	t.Parallel()

	mgr := devices.NewManager(kvstore.NewMemory(), 0, testLogger(t))
	key := "old"
	a := New(mgr, func() string { return key }, testLogger(t))

	r := httptest.NewRequest(http.MethodPost, "/tasks?key=new", nil)
	assert.False(t, a.Allowed(context.Background(), r, true))

	key = "new"
	assert.True(t, a.Allowed(context.Background(), r, true))
}

type failingValidator struct{}

func (failingValidator) Validate(context.Context, string) (*devices.Device, error) {
	return nil, errors.New("store offline")
}

func TestAuthorize_StoreFailure(t *testing.T) {
	t.Parallel()

	a := New(failingValidator{}, nil, testLogger(t))

	r := httptest.NewRequest(http.MethodGet, "/tasks?token=abc", nil)
	_, err := a.Authorize(context.Background(), r, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.ErrorContains(t, err, "store offline")
}

func TestDeviceToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/x?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", DeviceToken(r))

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", DeviceToken(r))

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Empty(t, DeviceToken(r))
}
