// Package devices issues and validates device tokens. A device token is an
// opaque bearer secret handed to one client exactly once; only its SHA-256
// hash is ever persisted.
package devices

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

// StoreKey is the kvstore key holding the device list.
const StoreKey = "devices"

// DefaultTTL is how long a freshly issued token stays valid.
const DefaultTTL = 90 * 24 * time.Hour

// DefaultDeviceName is used when the caller supplies no device name.
const DefaultDeviceName = "Unknown Device"

// tokenBytes is the amount of entropy in a raw token (256 bits).
const tokenBytes = 32

// Device is the persisted record for one issued token.
type Device struct {
	TokenHash  string    `json:"token_hash"`
	Email      string    `json:"email"`
	DeviceName string    `json:"device_name"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsed   time.Time `json:"last_used"`
}

// Expired reports whether the device is past its expiry at now.
func (d *Device) Expired(now time.Time) bool {
	return d.ExpiresAt.Before(now)
}

// document is the stored JSON shape: {"devices":[...]}.
type document struct {
	Devices []Device `json:"devices"`
}

// Manager owns the device list. Every operation is a full
// read-modify-write of the stored document under mu.
type Manager struct {
	store  kvstore.Store
	ttl    time.Duration
	logger *slog.Logger

	mu sync.Mutex

	nowFunc  func() time.Time
	randFunc func([]byte) (int, error)
}

// NewManager returns a Manager persisting to store. A non-positive ttl
// selects DefaultTTL.
func NewManager(store kvstore.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		nowFunc:  time.Now,
		randFunc: rand.Read,
	}
}

// HashToken returns the hex SHA-256 digest stored in place of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create issues a new token for email and returns the raw secret. The raw
// value is not recoverable afterwards.
func (m *Manager) Create(ctx context.Context, email, deviceName string) (string, error) {
	if deviceName == "" {
		deviceName = DefaultDeviceName
	}

	buf := make([]byte, tokenBytes)
	if _, err := m.randFunc(buf); err != nil {
		return "", fmt.Errorf("devices: generating token: %w", err)
	}

	raw := base64.RawURLEncoding.EncodeToString(buf)
	now := m.nowFunc().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.load(ctx)
	if err != nil {
		return "", err
	}

	doc.Devices = append(doc.Devices, Device{
		TokenHash:  HashToken(raw),
		Email:      email,
		DeviceName: deviceName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
		LastUsed:   now,
	})

	if err := m.save(ctx, doc); err != nil {
		return "", err
	}

	m.logger.Info("issued device token",
		slog.String("email", email),
		slog.String("device", deviceName),
		slog.Time("expires_at", now.Add(m.ttl)),
	)

	return raw, nil
}

// Validate returns the device owning raw, or nil when the token is empty,
// unknown, or expired. On success last_used is updated and persisted. An
// error is returned only when the store itself fails.
func (m *Manager) Validate(ctx context.Context, raw string) (*Device, error) {
	if raw == "" {
		return nil, nil
	}

	want := []byte(HashToken(raw))

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	idx := -1

	// Scan every entry so the loop duration does not depend on where (or
	// whether) the match sits.
	for i := range doc.Devices {
		if subtle.ConstantTimeCompare(want, []byte(doc.Devices[i].TokenHash)) == 1 {
			idx = i
		}
	}

	if idx < 0 {
		return nil, nil
	}

	now := m.nowFunc().UTC()

	dev := &doc.Devices[idx]
	if dev.Expired(now) {
		m.logger.Debug("rejected expired device token",
			slog.String("email", dev.Email),
			slog.Time("expires_at", dev.ExpiresAt),
		)

		return nil, nil
	}

	dev.LastUsed = now

	if err := m.save(ctx, doc); err != nil {
		return nil, err
	}

	out := *dev

	return &out, nil
}

// List returns a copy of every stored device, expired ones included.
func (m *Manager) List(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	return doc.Devices, nil
}

// Count returns the number of stored devices.
func (m *Manager) Count(ctx context.Context) (int, error) {
	list, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	return len(list), nil
}

// load reads the device document. A missing record is an empty list; an
// unparseable one is a *kvstore.CorruptError.
func (m *Manager) load(ctx context.Context) (*document, error) {
	data, err := m.store.Get(ctx, StoreKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return &document{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("devices: loading: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("devices: loading: %w", &kvstore.CorruptError{Key: StoreKey, Err: err})
	}

	return &doc, nil
}

func (m *Manager) save(ctx context.Context, doc *document) error {
	if doc.Devices == nil {
		doc.Devices = []Device{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("devices: encoding: %w", err)
	}

	if err := m.store.Set(ctx, StoreKey, data); err != nil {
		return fmt.Errorf("devices: saving: %w", err)
	}

	return nil
}
