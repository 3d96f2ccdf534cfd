package devices

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeClock is a settable time source shared by a Manager under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *kvstore.Memory, *fakeClock) {
	t.Helper()

	store := kvstore.NewMemory()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	m := NewManager(store, 0, testLogger(t))
	m.nowFunc = clock.Now

	return m, store, clock
}

func TestCreateThenValidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager(t)

	raw, err := m.Create(ctx, "a@x.com", "dev1")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	dev, err := m.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "a@x.com", dev.Email)
	assert.Equal(t, "dev1", dev.DeviceName)
	assert.Equal(t, dev.CreatedAt.Add(DefaultTTL), dev.ExpiresAt)
}

func TestValidate_Expired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, clock := newTestManager(t)

	raw, err := m.Create(ctx, "a@x.com", "dev1")
	require.NoError(t, err)

	clock.Advance(DefaultTTL - time.Second)
	dev, err := m.Validate(ctx, raw)
	require.NoError(t, err)
	assert.NotNil(t, dev, "token should still be valid just before expiry")

	clock.Advance(2 * time.Second)
	dev, err = m.Validate(ctx, raw)
	require.NoError(t, err)
	assert.Nil(t, dev)
}

func TestValidate_Unknown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager(t)

	// Empty device set.
	dev, err := m.Validate(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, dev)

	_, err = m.Create(ctx, "a@x.com", "dev1")
	require.NoError(t, err)

	dev, err = m.Validate(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, dev)

	dev, err = m.Validate(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, dev)
}

func TestValidate_UpdatesLastUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, clock := newTestManager(t)

	raw, err := m.Create(ctx, "a@x.com", "dev1")
	require.NoError(t, err)

	clock.Advance(time.Hour)

	_, err = m.Validate(ctx, raw)
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, clock.Now(), list[0].LastUsed)
	assert.Equal(t, list[0].CreatedAt.Add(time.Hour), list[0].LastUsed)
}

func TestCreate_RawTokenNeverPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newTestManager(t)

	raw, err := m.Create(ctx, "a@x.com", "dev1")
	require.NoError(t, err)

	data, err := store.Get(ctx, StoreKey)
	require.NoError(t, err)
	assert.NotContains(t, string(data), raw)
	assert.Contains(t, string(data), HashToken(raw))

	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Devices, 1)
	assert.Len(t, doc.Devices[0].TokenHash, 64)
}

func TestCreate_DefaultDeviceName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager(t)

	raw, err := m.Create(ctx, "a@x.com", "")
	require.NoError(t, err)

	dev, err := m.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, DefaultDeviceName, dev.DeviceName)
}

func TestCreate_TokensAreDistinct(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager(t)

	seen := make(map[string]bool)

	for range 20 {
		raw, err := m.Create(ctx, "a@x.com", "dev")
		require.NoError(t, err)
		assert.False(t, seen[raw])
		assert.False(t, strings.ContainsAny(raw, "+/="), "token must be URL-safe")
		seen[raw] = true
	}

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestCreate_RandFailure(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	m.randFunc = func([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

	_, err := m.Create(context.Background(), "a@x.com", "dev1")
	assert.ErrorContains(t, err, "entropy exhausted")
}

func TestLoad_CorruptRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newTestManager(t)

	require.NoError(t, store.Set(ctx, StoreKey, []byte("{not json")))

	_, err := m.Validate(ctx, "anything")

	var ce *kvstore.CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StoreKey, ce.Key)

	_, err = m.Create(ctx, "a@x.com", "dev1")
	assert.ErrorAs(t, err, &ce)
}

func TestConcurrentCreate_NoLostUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, _ := newTestManager(t)

	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := m.Create(ctx, "a@x.com", "dev")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestNewManager_CustomTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewManager(kvstore.NewMemory(), time.Hour, testLogger(t))

	raw, err := m.Create(ctx, "a@x.com", "dev1")
	require.NoError(t, err)

	dev, err := m.Validate(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, time.Hour, dev.ExpiresAt.Sub(dev.CreatedAt))
}
