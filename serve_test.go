package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chief-of-staff/internal/config"
	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunReloader_AppliesValidConfig(t *testing.T) {
	dir := isolateEnv(t)
	path := writeConfigFile(t, dir, "[google]\naccounts = [\"alice@example.com\"]\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	holder := config.NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sighup := make(chan os.Signal, 1)
	done := make(chan struct{})

	go func() {
		runReloader(ctx, holder, sighup, testLogger())
		close(done)
	}()

	require.NoError(t, os.WriteFile(path,
		[]byte("[google]\naccounts = [\"alice@example.com\", \"bob@example.com\"]\n"), 0o600))
	sighup <- os.Interrupt

	require.Eventually(t, func() bool {
		return len(holder.Config().Google.Accounts) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestReloadConfig_KeepsCurrentOnError(t *testing.T) {
	dir := isolateEnv(t)
	path := writeConfigFile(t, dir, "[auth]\napi_key = \"first\"\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	holder := config.NewHolder(cfg, path)

	require.NoError(t, os.WriteFile(path, []byte("[auth]\napi_key = \"second\"\ndevice_ttl = \"-1h\"\n"), 0o600))
	reloadConfig(holder, "test", testLogger())

	assert.Equal(t, "first", holder.Config().Auth.APIKey)

	require.NoError(t, os.WriteFile(path, []byte("[auth]\napi_key = \"second\"\n"), 0o600))
	reloadConfig(holder, "test", testLogger())

	assert.Equal(t, "second", holder.Config().Auth.APIKey)
}

func TestBuildServer_ServesHealth(t *testing.T) {
	isolateEnv(t)

	cfg := config.DefaultConfig()
	cfg.Storage.Backend = kvstore.BackendMemory

	ctx := context.Background()

	store, err := openStore(ctx, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := buildServer(ctx, config.NewHolder(cfg, ""), store, testLogger())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"storage":"connected"`)
}

func TestOpenStore_DirBackend(t *testing.T) {
	isolateEnv(t)

	cfg := config.DefaultConfig()
	cfg.Storage.Backend = kvstore.BackendDir
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")

	store, err := openStore(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))
}

func TestSigninSettings_FollowHolder(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Server.PublicURL = "https://cos.example.com/"
	cfg.Google.ClientID = "id"

	holder := config.NewHolder(cfg, "")
	settings := signinSettings(holder)

	s := settings()
	assert.Equal(t, "https://cos.example.com/callback", s.RedirectURL)
	assert.Equal(t, "id", s.ClientID)

	next := *cfg
	next.Google.ClientID = "rotated"
	holder.Update(&next)

	assert.Equal(t, "rotated", settings().ClientID)
}
