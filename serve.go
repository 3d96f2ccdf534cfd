package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/chief-of-staff/internal/config"
	"github.com/tonimelisma/chief-of-staff/internal/credcache"
	"github.com/tonimelisma/chief-of-staff/internal/devices"
	"github.com/tonimelisma/chief-of-staff/internal/google"
	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
	"github.com/tonimelisma/chief-of-staff/internal/server"
	"github.com/tonimelisma/chief-of-staff/internal/signin"
	"github.com/tonimelisma/chief-of-staff/internal/syncstore"
)

// httpClientTimeout bounds every outbound call to Google.
const httpClientTimeout = 30 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the Chief of Staff HTTP server until SIGINT or SIGTERM.

SIGHUP (see "cos reload") re-reads the config file and environment. With
server.watch_config set, edits to the config file are picked up as well.
Accounts, the API key and timeouts take effect immediately; the listen
address and storage backend need a restart.`,
		RunE: runServe,
		Args: cobra.NoArgs,
	}

	cmd.Flags().String("listen", "", "listen address, e.g. :8080 (overrides server.listen)")
	cmd.Flags().String("backend", "", "storage backend: memory, dir, sqlite or redis")
	cmd.Flags().String("data-dir", "", "data directory for the dir and sqlite backends")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger
	cfg := cc.Cfg

	ctx := shutdownContext(cmd.Context(), logger)

	if cfg.Server.PIDFile != "" {
		cleanup, err := writePIDFile(cfg.Server.PIDFile, cfg.Server.Listen)
		if err != nil {
			return err
		}
		defer cleanup()
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("closing store", slog.String("error", closeErr.Error()))
		}
	}()

	holder := config.NewHolder(cfg, cc.CfgPath)

	srv, err := buildServer(ctx, holder, store, logger)
	if err != nil {
		return err
	}

	logger.Info("starting server",
		slog.String("version", version),
		slog.String("config", cc.CfgPath),
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("accounts", len(cfg.Google.Accounts)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	g.Go(func() error {
		runReloader(gctx, holder, sighupChannel(gctx), logger)
		return nil
	})

	if cfg.Server.WatchConfig && cc.CfgPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cc.CfgPath, logger, func() { reloadConfig(holder, "file change", logger) })
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}

			return nil
		})
	}

	return g.Wait()
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kvstore.Store, error) {
	sc := cfg.Storage

	store, err := kvstore.Open(ctx, kvstore.Options{
		Backend:       sc.Backend,
		DataDir:       sc.DataDir,
		SQLitePath:    sc.SQLitePath,
		RedisAddr:     sc.RedisAddr,
		RedisURL:      sc.RedisURL,
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", sc.Backend, err)
	}

	return store, nil
}

// signinSettings reads the live OAuth settings from holder.
func signinSettings(holder *config.Holder) func() signin.Settings {
	return func() signin.Settings {
		c := holder.Config()

		return signin.Settings{
			ClientID:     c.Google.ClientID,
			ClientSecret: c.Google.ClientSecret,
			RedirectURL:  strings.TrimRight(c.Server.PublicURL, "/") + "/callback",
			Accounts:     c.Google.Accounts,
		}
	}
}

// buildServer wires every component onto store and restores the synced
// collections.
func buildServer(ctx context.Context, holder *config.Holder, store kvstore.Store, logger *slog.Logger) (*server.Server, error) {
	cfg := holder.Config()
	httpClient := defaultHTTPClient()

	dm := devices.NewManager(store, cfg.Auth.DeviceTTLDuration(), logger)

	ss := syncstore.New(store, syncstore.Options{ContextSuffix: cfg.Sync.ContextSuffix}, logger)
	if err := ss.Load(ctx); err != nil {
		return nil, fmt.Errorf("restoring synced collections: %w", err)
	}

	gc := google.NewClient(google.Endpoints{}, httpClient, logger)

	flow := signin.New(signin.Options{
		Settings:   signinSettings(holder),
		Verifier:   gc,
		HTTPClient: httpClient,
	}, logger)

	creds := credcache.New(store, credcache.Options{
		OAuth:      flow.OAuthConfig(),
		HTTPClient: httpClient,
	}, logger)

	return server.New(server.Deps{
		Config:      holder,
		KV:          store,
		Devices:     dm,
		Sync:        ss,
		Credentials: creds,
		Google:      gc,
		SignIn:      flow,
	}, logger), nil
}

// runReloader reloads holder on every value from sighup until ctx ends.
func runReloader(ctx context.Context, holder *config.Holder, sighup <-chan os.Signal, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			reloadConfig(holder, "SIGHUP", logger)
		}
	}
}

// reloadConfig swaps in a fresh config. A config that fails to load or
// validate is logged and the running config stays in place.
func reloadConfig(holder *config.Holder, trigger string, logger *slog.Logger) {
	if err := holder.Reload(); err != nil {
		logger.Warn("config reload failed, keeping current config",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)

		return
	}

	cfg := holder.Config()

	logger.Info("config reloaded",
		slog.String("trigger", trigger),
		slog.Int("accounts", len(cfg.Google.Accounts)),
	)
}
