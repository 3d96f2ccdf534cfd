// Package server exposes the HTTP surface: Google sign-in and device tokens,
// the synced task/note/context collections, the aggregated Gmail and
// Calendar views, the HTML briefing, and a websocket stream of sync changes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/chief-of-staff/internal/aggregate"
	"github.com/tonimelisma/chief-of-staff/internal/authz"
	"github.com/tonimelisma/chief-of-staff/internal/config"
	"github.com/tonimelisma/chief-of-staff/internal/devices"
	"github.com/tonimelisma/chief-of-staff/internal/google"
	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
	"github.com/tonimelisma/chief-of-staff/internal/signin"
	"github.com/tonimelisma/chief-of-staff/internal/syncstore"
)

// Listener timeouts not exposed through configuration.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// GoogleAPI is the subset of *google.Client the handlers call.
type GoogleAPI interface {
	Emails(ctx context.Context, ts oauth2.TokenSource, account string, q google.EmailQuery) ([]google.Email, error)
	Events(ctx context.Context, ts oauth2.TokenSource, account string, q google.EventQuery) ([]google.Event, error)
}

// Credentials hands out and stores delegated account credentials.
// *credcache.Cache satisfies it.
type Credentials interface {
	Acquire(ctx context.Context, account string) (oauth2.TokenSource, error)
	Ingest(ctx context.Context, account string, blob []byte) error
	Store(ctx context.Context, account string, tok *oauth2.Token) error
	Status(ctx context.Context, accounts []string) (map[string]string, error)
}

// SignIn runs the browser OAuth flows. *signin.Flow satisfies it.
type SignIn interface {
	AuthURL(kind signin.Kind, device string) (string, error)
	Complete(ctx context.Context, code, state string) (*signin.Result, error)
}

// Deps are the components the server routes to.
type Deps struct {
	Config      *config.Holder
	KV          kvstore.Store
	Devices     *devices.Manager
	Sync        *syncstore.Store
	Credentials Credentials
	Google      GoogleAPI
	SignIn      SignIn
}

// Server is the HTTP front end.
type Server struct {
	cfg     *config.Holder
	kv      kvstore.Store
	devices *devices.Manager
	auth    *authz.Authorizer
	sync    *syncstore.Store
	creds   Credentials
	google  GoogleAPI
	signin  SignIn
	agg     *aggregate.Aggregator
	hub     *hub
	logger  *slog.Logger

	handler http.Handler
	nowFunc func() time.Time
}

// New wires a Server and subscribes its change stream to d.Sync.
func New(d Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     d.Config,
		kv:      d.KV,
		devices: d.Devices,
		sync:    d.Sync,
		creds:   d.Credentials,
		google:  d.Google,
		signin:  d.SignIn,
		hub:     newHub(logger),
		logger:  logger,
		nowFunc: time.Now,
	}

	s.auth = authz.New(d.Devices, func() string { return s.config().Auth.APIKey }, logger)
	s.agg = aggregate.New(func() aggregate.Options {
		c := s.config().Aggregate
		return aggregate.Options{CallTimeout: c.CallTimeoutDuration(), MaxParallel: c.MaxParallel}
	}, logger)

	d.Sync.OnChange(s.hub.publish)

	s.handler = s.middleware(s.routes())

	return s
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) config() *config.Config {
	return s.cfg.Config()
}

func (s *Server) now() time.Time {
	return s.nowFunc()
}

// publicURL joins path onto the configured public URL.
func (s *Server) publicURL(path string) string {
	return strings.TrimRight(s.config().Server.PublicURL, "/") + path
}

// Serve accepts connections on ln until ctx is canceled, then drains
// in-flight requests for up to the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sc := s.config().Server

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       sc.ReadTimeoutDuration(),
		WriteTimeout:      sc.WriteTimeoutDuration(),
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("login_url", s.publicURL("/login")),
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serving: %w", err)
	case <-ctx.Done():
	}

	s.hub.close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeoutDuration())
	defer cancel()

	s.logger.Info("server shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serving: %w", err)
	}

	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.config().Server.Listen

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}
