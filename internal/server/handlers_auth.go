package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/chief-of-staff/internal/authz"
	"github.com/tonimelisma/chief-of-staff/internal/kvstore"
	"github.com/tonimelisma/chief-of-staff/internal/signin"
)

// defaultBrowserDevice names devices created through the browser login.
const defaultBrowserDevice = "Web Browser"

// Storage states reported by /health.
const (
	storageConnected   = "connected"
	storageUnavailable = "unavailable"
)

type rootResponse struct {
	Service string `json:"service"`
	Login   string `json:"login"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, rootResponse{Service: "Chief of Staff", Login: s.publicURL("/login")})
}

type healthResponse struct {
	Status        string `json:"status"`
	Storage       string `json:"storage"`
	Tasks         int    `json:"tasks"`
	Notes         int    `json:"notes"`
	GmailAccounts int    `json:"gmail_accounts"`
	Devices       int    `json:"devices"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Storage:       storageConnected,
		Tasks:         len(s.sync.Tasks().Items),
		Notes:         len(s.sync.Notes().Items),
		GmailAccounts: len(s.config().Google.Accounts),
	}

	n, err := s.devices.Count(r.Context())
	if err == nil {
		_, err = s.kv.Get(r.Context(), "devices")
	}

	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		s.logger.Warn("health check: storage unavailable", slog.String("error", err.Error()))

		resp.Status = "degraded"
		resp.Storage = storageUnavailable
	}

	resp.Devices = n

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.redirectToProvider(w, r, signin.KindLogin, r.URL.Query().Get("device"))
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	s.redirectToProvider(w, r, signin.KindServices, "")
}

func (s *Server) redirectToProvider(w http.ResponseWriter, r *http.Request, kind signin.Kind, device string) {
	target, err := s.signin.AuthURL(kind, device)

	switch {
	case errors.Is(err, signin.ErrNotConfigured):
		s.writeError(w, http.StatusServiceUnavailable, msgNotConfigured)
		return
	case err != nil:
		s.writeInternal(w, r, err)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback completes both flows. Provider errors and bad state are
// the caller's fault (400); anything unexpected gets a generic page and the
// detail goes to the log only.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if reason := q.Get("error"); reason != "" {
		s.renderMessage(w, http.StatusBadRequest, "Login Failed", reason)
		return
	}

	code := q.Get("code")
	if code == "" {
		s.renderMessage(w, http.StatusBadRequest, "Login Failed", "No authorization code received")
		return
	}

	res, err := s.signin.Complete(r.Context(), code, q.Get("state"))

	switch {
	case errors.Is(err, signin.ErrInvalidState):
		s.renderMessage(w, http.StatusBadRequest, "Login Failed", "This sign-in link is invalid or has expired. Please start again.")
		return
	case errors.Is(err, signin.ErrAccessDenied):
		s.renderPage(w, http.StatusForbidden, "denied.html", deniedPage{
			Email:    res.Email,
			Accounts: s.config().Google.Accounts,
		})

		return
	case err != nil:
		s.logger.Error("sign-in callback failed",
			slog.String("request_id", requestID(r.Context())),
			slog.String("error", err.Error()),
		)
		s.renderMessage(w, http.StatusInternalServerError, "Login Error", "Sign-in could not be completed. Please try again.")

		return
	}

	if res.Kind == signin.KindServices {
		s.completeServices(w, r, res)
		return
	}

	s.completeLogin(w, r, res)
}

func (s *Server) completeServices(w http.ResponseWriter, r *http.Request, res *signin.Result) {
	if err := s.creds.Store(r.Context(), res.Email, res.Token); err != nil {
		s.logger.Error("storing delegated credential failed",
			slog.String("account", res.Email),
			slog.String("error", err.Error()),
		)
		s.renderMessage(w, http.StatusInternalServerError, "Login Error", "The account could not be connected. Please try again.")

		return
	}

	s.renderPage(w, http.StatusOK, "services.html", servicesPage{Email: res.Email})
}

func (s *Server) completeLogin(w http.ResponseWriter, r *http.Request, res *signin.Result) {
	device := res.Device
	if device == "" {
		device = r.URL.Query().Get("device")
	}

	if device == "" {
		device = defaultBrowserDevice
	}

	token, err := s.devices.Create(r.Context(), res.Email, device)
	if err != nil {
		s.logger.Error("creating device failed",
			slog.String("email", res.Email),
			slog.String("error", err.Error()),
		)
		s.renderMessage(w, http.StatusInternalServerError, "Login Error", "The device token could not be issued. Please try again.")

		return
	}

	name := res.Name
	if name == "" {
		name = "Unknown"
	}

	s.renderPage(w, http.StatusOK, "token.html", tokenPage{
		Name:      name,
		Device:    device,
		Token:     token,
		ValidDays: int(s.config().Auth.DeviceTTLDuration() / (24 * time.Hour)),
	})
}

type authStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email,omitempty"`
	Device        string `json:"device,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	token := authz.DeviceToken(r)
	if token == "" {
		s.writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}

	d, err := s.devices.Validate(r.Context(), token)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	if d == nil {
		s.writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}

	s.writeJSON(w, http.StatusOK, authStatusResponse{
		Authenticated: true,
		Email:         d.Email,
		Device:        d.DeviceName,
		ExpiresAt:     d.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
