package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tonimelisma/chief-of-staff/internal/authz"
	"github.com/tonimelisma/chief-of-staff/internal/syncstore"
)

// Access levels for protected routes.
const (
	deviceOnly     = false
	allowSharedKey = true
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, msgNotFound)
	})
	r.NotFoundHandler = notFound
	r.MethodNotAllowedHandler = notFound

	// Public.
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodGet)
	r.HandleFunc("/auth/services", s.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/status", s.handleAuthStatus).Methods(http.MethodGet)

	// Synced collections. Writes also accept the shared sync key.
	r.Handle("/tasks", s.protect(deviceOnly, s.handleTasks)).Methods(http.MethodGet)
	r.Handle("/tasks", s.protect(allowSharedKey, s.handleReplaceTasks)).Methods(http.MethodPost)
	r.Handle("/tasks/open", s.protect(deviceOnly, s.handleOpenTasks)).Methods(http.MethodGet)
	r.Handle("/tasks/today", s.protect(deviceOnly, s.handleTodayTasks)).Methods(http.MethodGet)
	r.Handle("/notes", s.protect(deviceOnly, s.handleNotes)).Methods(http.MethodGet)
	r.Handle("/notes", s.protect(allowSharedKey, s.handleReplaceNotes)).Methods(http.MethodPost)
	r.Handle("/notes/werkbank", s.protect(deviceOnly, s.handleNotesByType(syncstore.NoteTypeWerkbank))).Methods(http.MethodGet)
	r.Handle("/notes/projects", s.protect(deviceOnly, s.handleNotesByType(syncstore.NoteTypeProject))).Methods(http.MethodGet)
	r.Handle("/context", s.protect(deviceOnly, s.handleContext)).Methods(http.MethodGet)
	r.Handle("/context", s.protect(allowSharedKey, s.handleReplaceContext)).Methods(http.MethodPost)
	r.Handle("/context/{filename:.+}", s.protect(deviceOnly, s.handleContextFile)).Methods(http.MethodGet)
	r.Handle("/context/{filename:.+}", s.protect(deviceOnly, s.handleUpdateContextFile)).Methods(http.MethodPost)

	// Google aggregation.
	r.Handle("/emails/unread", s.protect(deviceOnly, s.handleUnreadEmails)).Methods(http.MethodGet)
	r.Handle("/emails/recent", s.protect(deviceOnly, s.handleRecentEmails)).Methods(http.MethodGet)
	r.Handle("/gmail/status", s.protect(deviceOnly, s.handleGmailStatus)).Methods(http.MethodGet)
	r.Handle("/gmail/token", s.protect(allowSharedKey, s.handleGmailToken)).Methods(http.MethodPost)
	r.Handle("/calendar/today", s.protect(deviceOnly, s.handleCalendarToday)).Methods(http.MethodGet)
	r.Handle("/calendar/upcoming", s.protect(deviceOnly, s.handleCalendarUpcoming)).Methods(http.MethodGet)
	r.Handle("/calendar/week", s.protect(deviceOnly, s.handleCalendarWeek)).Methods(http.MethodGet)

	r.Handle("/briefing", s.protect(deviceOnly, s.handleBriefing)).Methods(http.MethodGet)
	r.Handle("/events", s.protect(deviceOnly, s.handleEvents)).Methods(http.MethodGet)

	return r
}

// protect admits a request through the dual-mode authorizer.
func (s *Server) protect(sharedKey bool, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := s.auth.Authorize(r.Context(), r, sharedKey)

		switch {
		case err == nil:
			h(w, r)
		case errors.Is(err, authz.ErrUnauthorized):
			s.writeUnauthorized(w)
		default:
			s.writeInternal(w, r, err)
		}
	})
}
