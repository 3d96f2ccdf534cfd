package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// Error messages returned to clients.
const (
	msgUnauthorized    = "Unauthorized"
	msgNotFound        = "Not found"
	msgInvalidJSON     = "Invalid JSON"
	msgBodyTooLarge    = "Request body too large"
	msgInternal        = "Internal server error"
	msgNotConfigured   = "Google sign-in is not configured"
	msgMissingContent  = "Missing content"
	msgMissingEmailTok = "Missing email or token"
)

type errorBody struct {
	Error    string `json:"error"`
	LoginURL string `json:"login_url,omitempty"`
}

// writeJSON encodes v with the given status. CORS headers are set by the
// middleware for every response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

// writeUnauthorized renders the uniform 401 with a login hint.
func (s *Server) writeUnauthorized(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusUnauthorized, errorBody{
		Error:    msgUnauthorized,
		LoginURL: s.publicURL("/login"),
	})
}

// writeInternal logs err with the request ID and returns a generic 500.
func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		slog.String("request_id", requestID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)

	s.writeError(w, http.StatusInternalServerError, msgInternal)
}

// readBody reads the capped request body. It reports a 413 or 400 and
// returns false when the body cannot be read.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
		return nil, false
	}

	s.writeError(w, http.StatusBadRequest, msgInvalidJSON)

	return nil, false
}
