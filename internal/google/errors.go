// Package google is a small REST client for the Gmail, Calendar, and
// identity endpoints, with automatic retry and error classification.
package google

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, google.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("google: bad request")
	ErrUnauthorized = errors.New("google: unauthorized")
	ErrForbidden    = errors.New("google: forbidden")
	ErrNotFound     = errors.New("google: not found")
	ErrThrottled    = errors.New("google: throttled")
	ErrServerError  = errors.New("google: server error")
)

// ErrInvalidIDToken is returned by VerifyIDToken for an assertion that does
// not identify a verified account of this client.
var ErrInvalidIDToken = errors.New("google: invalid id token")

// APIError wraps a sentinel error with the HTTP status code and the API
// error message body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
