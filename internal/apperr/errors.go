// Package apperr defines the error taxonomy shared by the cache, sync and metering layers.
//
// Callers classify with errors.Is against the sentinel categories:
//
//	ErrConfiguration     invalid or missing init parameters, never retried
//	ErrNotFound          unknown feature/property/segment id
//	ErrTransientNetwork  timeouts, refused connections, 429 and 5xx responses
//	ErrPermanentRequest  4xx responses other than 429
//	ErrParse             malformed documents or entities
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("not found")
	ErrTransientNetwork = errors.New("transient network error")
	ErrPermanentRequest = errors.New("permanent request error")
	ErrParse            = errors.New("parse error")
)

// StatusError is returned by the transport for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status warrants another attempt (429 or 5xx).
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		(e.StatusCode >= 500 && e.StatusCode <= 599)
}

// Is maps the status onto the transient/permanent categories.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrTransientNetwork:
		return e.Retryable()
	case ErrPermanentRequest:
		return !e.Retryable()
	}
	return false
}

// Retryable reports whether err should be retried. Status errors follow
// StatusError.Retryable; any other non-nil error (dial failures, resets,
// timeouts) is a transport-level failure and therefore retryable.
// Cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentRequest) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrParse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// Category returns the sentinel that best describes err, or nil.
func Category(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConfiguration):
		return ErrConfiguration
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrParse):
		return ErrParse
	case errors.Is(err, ErrPermanentRequest):
		return ErrPermanentRequest
	case Retryable(err):
		return ErrTransientNetwork
	}
	return nil
}

// StatusCode extracts the HTTP status from err, or 0 when err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
