// Package tileserr defines the error taxonomy shared by the cache, the
// pipeline, and the task runtime, plus helpers for mapping errors onto
// HTTP responses.
package tileserr

import (
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	// KindInvalidRequest means parameter validation failed. Never retried.
	KindInvalidRequest Kind = iota
	// KindNotFound means a point, campaign or job is unknown.
	KindNotFound
	// KindBackendUnavailable means the breaker is open or the backend
	// failed terminally (including exhausted throttle retries).
	KindBackendUnavailable
	// KindBackendThrottled is a retryable 429 from the backend. Retried
	// inside the client; callers outside see KindBackendUnavailable.
	KindBackendThrottled
	// KindCacheDegraded means the object store lost a payload the metadata
	// store still points at. Self-healing: the pipeline re-materializes.
	KindCacheDegraded
	// KindTransient is a network blip inside a worker; the worker retries.
	KindTransient
	// KindFatal means a configuration or startup invariant is broken.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindNotFound:
		return "not_found"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindBackendThrottled:
		return "backend_throttled"
	case KindCacheDegraded:
		return "cache_degraded"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind through wrap chains.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: eris.New(msg)}
}

// Wrap classifies an existing error, keeping its chain intact.
func Wrap(kind Kind, err error, msg string) error {
	return &Error{Kind: kind, Err: eris.Wrap(err, msg)}
}

// InvalidRequestf builds a KindInvalidRequest error.
func InvalidRequestf(format string, args ...any) error {
	return &Error{Kind: KindInvalidRequest, Err: eris.Errorf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Err: eris.Errorf(format, args...)}
}

// KindOf returns the Kind of the first classified error in the chain.
// Unclassified errors report KindTransient.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// Is reports whether the chain contains a classified error of the given kind.
func Is(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// HTTPStatus maps an error to the status code the HTTP surface should emit.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBackendUnavailable, KindBackendThrottled:
		return http.StatusServiceUnavailable
	case KindCacheDegraded:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a worker should retry after this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindBackendThrottled, KindCacheDegraded, KindBackendUnavailable:
		return true
	default:
		return false
	}
}
