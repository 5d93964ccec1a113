package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies an error for RPC callers. The set is closed; the gateway
// maps kinds onto HTTP statuses and user-facing messages.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindCircularDependency  Kind = "CIRCULAR_DEPENDENCY"
	KindUnsupportedTarget   Kind = "UNSUPPORTED_TARGET"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindBadRequest          Kind = "BAD_REQUEST"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindUnavailable         Kind = "UNAVAILABLE"
	KindInternal            Kind = "INTERNAL"
)

// Error is a classified error. CorrelationID ties the RPC response to the
// server-side log line carrying the full cause chain.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it on the chain for errors.Is.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error { return New(KindConflict, format, args...) }
func CircularDependency(format string, args ...any) *Error {
	return New(KindCircularDependency, format, args...)
}
func UnsupportedTarget(format string, args ...any) *Error {
	return New(KindUnsupportedTarget, format, args...)
}
func Unauthorized(format string, args ...any) *Error { return New(KindUnauthorized, format, args...) }
func BadRequest(format string, args ...any) *Error   { return New(KindBadRequest, format, args...) }
func UpstreamUnavailable(format string, args ...any) *Error {
	return New(KindUpstreamUnavailable, format, args...)
}
func Unavailable(format string, args ...any) *Error { return New(KindUnavailable, format, args...) }
func Internal(format string, args ...any) *Error    { return New(KindInternal, format, args...) }

// KindOf walks the chain and returns the first classified kind, or
// KindInternal when the error was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether the chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Correlate stamps a correlation id onto the error, generating one when the
// chain does not carry one yet, and returns the id.
func Correlate(err error) (error, string) {
	var e *Error
	if errors.As(err, &e) {
		if e.CorrelationID == "" {
			e.CorrelationID = uuid.New().String()
		}
		return err, e.CorrelationID
	}
	wrapped := &Error{
		Kind:          KindInternal,
		Message:       "internal error",
		CorrelationID: uuid.New().String(),
		cause:         err,
	}
	return wrapped, wrapped.CorrelationID
}

// HTTPStatus maps a kind to the status the RPC surface responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindCircularDependency:
		return http.StatusConflict
	case KindUnsupportedTarget, KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether the kind's message is safe to show callers
// verbatim. Internal errors are replaced with the correlation id only.
func Public(kind Kind) bool {
	return kind != KindInternal
}
