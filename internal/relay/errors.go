package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error category surfaced to callers.
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindRateLimited         Kind = "rate_limited"
	KindConcurrencyLimited  Kind = "concurrency_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUnresumable         Kind = "unresumable"
	KindInvalidArgument     Kind = "invalid_argument"
)

// Error is a caller-recoverable relay error with a stable kind.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only set for rate_limited
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain, or "" for internal errors.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// httpStatus maps an error to the HTTP status used by the REST surface.
func httpStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindUnresumable:
		return http.StatusBadRequest
	case KindRateLimited, KindConcurrencyLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
