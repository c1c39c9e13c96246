package routex

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP rendering and retry decisions.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConflict           Kind = "conflict"
	KindAuthentication     Kind = "authentication"
	KindNotFound           Kind = "not_found"
	KindRateLimit          Kind = "rate_limit"
	KindCircuitBreaker     Kind = "circuit_breaker"
	KindNoAvailableChannel Kind = "no_available_channel"
	KindChannel            Kind = "channel"
	KindRouting            Kind = "routing"
	KindTransformer        Kind = "transformer"
	KindConfiguration      Kind = "configuration"
	KindStorage            Kind = "storage"
	KindInternal           Kind = "internal"
)

// HTTPStatus returns the HTTP status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindCircuitBreaker, KindNoAvailableChannel:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable error code carried in the response envelope.
func (k Kind) Code() string { return string(k) }

// Error is the domain error type. Kind determines HTTP status and code;
// Details is optional structured context for the envelope.
type Error struct {
	Kind      Kind
	Message   string
	Details   any
	Retriable *bool // nil = classify by kind/cause
	cause     error
}

// E constructs an Error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around a cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two domain errors by kind, so callers can write
// errors.Is(err, routex.ErrNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// NotRetriable marks the error as explicitly non-retriable.
func (e *Error) NotRetriable() *Error {
	f := false
	e.Retriable = &f
	return e
}

// Kind sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict           = &Error{Kind: KindConflict, Message: "conflict"}
	ErrRateLimited        = &Error{Kind: KindRateLimit, Message: "rate limited"}
	ErrNoAvailableChannel = &Error{Kind: KindNoAvailableChannel, Message: "no available channel"}
	ErrUnauthorized       = &Error{Kind: KindAuthentication, Message: "unauthorized"}
)

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
