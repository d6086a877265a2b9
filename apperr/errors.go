// Package apperr defines the closed set of error kinds returned by the
// signing workflow services together with the envelope used to hand results
// to a transport.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a workflow failure. The set is closed: every error leaving
// a service is one of these kinds.
type Kind string

const (
	// KindValidation indicates the caller supplied invalid input.
	KindValidation Kind = "validation"
	// KindAuthorization indicates the caller may not perform the operation.
	KindAuthorization Kind = "authorization"
	// KindNotFound indicates the referenced request or signer does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates the current state does not permit the operation.
	KindConflict Kind = "conflict"
	// KindExpired indicates the request passed its expiry.
	KindExpired Kind = "expired"
	// KindRateLimited indicates the caller exceeded its request budget.
	KindRateLimited Kind = "rate_limited"
	// KindInternal indicates an infrastructure failure.
	KindInternal Kind = "internal"
)

// Code returns the machine-readable code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindAuthorization:
		return "AUTHORIZATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindExpired:
		return "EXPIRED"
	case KindRateLimited:
		return "RATE_LIMITED"
	default:
		return "INTERNAL_ERROR"
	}
}

// Status returns the HTTP-style status associated with the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var defaultSuggestions = map[Kind][]string{
	KindValidation:    {"Check the input data and try again"},
	KindAuthorization: {"Confirm you are the initiator or an assigned signer of this request"},
	KindNotFound:      {"Verify the identifier and try again"},
	KindConflict:      {"Reload the request to see its current state"},
	KindExpired:       {"Ask the initiator to request an extension"},
	KindRateLimited:   {"Wait a moment before retrying"},
	KindInternal:      {"Try again later", "Contact support if the problem persists"},
}

// Error is the typed error carried by every workflow failure.
type Error struct {
	Kind        Kind
	Message     string
	Details     map[string]any
	Suggestions []string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped infrastructure cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Code returns the machine-readable code.
func (e *Error) Code() string { return e.Kind.Code() }

// Status returns the HTTP-style status.
func (e *Error) Status() int { return e.Kind.Status() }

// WithDetail attaches a structured detail and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion prepends a recovery suggestion ahead of the kind defaults.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestions = append([]string{s}, e.Suggestions...)
	return e
}

func newError(kind Kind, msg string, details map[string]any) *Error {
	suggestions := make([]string, len(defaultSuggestions[kind]))
	copy(suggestions, defaultSuggestions[kind])
	return &Error{
		Kind:        kind,
		Message:     msg,
		Details:     details,
		Suggestions: suggestions,
	}
}

// Validation builds a validation error.
func Validation(msg string, details map[string]any) *Error {
	return newError(KindValidation, msg, details)
}

// Authorization builds an authorization error.
func Authorization(msg string) *Error {
	return newError(KindAuthorization, msg, nil)
}

// NotFound builds a not-found error for the named resource.
func NotFound(resource, id string) *Error {
	return newError(KindNotFound, resource+" not found", map[string]any{"resource": resource, "id": id})
}

// Conflict builds a conflict error.
func Conflict(msg string, details map[string]any) *Error {
	return newError(KindConflict, msg, details)
}

// Expired builds an expiry error.
func Expired(msg string) *Error {
	return newError(KindExpired, msg, nil)
}

// RateLimited builds a rate-limit error carrying the retry delay in seconds.
func RateLimited(retryAfterSeconds int) *Error {
	return newError(KindRateLimited, "rate limit exceeded", map[string]any{"retry_after": retryAfterSeconds})
}

// Internal wraps an infrastructure failure, preserving the cause for
// errors.Is/As and diagnostics.
func Internal(cause error, msg string) *Error {
	e := newError(KindInternal, msg, nil)
	e.cause = cause
	if cause != nil {
		e.Details = map[string]any{"cause": cause.Error()}
	}
	return e
}

// As extracts the typed error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err. Untyped errors are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Ensure returns err as a typed error, wrapping untyped errors as internal.
func Ensure(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err, msg)
}
