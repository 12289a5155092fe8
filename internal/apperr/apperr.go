// Package apperr carries the closed error taxonomy of spec §7 through the
// store, delegation and wire layers. Grounded on the teacher's
// internal/server apiError/newAPIError shape.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the fixed error kinds of spec §7.
type Kind string

const (
	BadRequest      Kind = "BadRequest"
	NotFound        Kind = "NotFound"
	Unauthorized    Kind = "Unauthorized"
	BadTransition   Kind = "BadTransition"
	Conflict        Kind = "Conflict"
	UpstreamFailure Kind = "UpstreamFailure"
	Internal        Kind = "Internal"
)

// Error is the typed failure returned upward by Store and Delegation.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind/message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches opaque client-logging details (spec §7).
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Details builds the opaque client-logging payload for err's error
// envelope (spec §7): the Kind plus whatever detail fields were attached
// with WithDetails, or just the Kind for an untyped error.
func Details(err error) map[string]any {
	e, ok := As(err)
	if !ok {
		return map[string]any{"kind": string(Internal)}
	}
	out := map[string]any{"kind": string(e.Kind)}
	for k, v := range e.Details {
		out[k] = v
	}
	return out
}

// HTTPStatus maps a Kind to the REST status the teacher's envelope uses.
func HTTPStatus(k Kind) int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case BadTransition:
		return http.StatusConflict
	case Conflict:
		return http.StatusConflict
	case UpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
