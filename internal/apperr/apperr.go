// Package apperr defines the error taxonomy shared by the collaboration services
// and the transports that surface failures to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how callers must react to it.
type Kind string

const (
	// KindUnauthenticated means no usable credential was presented.
	KindUnauthenticated Kind = "unauthenticated"
	// KindForbidden means the caller is authenticated but its role is insufficient.
	KindForbidden Kind = "forbidden"
	// KindNotFound means the referenced project, session, or message does not exist.
	KindNotFound Kind = "not_found"
	// KindAlreadyJoined means the connection already holds an active session in the room.
	KindAlreadyJoined Kind = "already_joined"
	// KindInvalid means the request payload was malformed.
	KindInvalid Kind = "invalid"
	// KindConflict means the request collides with existing state.
	KindConflict Kind = "conflict"
	// KindUnavailable means durable storage failed; the caller may retry.
	KindUnavailable Kind = "unavailable"
	// KindInternal is anything unclassified.
	KindInternal Kind = "internal"
)

// Error carries a Kind, a stable dotted code and the underlying cause.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds an Error. The code is usually "<operation>.<reason>".
func New(kind Kind, code string, cause error) *Error {
	return &Error{kind: kind, code: code, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the failure class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code reports the stable dotted code.
func (e *Error) Code() string {
	return e.code
}

// Forbidden is a shorthand for New(KindForbidden, ...).
func Forbidden(code string, cause error) *Error {
	return New(KindForbidden, code, cause)
}

// NotFound is a shorthand for New(KindNotFound, ...).
func NotFound(code string, cause error) *Error {
	return New(KindNotFound, code, cause)
}

// Invalid is a shorthand for New(KindInvalid, ...).
func Invalid(code string, cause error) *Error {
	return New(KindInvalid, code, cause)
}

// Unavailable is a shorthand for New(KindUnavailable, ...).
func Unavailable(code string, cause error) *Error {
	return New(KindUnavailable, code, cause)
}

// KindOf extracts the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// CodeOf extracts the dotted code of err, falling back to its Kind.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return string(KindOf(err))
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a failure onto the status code returned by the HTTP API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindConflict, KindAlreadyJoined:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may safely retry the failed action.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}
