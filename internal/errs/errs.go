// Package errs defines the internal error taxonomy shared by the ACME
// services. Validation engines report adjudication failures as data
// (model.ProblemDetails); errors of these types are reserved for
// conditions the caller did not, or could not, check first.
package errs

import (
	"errors"
	"fmt"
)

// Type provides a coarse category for service errors.
type Type int

const (
	// ServerInternal is the catch-all for unexpected failures.
	ServerInternal Type = iota
	// Malformed indicates bad input shape or encoding.
	Malformed
	// Conflict indicates an illegal state transition or a failed
	// status precondition.
	Conflict
	// NotFound indicates the requested entity does not exist.
	NotFound
	// NotAllowed indicates an ownership mismatch between the calling
	// account and the entity.
	NotAllowed
	// Unauthorized indicates the account or its signature did not
	// satisfactorily prove identity.
	Unauthorized
	// Concurrency indicates an optimistic-concurrency version mismatch
	// on save. The caller should re-load and retry.
	Concurrency
)

func (t Type) String() string {
	switch t {
	case Malformed:
		return "malformed"
	case Conflict:
		return "conflict"
	case NotFound:
		return "notFound"
	case NotAllowed:
		return "notAllowed"
	case Unauthorized:
		return "unauthorized"
	case Concurrency:
		return "concurrency"
	default:
		return "serverInternal"
	}
}

// Error is a typed service error.
type Error struct {
	Type   Type
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// New creates a new typed Error.
func New(t Type, msg string, args ...interface{}) error {
	return &Error{Type: t, Detail: fmt.Sprintf(msg, args...)}
}

// Is reports whether err is an *Error of the given type.
func Is(err error, t Type) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// TypeOf returns the taxonomy type of err, or ServerInternal when err
// is not a typed Error.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ServerInternal
}

// MalformedError creates a Malformed-typed error.
func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

// ConflictError creates a Conflict-typed error.
func ConflictError(msg string, args ...interface{}) error {
	return New(Conflict, msg, args...)
}

// NotFoundError creates a NotFound-typed error.
func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

// NotAllowedError creates a NotAllowed-typed error.
func NotAllowedError(msg string, args ...interface{}) error {
	return New(NotAllowed, msg, args...)
}

// UnauthorizedError creates an Unauthorized-typed error.
func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

// ConcurrencyError creates a Concurrency-typed error.
func ConcurrencyError(msg string, args ...interface{}) error {
	return New(Concurrency, msg, args...)
}

// InternalError creates a ServerInternal-typed error.
func InternalError(msg string, args ...interface{}) error {
	return New(ServerInternal, msg, args...)
}
