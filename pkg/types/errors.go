package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every caller-visible failure.
type ErrorKind string

const (
	KindInvalidInput         ErrorKind = "InvalidInput"
	KindNotAuthenticated     ErrorKind = "NotAuthenticated"
	KindNotAMember           ErrorKind = "NotAMember"
	KindForbidden            ErrorKind = "Forbidden"
	KindNotFound             ErrorKind = "NotFound"
	KindRateLimited          ErrorKind = "RateLimited"
	KindCapacityExceeded     ErrorKind = "CapacityExceeded"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	KindInternal             ErrorKind = "Internal"
)

// Error is the structured error returned across the core boundary.
// ARCHITECTURAL DISCOVERY: Is compares kinds only, so the bare sentinels below
// work with errors.Is regardless of the human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrNotAuthenticated     = &Error{Kind: KindNotAuthenticated}
	ErrNotAMember           = &Error{Kind: KindNotAMember}
	ErrForbidden            = &Error{Kind: KindForbidden}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrCapacityExceeded     = &Error{Kind: KindCapacityExceeded}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrInternal             = &Error{Kind: KindInternal}
)

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind that keeps cause for errors.Is/As.
func WrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind carried by err. Unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
