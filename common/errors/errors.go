// Package errors defines the typed failure kinds returned by the market
// core. Every operation fails synchronously with exactly one kind; nothing
// is retried internally, since retrying a state transition could
// double-apply a monetary effect.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a market error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindPermission        Kind = "permission"
	KindState             Kind = "state"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindBlacklisted       Kind = "blacklisted"
	KindPaused            Kind = "paused"
	KindNotExpired        Kind = "not_expired"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Error is a typed market failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind so callers can compare against sentinel kinds
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validation creates a malformed or out-of-range input error.
func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

// Permission creates an error for a caller lacking the required
// relationship to the entity.
func Permission(format string, args ...interface{}) *Error {
	return newError(KindPermission, format, args...)
}

// State creates an error for a transition that is invalid from the current
// status.
func State(format string, args ...interface{}) *Error {
	return newError(KindState, format, args...)
}

// InsufficientFunds creates an error for a ledger balance or supplied
// payment that is too low.
func InsufficientFunds(format string, args ...interface{}) *Error {
	return newError(KindInsufficientFunds, format, args...)
}

// Blacklisted creates an error for an ineligible account.
func Blacklisted(format string, args ...interface{}) *Error {
	return newError(KindBlacklisted, format, args...)
}

// Paused creates an error for an operation gated by the market pause.
func Paused(format string, args ...interface{}) *Error {
	return newError(KindPaused, format, args...)
}

// NotExpired creates an error for a refund attempted before the deadline.
func NotExpired(format string, args ...interface{}) *Error {
	return newError(KindNotExpired, format, args...)
}

// NotFound creates an error for a missing offer, trade or account.
func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}

// Internal wraps an unexpected failure, typically a store or ledger fault
// that aborted the enclosing transaction.
func Internal(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}
