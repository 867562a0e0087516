// Package faults defines the error taxonomy shared by the booking core.
//
// Every failure that crosses a package boundary is classified with a Kind so
// the boundary layer can map it to a transport status without string matching.
// Capacity shortfalls are intentionally absent: they are reported as a typed
// result by the ledger, not as an error.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a core failure.
type Kind string

const (
	// KindNotFound indicates a session, booking, payment or refund is absent.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict indicates a duplicate active refund, an illegal state
	// transition, or a booking already refunded or cancelled.
	KindConflict Kind = "CONFLICT"
	// KindValidation indicates malformed input.
	KindValidation Kind = "VALIDATION"
	// KindServiceUnavailable indicates a circuit breaker rejected the call
	// while open.
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	// KindTimeout indicates an operation exceeded its bound.
	KindTimeout Kind = "TIMEOUT"
	// KindGateway indicates the external payment processor returned a failure.
	KindGateway Kind = "GATEWAY"
	// KindTransaction indicates a commit/rollback failure or connection loss
	// mid-transaction.
	KindTransaction Kind = "TRANSACTION"
)

// Error is a classified core failure. It wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error returns the formatted failure string.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified failure.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified failure with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}

	return false
}

// KindOf returns the kind carried by err, or the empty string if err is not
// a classified failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return ""
}
