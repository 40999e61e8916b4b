package observability

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the structured error categories every component-level
// error should carry, so callers can branch on category rather than
// string-matching messages.
type ErrorKind string

const (
	KindNotFound             ErrorKind = "NotFound"
	KindValidation           ErrorKind = "Validation"
	KindUnauthorized         ErrorKind = "Unauthorized"
	KindForbidden            ErrorKind = "Forbidden"
	KindInsufficientCredits  ErrorKind = "InsufficientCredits"
	KindPaymentRequired      ErrorKind = "PaymentRequired"
	KindIterationLimit       ErrorKind = "IterationLimitExceeded"
	KindTimeoutExceeded      ErrorKind = "TimeoutExceeded"
	KindCancelled            ErrorKind = "Cancelled"
	KindMissingBinary        ErrorKind = "MissingBinary"
	KindMissingArgument      ErrorKind = "MissingArgument"
	KindUpstreamUnavailable  ErrorKind = "UpstreamUnavailable"
	KindInternal             ErrorKind = "Internal"
)

// Error is the engine-wide structured error type. Components return values
// of this type (never panic) so the dispatcher and tool layer can branch on
// Kind without parsing messages.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// Names carries structured detail for kinds that need it:
	// MissingBinary -> missing binary names, MissingArgument -> argument name.
	Names []string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a structured Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound builds a KindNotFound error.
func NotFound(message string) *Error { return NewError(KindNotFound, message, nil) }

// Validation builds a KindValidation error.
func Validation(message string) *Error { return NewError(KindValidation, message, nil) }

// Internal wraps an unexpected error as KindInternal, matching the rule that
// internal details never leak to user-visible text.
func Internal(cause error) *Error {
	return NewError(KindInternal, "an internal error occurred", cause)
}

// MissingBinary builds the MissingBinary kind with the offending names.
func MissingBinary(names []string) *Error {
	return &Error{Kind: KindMissingBinary, Message: "required binaries not found on PATH", Names: names}
}

// MissingArgument builds the MissingArgument kind for a single argument name.
func MissingArgument(name string) *Error {
	return &Error{Kind: KindMissingArgument, Message: "missing required argument", Names: []string{name}}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) an *Error, else KindInternal.
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
