// Package apperrors defines the typed error kinds shared across every
// component boundary (spec §7). Every package that crosses a component
// boundary returns *Error instead of a bare error, so callers can classify
// failures without string matching and the HTTP layer can map them to a
// stable wire envelope without leaking backend identities or stack traces.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a stable, closed classification of failure.
type Kind string

const (
	KindInvalidRequest     Kind = "InvalidRequest"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindUnauthorised       Kind = "Unauthorised"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindTimeout            Kind = "Timeout"
	KindFetchError         Kind = "FetchError"
	KindOcrError           Kind = "OcrError"
	KindRuleError          Kind = "RuleError"
	KindInternal           Kind = "Internal"
)

// codes assigns each Kind a stable numeric code, carried in API responses.
var codes = map[Kind]int{
	KindInvalidRequest:     1000,
	KindNotFound:           1001,
	KindConflict:           1002,
	KindUnauthorised:       1003,
	KindBackendUnavailable: 1004,
	KindTimeout:            1005,
	KindFetchError:         1006,
	KindOcrError:           1007,
	KindRuleError:          1008,
	KindInternal:           1009,
}

// transientKinds is the allow-list of kinds eligible for internal retry at
// the job level (spec §4.7, §7).
var transientKinds = map[Kind]bool{
	KindTimeout:            true,
	KindBackendUnavailable: true,
	KindFetchError:         true,
	KindOcrError:           true,
}

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: codes[kind], Message: message}
}

// Wrap constructs an *Error of the given kind, preserving cause for
// internal logging (never serialized to callers).
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Code: codes[kind], Message: message, Cause: cause}
}

// Is reports whether err (or any error in its chain) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Transient reports whether err's kind is in the job-retry allow-list.
func Transient(err error) bool {
	return transientKinds[KindOf(err)]
}
