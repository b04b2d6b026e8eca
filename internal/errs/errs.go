// Package errs defines the driver's error kinds (spec.md §7). It sits
// below every other internal package so discover, monitor, router, and
// the root facade can all raise and recognize the same sentinels
// without an import cycle back to the facade package.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories spec.md §7 names.
type Kind int

const (
	// Configuration covers static misuse: missing replicaSet, conflicting
	// TLS, wrong set name, no hosts. Fatal; never retried.
	Configuration Kind = iota
	// ConnectionFailure covers transport-level failures: connect
	// refused, TLS handshake failure, EOF.
	ConnectionFailure
	// AutoReconnect is transient; the caller should retry after the
	// monitor refreshes.
	AutoReconnect
	// OperationFailure means the server returned an error document in a
	// command response.
	OperationFailure
	// DuplicateKey is an OperationFailure with server code 11000, 11001,
	// or 12582, raised as its own kind.
	DuplicateKey
	// InvalidDocument is a local check: an outgoing document exceeds the
	// primary's maxBsonObjectSize.
	InvalidDocument
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case ConnectionFailure:
		return "connection failure"
	case AutoReconnect:
		return "auto-reconnect"
	case OperationFailure:
		return "operation failure"
	case DuplicateKey:
		return "duplicate key"
	case InvalidDocument:
		return "invalid document"
	default:
		return "unknown error kind"
	}
}

// Error is the driver's error type: a Kind plus a message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
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

// Is makes Error compatible with errors.Is against another *Error:
// two Errors match by Kind alone, so a caller can test against a
// package-level sentinel like rsdriver.ErrAutoReconnect without caring
// about its message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// duplicateKeyCodes are the server command-error codes spec.md §7
// singles out as DuplicateKey rather than a generic OperationFailure.
var duplicateKeyCodes = map[int]struct{}{
	11000: {},
	11001: {},
	12582: {},
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error. Used by observability code that wants to label a failure by
// kind without needing the concrete type.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// OperationFailureKind classifies a server error document's code as
// either DuplicateKey or the generic OperationFailure.
func OperationFailureKind(code int) Kind {
	if _, ok := duplicateKeyCodes[code]; ok {
		return DuplicateKey
	}
	return OperationFailure
}
