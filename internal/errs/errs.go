// Package errs models the small set of error kinds the VizQL runtime routes
// on: build/validation failures that drive a retry, upstream failures that
// drive a different retry, and the handful of terminal conditions that don't.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for routing purposes. Never string-match error
// text to make a routing decision; switch on Kind (or errors.As) instead.
type Kind int

const (
	// Unknown is the zero value; never constructed deliberately.
	Unknown Kind = iota
	// BuildError covers JSON parse failures and missing-field drafts from the
	// Query Builder Node. Recoverable within the build budget.
	BuildError
	// ValidationError covers semantic mismatches against the enriched schema.
	// Recoverable within the build budget.
	ValidationError
	// ExecutionError covers upstream VDS execution failures. Recoverable
	// within the execution budget.
	ExecutionError
	// AuthExpired means the BI session token could not be refreshed and
	// requires the caller to re-authenticate (PAT/password sessions only).
	AuthExpired
	// Transport covers network/5xx failures eligible for backoff retry.
	Transport
	// NotFound means the BI server reported the requested resource (datasource,
	// view, field) does not exist.
	NotFound
	// Cancelled means the context was cancelled or the client disconnected.
	Cancelled
	// InternalInvariant means a should-never-happen condition was hit; logged
	// and surfaced, never retried.
	InternalInvariant
)

// String renders the Kind the way it is referred to elsewhere (logs, the
// error chunk sent over SSE).
func (k Kind) String() string {
	switch k {
	case BuildError:
		return "BuildError"
	case ValidationError:
		return "ValidationError"
	case ExecutionError:
		return "ExecutionError"
	case AuthExpired:
		return "AuthExpired"
	case Transport:
		return "Transport"
	case NotFound:
		return "NotFound"
	case Cancelled:
		return "Cancelled"
	case InternalInvariant:
		return "InternalInvariant"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a routing Kind.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given Kind wrapping cause (which may be nil).
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrap is New with a %w-style message built from format/args, matching the
// flow package's own fmt.Errorf("...: %w", err) wrapping idiom.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the routing Kind from err, returning Unknown if err is nil
// or does not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err wraps an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
