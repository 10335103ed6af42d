// Package symerr defines the error kinds used across the symbolication
// service (spec §7) and wraps github.com/pkg/errors the way the teacher's
// cache backend does throughout storage_persistent.go.
package symerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds named by the specification. It is not a
// type hierarchy — callers switch on Kind(), not on Go types.
type Kind int

const (
	// KindNone marks an error with no particular kind (never returned by
	// this package's constructors; present so the zero value is safe).
	KindNone Kind = iota
	// NoSuchKey: cache miss — path not present in the LRU index.
	NoSuchKey
	// KeyConflict: duplicate insert of an already-present path.
	KeyConflict
	// NoSpace: budget cannot be freed even after evicting everything
	// evictable.
	NoSpace
	// TransportError: HTTP/network failure talking to an upstream symbol
	// server or to the DiskCache from SymServer.
	TransportError
	// ParseError: malformed symbol file content.
	ParseError
	// Validation: a bad incoming request.
	Validation
	// Fatal: a programmer error / invariant violation.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NoSuchKey:
		return "NoSuchKey"
	case KeyConflict:
		return "KeyConflict"
	case NoSpace:
		return "NoSpace"
	case TransportError:
		return "TransportError"
	case ParseError:
		return "ParseError"
	case Validation:
		return "Validation"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is a kinded, wrapped error. For an error built by Wrap, errors.Cause
// resolves to the innermost underlying error, matching pkg/errors idiom; for
// one built by New, Cause() is nil.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/errors.As from the standard library too.
func (e *Error) Unwrap() error { return e.cause }

// New builds a kinded error with a formatted message and no underlying
// cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a kinded error annotating an existing cause, analogous to
// errors.Wrapf from github.com/pkg/errors.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
