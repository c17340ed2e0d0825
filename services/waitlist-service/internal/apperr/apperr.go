// Package apperr defines the closed set of failure kinds produced by the
// validation, connection and storage layers of the waitlist service.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The zero value is Internal so that anything
// left unclassified falls into the generic bucket.
type Kind int

const (
	Internal Kind = iota
	Validation
	Duplicate
	ServerSelection
	Network
	Insert
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Duplicate:
		return "duplicate"
	case ServerSelection:
		return "server_selection"
	case Network:
		return "network"
	case Insert:
		return "insert"
	default:
		return "internal"
	}
}

// IsConnection reports whether k is one of the store-unavailable kinds.
func (k Kind) IsConnection() bool {
	return k == ServerSelection || k == Network
}

// Error is a classified failure. Op names the operation that failed
// (for example "mongo.ping" or "signup.validate").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain,
// or Internal if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// OpOf returns the operation recorded on err, if any.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}
