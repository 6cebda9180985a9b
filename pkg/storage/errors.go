package storage

import (
	"errors"
	"fmt"
)

// Kind classifies storage failures. Callers match on it through errors.Is
// against the sentinel values below; the underlying Pebble error is never
// returned.
type Kind uint8

const (
	KindStorage Kind = iota + 1
	KindNotFound
	KindSerialization
	KindInvalid
	KindLocked
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not found"
	case KindSerialization:
		return "serialization"
	case KindInvalid:
		return "invalid argument"
	case KindLocked:
		return "locked"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the only error type returned by the engine for non-context failures.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Msg == "":
		return "storage: " + e.Kind.String()
	case e.Msg == "":
		return fmt.Sprintf("storage: %s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("storage: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("storage: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrStorageFailed = &Error{Kind: KindStorage}
	ErrSerialization = &Error{Kind: KindSerialization}
	ErrInvalid       = &Error{Kind: KindInvalid}
	ErrLocked        = &Error{Kind: KindLocked}
	ErrClosed        = &Error{Kind: KindClosed}
)

func newError(kind Kind, op string, cause error) *Error {
	e := &Error{Kind: kind, Op: op}
	if cause != nil {
		e.Msg = cause.Error()
	}
	return e
}

func notFound(op, what string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: what}
}

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
