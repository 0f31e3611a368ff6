// Package tyerr defines the error kinds used across tytools. Callers
// classify failures with KindOf to decide between "retry later" (IO while
// reconnecting) and "give up" (everything else).
package tyerr

import (
	"errors"
	"fmt"
)

// Kind partitions errors by how they must be handled.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate here.
	KindUnknown Kind = iota
	// KindParam marks invalid configuration or flag values. Always fatal.
	KindParam
	// KindParse marks malformed numeric arguments. Always fatal.
	KindParse
	// KindSystem marks failed OS primitive calls. Always fatal.
	KindSystem
	// KindIO marks device or stream I/O failures, potentially transient.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindParam:
		return "parameter error"
	case KindParse:
		return "parse error"
	case KindSystem:
		return "system error"
	case KindIO:
		return "I/O error"
	default:
		return "error"
	}
}

// Error is the single canonical error type carrying a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Param reports an invalid configuration or flag value.
func Param(format string, args ...any) error {
	return &Error{Kind: KindParam, Msg: fmt.Sprintf(format, args...)}
}

// Parse reports a malformed argument.
func Parse(format string, args ...any) error {
	return &Error{Kind: KindParse, Msg: fmt.Sprintf(format, args...)}
}

// System reports a failed OS call, wrapping the underlying error.
func System(err error, format string, args ...any) error {
	return &Error{Kind: KindSystem, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IO reports a device or stream I/O failure, wrapping the underlying error.
func IO(err error, format string, args ...any) error {
	return &Error{Kind: KindIO, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsIO reports whether err is an I/O-kind error that a reconnecting
// caller may treat as transient.
func IsIO(err error) bool { return KindOf(err) == KindIO }
