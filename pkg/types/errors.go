package types

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the outcomes of public engine operations.
// Callers branch on the kind, never on message text.
type ErrorKind int

const (
	KindUnknown    ErrorKind = iota
	KindValidation           // bad input; user-actionable, never retried
	KindNotFound             // entity absent; terminal for the operation
	KindConflict             // state-machine violation; caller may refresh and retry
	KindTransient            // timeouts, 5xx, 429; retried internally, surfaced only when exhausted
	KindFatal                // store/cache unreachable, escrow inconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed outcome carried across engine boundaries.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindConflict}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// KindOf extracts the ErrorKind from an error chain. Unwrapped errors
// report KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func Transientf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Fatalf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...), Err: err}
}
