package store

import (
	"errors"
	"fmt"
)

// Code is a typed error classification surfaced to HTTP handlers (see
// spec §7). Handlers map each Code to a status once, at the boundary,
// instead of inspecting error strings.
type Code string

const (
	CodeDuplicate     Code = "DUPLICATE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInvalidState  Code = "INVALID_STATE"
	CodeInvalidArg    Code = "INVALID_ARGUMENT"
	CodeLaunchFailed  Code = "LAUNCH_FAILED"
)

// Error is the Store's typed error, grounded on the teacher's
// txError/AmbiguousCommitError wrapping idiom in postgres_store.go.
type Error struct {
	Code  Code
	cause error
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, store.ErrNotFound) style sentinels built
// from just a Code, without a wrapped cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrNotFound     = &Error{Code: CodeNotFound, cause: fmt.Errorf("not found")}
	ErrDuplicate    = &Error{Code: CodeDuplicate, cause: fmt.Errorf("duplicate id")}
	ErrInvalidState = &Error{Code: CodeInvalidState, cause: fmt.Errorf("invalid state for operation")}
)

// CodeOf extracts the Code from err, defaulting to "" for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}
