package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes shared by the store client, the transformer, the backup writer
// and the migration runner. The runner's report is keyed by these codes.
const (
	EInternal           = "internal error"
	EInvalid            = "invalid"
	ENotFound           = "not found"
	EAlreadyExists      = "already exists"
	EThrottled          = "throttled"
	EUnavailable        = "unavailable"
	EMalformedRecord    = "malformed record"
	EBackupFailure      = "backup failure"
	EVerificationFailed = "verification failed"
	ELockContention     = "lock contention"
)

// Error is the error struct of the migration.
//
// Errors may have error codes, human-readable messages,
// and a logical stack trace.
//
// The Code targets automated handlers so that recovery can occur.
// Msg is used by the system operator to help diagnose and fix the problem.
// Op and Err chain errors together in a logical stack trace to
// further help operators.
//
// To create a simple error,
//
//	&Error{
//	    Code: ENotFound,
//	}
//
// To show where the error happens, add Op.
//
//	&Error{
//	    Code: ENotFound,
//	    Op:   "bolt.Get",
//	}
//
// To show an error wrapped with another error.
//
//	&Error{
//	    Code: EUnavailable,
//	    Err:  err,
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap returns the wrapped error so errors.Is and errors.As see through it.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the root error, if available; otherwise returns EInternal.
// Errors wrapped with fmt.Errorf("...: %w", err) are unwrapped first.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return EInternal
	}

	if e == nil {
		return ""
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the error, if available; otherwise return empty string.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
// Coded errors wrapping other coded errors are walked to the end.
func Is(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient reports whether err is a store fault worth retrying later.
func IsTransient(err error) bool {
	switch ErrorCode(err) {
	case EThrottled, EUnavailable:
		return true
	default:
		return false
	}
}
