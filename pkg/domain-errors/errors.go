// Package domainerrors carries the error taxonomy services return to callers.
//
// Stores speak in pkg/platform/sentinel facts; services translate those facts
// into coded errors so transports can decide between "fix the input" (guard,
// validation) and "try again" (storage, concurrency).
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for transports and automation.
type Code string

const (
	CodeBadRequest             Code = "bad_request"
	CodeValidation             Code = "validation_error"
	CodeInvalidInput           Code = "invalid_input"
	CodeGuardViolation         Code = "guard_violation"
	CodeNotFound               Code = "not_found"
	CodeConflict               Code = "conflict"
	CodeConcurrentModification Code = "concurrent_modification"
	CodeStorageFailure         Code = "storage_failure"
	CodeUnauthorized           Code = "unauthorized"
	CodeForbidden              Code = "forbidden"
	CodeTimeout                Code = "timeout"
	CodeInvariantViolation     Code = "invariant_violation"
	CodeInternal               Code = "internal_error"
)

// Error is a coded domain error. Err holds the underlying cause, if any.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	cause := e.Err.Error()
	if e.Message == "" || e.Message == cause {
		return cause
	}
	return fmt.Sprintf("%s: %s", e.Message, cause)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the outermost code in the chain, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost coded error in the chain carries code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// MessageOf returns the message of the outermost coded error, or err.Error().
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
