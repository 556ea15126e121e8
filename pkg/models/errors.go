package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies synchronous failures surfaced to callers. Every
// failure has a stable code and a short human-readable message; internal
// stack traces are never surfaced.
type ErrorCode string

const (
	// ErrValidation marks malformed or out-of-range inputs. Never retried.
	ErrValidation ErrorCode = "validation"
	// ErrState marks actions not permitted in the current round state.
	ErrState ErrorCode = "state"
	// ErrFunds marks insufficient balance or unknown player.
	ErrFunds ErrorCode = "funds"
	// ErrInternal marks infrastructure failures (persistence unreachable).
	ErrInternal ErrorCode = "internal"
)

// Error is the caller-visible failure shape for every core operation.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match on the code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func Validationf(format string, args ...any) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func Statef(format string, args ...any) *Error {
	return &Error{Code: ErrState, Message: fmt.Sprintf(format, args...)}
}

func Fundsf(format string, args ...any) *Error {
	return &Error{Code: ErrFunds, Message: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) *Error {
	return &Error{Code: ErrInternal, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from any error, defaulting to
// internal for errors that did not originate in the core.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}
