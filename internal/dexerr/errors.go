// Package dexerr defines the error kinds shared by the ledger, spawn, trade,
// wager and pack packages.
package dexerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error kind.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeTooLate           Code = "TOO_LATE"
	CodeWrongAnswer       Code = "WRONG_ANSWER"
	CodeInvalidOffer      Code = "INVALID_OFFER"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeStateConflict     Code = "STATE_CONFLICT"
	CodeTimeout           Code = "TIMEOUT"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
	CodeNotFound          Code = "NOT_FOUND"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeNoPermission      Code = "NO_PERMISSION"
)

// Error carries a Code plus an internal message and optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so sentinels like ErrTooLate
// work with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is.
var (
	ErrTooLate           = New(CodeTooLate, "too late")
	ErrWrongAnswer       = New(CodeWrongAnswer, "wrong answer")
	ErrInvalidOffer      = New(CodeInvalidOffer, "invalid offer")
	ErrInsufficientFunds = New(CodeInsufficientFunds, "insufficient funds")
	ErrStateConflict     = New(CodeStateConflict, "state conflict")
	ErrTimeout           = New(CodeTimeout, "timeout")
	ErrStorageFailure    = New(CodeStorageFailure, "storage failure")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrBadRequest        = New(CodeBadRequest, "bad request")
	ErrNoPermission      = New(CodeNoPermission, "no permission")
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether the caller may retry the whole operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeStorageFailure, CodeTimeout:
		return true
	default:
		return false
	}
}
