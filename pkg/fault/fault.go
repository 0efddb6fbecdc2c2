// Package fault defines the coded error taxonomy shared by every memory
// component.
//
// Errors are grouped by code range: input validation (E00x), external host
// (E10x), research/fetch (E20x), memory storage (E30x), and system (E40x).
// Each error carries a human-readable message, an optional detail map, and a
// retryability hint so that callers can decide whether a retry is worthwhile
// without inspecting the message text.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies one error kind in the closed taxonomy.
type Code string

// Input errors (E00x). Rejected at the call boundary, never retryable.
const (
	CodeInvalidParam Code = "E001"
	CodeMissingParam Code = "E002"
	CodeOutOfRange   Code = "E003"
	CodeBadFormat    Code = "E004"
)

// External host errors (E10x).
const (
	CodeHostUnreachable Code = "E101"
	CodeAuthFailed      Code = "E102"
	CodeEntityNotFound  Code = "E103"
	CodeServiceFailed   Code = "E104"
	CodeHostCircuitOpen Code = "E105"
)

// Research / fetch errors (E20x).
const (
	CodeFetchTimeout   Code = "E201"
	CodePageLoadFailed Code = "E202"
	CodeNoResults      Code = "E203"
	CodeProviderError  Code = "E204"
	CodeBadURL         Code = "E205"
	CodeTooLarge       Code = "E206"
)

// Memory errors (E30x).
const (
	CodeStoreFailed      Code = "E301"
	CodeRetrieveFailed   Code = "E302"
	CodeEmbeddingFailed  Code = "E303"
	CodeGraphQueryFailed Code = "E304"
	CodeNotFound         Code = "E305"
)

// System errors (E40x).
const (
	CodeRateLimited   Code = "E401"
	CodeCircuitOpen   Code = "E402"
	CodeTimeout       Code = "E403"
	CodeCommandFailed Code = "E404"
	CodeFSNotFound    Code = "E405"
	CodeFSDenied      Code = "E406"
	CodeInternal      Code = "E499"
)

// retryableCodes is the fixed set of codes whose errors default to retryable.
var retryableCodes = map[Code]bool{
	CodeHostUnreachable: true,
	CodeFetchTimeout:    true,
	CodePageLoadFailed:  true,
	CodeProviderError:   true,
	CodeEmbeddingFailed: true,
	CodeRateLimited:     true,
	CodeTimeout:         true,
}

// Error is a coded error with an optional structured detail map.
// The zero value is not useful; construct instances with [New] or [Newf].
type Error struct {
	// Code places the error in the taxonomy.
	Code Code

	// Message is the human-readable description.
	Message string

	// Details carries optional structured context (ids, limits, raw values).
	Details map[string]any

	// Retryable reports whether the caller may reasonably retry the
	// operation. Defaults from the code's membership in the fixed
	// retryable set; override with [Error.WithRetryable].
	Retryable bool

	// cause is the wrapped underlying error, if any.
	cause error
}

// New creates an [Error] with the given code and message. Retryable is
// derived from the code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryableCodes[code],
	}
}

// Newf creates an [Error] with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an [Error] around cause. The cause is reachable through
// [errors.Unwrap] so transport errors stay inspectable.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// WithDetail attaches one key/value pair to the detail map and returns the
// receiver for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryable overrides the default retryability derived from the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error renders the error as "[RETRYABLE] [CODE] message". The RETRYABLE
// prefix is present only when the error is retryable.
func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("[RETRYABLE] [%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an [*Error] with the same code, so that
// errors.Is(err, fault.New(fault.CodeTimeout, "")) matches regardless of
// message.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Code == fe.Code
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Returns [CodeInternal] for errors outside the taxonomy and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries a retryable taxonomy error.
// Errors outside the taxonomy are never retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
