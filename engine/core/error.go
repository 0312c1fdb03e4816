package core

import (
	"errors"
	"fmt"
)

// Code classifies a failure into the fixed service taxonomy. Every error
// that crosses a component boundary carries exactly one of these.
type Code string

const (
	// CodeNotFound: the requested session, memory, or user has no record.
	CodeNotFound Code = "not-found"
	// CodeValidation: malformed input (unknown taxonomy pair, negative
	// budget, dimension mismatch).
	CodeValidation Code = "validation-error"
	// CodeSecurityViolation: content matched a credential pattern.
	CodeSecurityViolation Code = "security-violation"
	// CodeTransientStore: the store kept reporting serialization conflicts
	// after the retry budget was exhausted.
	CodeTransientStore Code = "transient-store"
	// CodeTimeout: the caller's deadline elapsed.
	CodeTimeout Code = "timeout"
	// CodeUpstreamModel: the model service failed beyond what the fallback
	// defaults could rescue.
	CodeUpstreamModel Code = "upstream-model"
	// CodeInternal: every other invariant violation.
	CodeInternal Code = "internal"
)

func (c Code) String() string {
	return string(c)
}

// Error is the stable error object surfaced to callers: {code, message, hint?}.
// Messages contain structural information only, never content or PII.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a taxonomy error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a taxonomy error around an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithHint attaches a caller-facing remediation hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithDetail attaches a structural detail (pattern names, counts).
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from err, defaulting to internal for
// untyped errors and mapping context cancellation onto timeout.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if IsDeadline(err) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
