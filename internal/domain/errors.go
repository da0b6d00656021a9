package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every error that crosses a component boundary.
type ErrorKind string

// Error kinds surfaced at component boundaries
const (
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindConflictingWrite    ErrorKind = "CONFLICTING_WRITE"
	KindStorageUnavailable  ErrorKind = "STORAGE_UNAVAILABLE"
	KindProviderUnavailable ErrorKind = "PROVIDER_UNAVAILABLE"
	KindCapabilityBlocked   ErrorKind = "CAPABILITY_BLOCKED"
	KindPolicyBlocked       ErrorKind = "POLICY_BLOCKED"
	KindTimeout             ErrorKind = "TIMEOUT"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrConflictingWrite    = &Error{Kind: KindConflictingWrite}
	ErrStorageUnavailable  = &Error{Kind: KindStorageUnavailable}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrCapabilityBlocked   = &Error{Kind: KindCapabilityBlocked}
	ErrPolicyBlocked       = &Error{Kind: KindPolicyBlocked}
	ErrTimeout             = &Error{Kind: KindTimeout}
)

// Error is the boundary error type
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a boundary error of the given kind
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError wraps err with a kind and operation name
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a boundary error with a formatted message
func Errorf(kind ErrorKind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of err. Context deadline errors map to Timeout;
// anything else unclassified returns the fallback kind.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return fallback
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err, "") == kind
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match field-level validation errors.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindValidation
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
