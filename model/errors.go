package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest          = "BAD_REQUEST"
	ErrUnauthorized        = "UNAUTHORIZED"
	ErrForbidden           = "FORBIDDEN"
	ErrNotFound            = "NOT_FOUND"
	ErrConflict            = "CONFLICT"
	ErrValidationError     = "VALIDATION_ERROR"
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrPrecondition        = "PRECONDITION_FAILED"
	ErrDependencyIntegrity = "DEPENDENCY_INTEGRITY"
	ErrNotificationFailed  = "NOTIFICATION_FAILED"
	ErrInternalError       = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error returned by the engine and rendered by
// the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code of err, or "" if err does not wrap an
// ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err wraps an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewPermissionError returns a FORBIDDEN error. It is raised when the actor is
// not authorized for the role scope or the specific mutation.
func NewPermissionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewFieldValidationError is a shorthand for a single-field VALIDATION_ERROR.
func NewFieldValidationError(field, code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: msg,
		Details: []FieldError{{Field: field, Code: code, Message: msg}},
	}
}

// NewTransitionError returns an INVALID_TRANSITION error for a rejected
// action-state move.
func NewTransitionError(from, to ActionState) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
	}
}

// NewPreconditionError returns a PRECONDITION_FAILED error.
func NewPreconditionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPrecondition, Message: msg}
}

// NewDependencyIntegrityError returns a DEPENDENCY_INTEGRITY error listing
// every dependency problem found.
func NewDependencyIntegrityError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDependencyIntegrity,
		Message: "Step dependencies are invalid",
		Details: details,
	}
}

// NewNotificationError returns a NOTIFICATION_FAILED error. These are
// recorded and logged, never returned to callers of the orchestrator.
func NewNotificationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotificationFailed, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
