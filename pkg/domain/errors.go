package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeAlreadyEnrolled = "ALREADY_ENROLLED"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeDispatch        = "DISPATCH_ERROR"
	ErrCodePersistence     = "PERSISTENCE_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Error constructors

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: msg,
	}
}

// NewAlreadyEnrolledError is returned when a user already has an active
// enrollment in the sequence.
func NewAlreadyEnrolledError(userID, sequenceID int64) error {
	return &DomainError{
		Code:    ErrCodeAlreadyEnrolled,
		Message: fmt.Sprintf("user %d is already enrolled in sequence %d", userID, sequenceID),
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeConflict,
		Message: msg,
	}
}

// NewDispatchError wraps an email provider failure
func NewDispatchError(err error) error {
	return &DomainError{
		Code:    ErrCodeDispatch,
		Message: "email dispatch failed",
		Err:     err,
	}
}

// NewPersistenceError wraps a database failure
func NewPersistenceError(op string, err error) error {
	return &DomainError{
		Code:    ErrCodePersistence,
		Message: op,
		Err:     err,
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError() error {
	return &DomainError{
		Code:    ErrCodeUnauthorized,
		Message: "Authentication required",
	}
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(msg string) error {
	return &DomainError{
		Code:    ErrCodeForbidden,
		Message: msg,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(err error) error {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: "An internal error occurred",
		Err:     err,
	}
}

// Helper functions to check error types

func hasCode(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsAlreadyEnrolled checks if the error is an already-enrolled error
func IsAlreadyEnrolled(err error) bool { return hasCode(err, ErrCodeAlreadyEnrolled) }

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsDispatch checks if the error is an email dispatch error
func IsDispatch(err error) bool { return hasCode(err, ErrCodeDispatch) }

// IsPersistence checks if the error is a persistence error
func IsPersistence(err error) bool { return hasCode(err, ErrCodePersistence) }

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool { return hasCode(err, ErrCodeForbidden) }

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}

// GetMessage returns the client-safe message of a domain error
func GetMessage(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return "An internal error occurred"
}
