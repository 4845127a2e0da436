// Package types holds the error taxonomy and transaction primitives shared
// by every repository implementation.
package types

import (
	"errors"
)

// Common errors
var (
	ErrNotFound            = NewRepositoryError("NOT_FOUND", "entity not found")
	ErrAlreadyExists       = NewRepositoryError("ALREADY_EXISTS", "entity already exists")
	ErrOptimisticLock      = NewRepositoryError("OPTIMISTIC_LOCK", "version mismatch")
	ErrInvalidInput        = NewRepositoryError("INVALID_INPUT", "invalid input parameters")
	ErrConstraintViolation = NewRepositoryError("CONSTRAINT_VIOLATION", "constraint violation")
	ErrTransient           = NewRepositoryError("TRANSIENT", "transient storage failure")
)

// RepositoryError represents a repository-specific error
type RepositoryError struct {
	Code    string
	Message string
	Cause   error

	// CurrentVersion is populated for OPTIMISTIC_LOCK failures so callers
	// can report the winning version.
	CurrentVersion int
}

// NewRepositoryError creates a repository error with a stable code
func NewRepositoryError(code, message string) *RepositoryError {
	return &RepositoryError{Code: code, Message: message}
}

func (e *RepositoryError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Is lets errors.Is match on the code so wrapped and annotated copies of a
// sentinel still compare equal to it.
func (e *RepositoryError) Is(target error) bool {
	var re *RepositoryError
	if errors.As(target, &re) {
		return e.Code == re.Code
	}
	return false
}

// Unwrap returns the cause
func (e *RepositoryError) Unwrap() error { return e.Cause }

// WithCause returns a copy carrying the underlying error
func (e *RepositoryError) WithCause(cause error) *RepositoryError {
	return &RepositoryError{Code: e.Code, Message: e.Message, Cause: cause, CurrentVersion: e.CurrentVersion}
}

// WithCurrentVersion returns a copy annotated with the current version
func (e *RepositoryError) WithCurrentVersion(v int) *RepositoryError {
	return &RepositoryError{Code: e.Code, Message: e.Message, Cause: e.Cause, CurrentVersion: v}
}

// IsNotFound reports whether err is a NOT_FOUND repository error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is an OPTIMISTIC_LOCK repository error
func IsConflict(err error) bool { return errors.Is(err, ErrOptimisticLock) }

// IsTransient reports whether err is retryable
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
