// Package services holds the domain logic: the context hierarchy, the
// task aggregate, and the supporting project/branch/subtask/agent
// services. Every operation takes the calling user's id; repositories
// enforce the scoping.
package services

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ValidationError reports a rejected input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InvalidTransitionError reports a task status transition the state
// machine forbids.
type InvalidTransitionError struct {
	From models.TaskStatus
	To   models.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// DependencyCycleError reports a dependency edge that would close a
// cycle. Cycle holds the path ending back at the first node.
type DependencyCycleError struct {
	Cycle []uuid.UUID
}

func (e *DependencyCycleError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = id.String()
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// CompletionBlockedError lists the preconditions a task failed on its way
// to done.
type CompletionBlockedError struct {
	TaskID   uuid.UUID
	Blockers []string
}

func (e *CompletionBlockedError) Error() string {
	return fmt.Sprintf("completion blocked for task %s: %s", e.TaskID, strings.Join(e.Blockers, "; "))
}

// DelegationDirectionError reports a delegation that does not flow
// strictly upward.
type DelegationDirectionError struct {
	Source models.ContextLevel
	Target models.ContextLevel
}

func (e *DelegationDirectionError) Error() string {
	return fmt.Sprintf("delegation must flow upward: %s -> %s is not allowed", e.Source, e.Target)
}

// ConflictError reports an optimistic concurrency loss
type ConflictError struct {
	CurrentVersion int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict, current version is %d", e.CurrentVersion)
}
