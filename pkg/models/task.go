package models

import (
	"time"

	"github.com/google/uuid"
)

// Task is the primary unit of work inside a branch
type Task struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	BranchID    uuid.UUID    `json:"branch_id" db:"branch_id"`
	OwnerUserID string       `json:"owner_user_id" db:"owner_user_id"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description,omitempty" db:"description"`
	Status      TaskStatus   `json:"status" db:"status"`
	Priority    TaskPriority `json:"priority" db:"priority"`

	DueDate         *time.Time `json:"due_date,omitempty" db:"due_date"`
	EstimatedEffort string     `json:"estimated_effort,omitempty" db:"estimated_effort"`
	ContextID       *uuid.UUID `json:"context_id,omitempty" db:"context_id"`

	// ProgressHistory holds numbered entries keyed entry_{n}; ProgressCount
	// is the highest n. Both persist atomically with a version bump.
	ProgressHistory JSONMap `json:"progress_history" db:"progress_history"`
	ProgressCount   int     `json:"progress_count" db:"progress_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Loaded from join tables, not columns
	AssigneeIDs []string    `json:"assignee_ids,omitempty" db:"-"`
	LabelIDs    []uuid.UUID `json:"label_ids,omitempty" db:"-"`
	Labels      []string    `json:"labels,omitempty" db:"-"`
	Subtasks    []*Subtask  `json:"subtasks,omitempty" db:"-"`
	DependsOn   []uuid.UUID `json:"depends_on,omitempty" db:"-"`
}

// TaskSummary is the list_minimal row: scalar columns plus relationship
// counts, no association loading.
type TaskSummary struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	BranchID        uuid.UUID    `json:"branch_id" db:"branch_id"`
	Title           string       `json:"title" db:"title"`
	Status          TaskStatus   `json:"status" db:"status"`
	Priority        TaskPriority `json:"priority" db:"priority"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
	SubtaskCount    int          `json:"subtask_count" db:"subtask_count"`
	AssigneeCount   int          `json:"assignee_count" db:"assignee_count"`
	DependencyCount int          `json:"dependency_count" db:"dependency_count"`
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusTesting    TaskStatus = "testing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusArchived   TaskStatus = "archived"
)

// ValidTaskStatuses lists every accepted task status
var ValidTaskStatuses = []TaskStatus{
	TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusReview,
	TaskStatusTesting, TaskStatusDone, TaskStatusCancelled, TaskStatusArchived,
}

// IsValid reports whether the status is one of the known states
func (s TaskStatus) IsValid() bool {
	for _, v := range ValidTaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsRunnable reports whether a task in this status can be picked up by
// the next-task selector.
func (s TaskStatus) IsRunnable() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusReview, TaskStatusTesting:
		return true
	default:
		return false
	}
}

// TaskPriority represents the urgency of a task
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityUrgent   TaskPriority = "urgent"
)

// IsValid reports whether the priority is one of the known levels
func (p TaskPriority) IsValid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical, TaskPriorityUrgent:
		return true
	default:
		return false
	}
}

// Rank orders priorities for next-task selection, higher is more urgent
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityUrgent:
		return 5
	case TaskPriorityCritical:
		return 4
	case TaskPriorityHigh:
		return 3
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 1
	default:
		return 0
	}
}

// TaskDependency is an edge in the depends_on DAG
type TaskDependency struct {
	TaskID          uuid.UUID `json:"task_id" db:"task_id"`
	DependsOnTaskID uuid.UUID `json:"depends_on_task_id" db:"depends_on_task_id"`
}

// Label is a named tag attachable to tasks
type Label struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
}

// TaskFilter narrows list queries. Zero values mean "no filter".
type TaskFilter struct {
	BranchID   *uuid.UUID
	Status     TaskStatus
	Priority   TaskPriority
	AssigneeID string
	Label      string
	Query      string
	Limit      int
	Offset     int
}
