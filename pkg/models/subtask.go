package models

import (
	"time"

	"github.com/google/uuid"
)

// Subtask is a child work item whose progress rolls up into its task
type Subtask struct {
	ID                 uuid.UUID    `json:"id" db:"id"`
	TaskID             uuid.UUID    `json:"task_id" db:"task_id"`
	OwnerUserID        string       `json:"owner_user_id" db:"owner_user_id"`
	Title              string       `json:"title" db:"title"`
	Description        string       `json:"description,omitempty" db:"description"`
	Status             TaskStatus   `json:"status" db:"status"`
	Priority           TaskPriority `json:"priority" db:"priority"`
	ProgressPercentage int          `json:"progress_percentage" db:"progress_percentage"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`

	AssigneeIDs []string `json:"assignee_ids,omitempty" db:"-"`
}

// SubtaskFilter narrows subtask list queries
type SubtaskFilter struct {
	TaskID *uuid.UUID
	Status TaskStatus
	Limit  int
	Offset int
}
