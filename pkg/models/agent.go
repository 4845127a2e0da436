package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent is a registered agent role owned by a user. The role name is what
// task labels resolve against for auto-assignment.
type Agent struct {
	ID           uuid.UUID `json:"id" db:"id"`
	OwnerUserID  string    `json:"owner_user_id" db:"owner_user_id"`
	Name         string    `json:"name" db:"name"`
	Role         string    `json:"role" db:"role"`
	Description  string    `json:"description,omitempty" db:"description"`
	Capabilities JSONMap   `json:"capabilities,omitempty" db:"capabilities"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// AgentDescriptor is what the external agent catalog returns for a role
// label lookup.
type AgentDescriptor struct {
	ID     uuid.UUID `json:"id"`
	Role   string    `json:"role"`
	Prompt string    `json:"prompt,omitempty"`
}
