package models

import (
	"time"

	"github.com/google/uuid"
)

// DelegationStatus is the lifecycle of a delegation request
type DelegationStatus string

const (
	DelegationStatusPending  DelegationStatus = "pending"
	DelegationStatusApproved DelegationStatus = "approved"
	DelegationStatusRejected DelegationStatus = "rejected"
)

// DelegationRequest proposes merging a payload into a strictly higher
// context tier. Application is explicit; the source is never mutated.
type DelegationRequest struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	OwnerUserID string           `json:"owner_user_id" db:"owner_user_id"`
	SourceLevel ContextLevel     `json:"source_level" db:"source_level"`
	SourceID    string           `json:"source_id" db:"source_id"`
	TargetLevel ContextLevel     `json:"target_level" db:"target_level"`
	TargetID    string           `json:"target_id" db:"target_id"`
	Payload     JSONMap          `json:"payload" db:"payload"`
	Reason      string           `json:"reason,omitempty" db:"reason"`
	Status      DelegationStatus `json:"status" db:"status"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty" db:"decided_at"`
}
