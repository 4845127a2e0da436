// Package interfaces defines the repository contracts consumed by the
// service layer. Every operation is scoped to the calling user; queries
// that omit the user filter return nothing by construction.
package interfaces

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// ProjectRepository provides user-scoped access to projects
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Project, error)
	Update(ctx context.Context, project *models.Project) error
	// Delete cascades to branches, tasks, subtasks, and contexts inside a
	// single transaction. Returns the number of projects removed (0 or 1).
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Project, int64, error)
}

// BranchRepository provides user-scoped access to branches
type BranchRepository interface {
	Create(ctx context.Context, branch *models.Branch) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Branch, error)
	Update(ctx context.Context, branch *models.Branch) error
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, projectID *uuid.UUID, limit, offset int) ([]*models.Branch, int64, error)
}

// TaskRepository provides user-scoped access to tasks, their dependency
// edges, labels, and assignees.
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Task, error)
	// Update applies the write only when the stored updated_at matches the
	// task's loaded value; a mismatch yields ErrOptimisticLock.
	Update(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	BulkDelete(ctx context.Context, userID string, ids []uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error)
	// ListMinimal avoids association loading and returns scalar columns
	// plus relationship counts.
	ListMinimal(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.TaskSummary, int64, error)
	Search(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error)

	AddDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) error
	RemoveDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) (int64, error)
	// GetDependencyEdges returns every depends_on edge owned by the user,
	// for cycle detection over the whole graph.
	GetDependencyEdges(ctx context.Context, userID string) ([]models.TaskDependency, error)
	GetDependencies(ctx context.Context, userID string, taskID uuid.UUID) ([]*models.Task, error)

	SetAssignees(ctx context.Context, userID string, taskID uuid.UUID, assigneeIDs []string) error
	SetLabels(ctx context.Context, userID string, taskID uuid.UUID, labels []string) error
}

// SubtaskRepository provides user-scoped access to subtasks
type SubtaskRepository interface {
	Create(ctx context.Context, subtask *models.Subtask) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error)
	Update(ctx context.Context, subtask *models.Subtask) error
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, filter models.SubtaskFilter) ([]*models.Subtask, int64, error)
	// CountByStatus returns total and done counts for a task's subtasks
	CountByStatus(ctx context.Context, userID string, taskID uuid.UUID) (total, done int64, err error)
}

// ContextRepository provides user-scoped access to the four context tiers.
// The global tier substitutes the user id as the context id.
type ContextRepository interface {
	Create(ctx context.Context, c *models.Context) error
	Get(ctx context.Context, userID string, level models.ContextLevel, contextID string) (*models.Context, error)
	// Update enforces expectedVersion when >0; the stored version
	// increments on success.
	Update(ctx context.Context, c *models.Context, expectedVersion int) error
	Delete(ctx context.Context, userID string, level models.ContextLevel, contextID string) (int64, error)
	List(ctx context.Context, userID string, level models.ContextLevel, filter models.ContextFilter) ([]*models.Context, int64, error)
	// ListChildren returns contexts one tier down whose parent_id matches
	ListChildren(ctx context.Context, userID string, level models.ContextLevel, parentID string) ([]*models.Context, error)
}

// DelegationRepository stores upward delegation requests
type DelegationRepository interface {
	Create(ctx context.Context, d *models.DelegationRequest) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.DelegationRequest, error)
	UpdateStatus(ctx context.Context, userID string, id uuid.UUID, status models.DelegationStatus) error
	List(ctx context.Context, userID string, status models.DelegationStatus, limit, offset int) ([]*models.DelegationRequest, int64, error)
}

// AgentRepository stores registered agents
type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Agent, error)
	GetByRole(ctx context.Context, userID string, role string) (*models.Agent, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int64, error)
}
