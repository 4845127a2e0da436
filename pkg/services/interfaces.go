package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// ServiceConfig carries the observability plumbing every service needs
type ServiceConfig struct {
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Tracer  observability.StartSpanFunc
}

// NewServiceConfig fills nil fields with no-op implementations
func NewServiceConfig(logger observability.Logger, metrics observability.MetricsClient, tracer observability.StartSpanFunc) ServiceConfig {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	return ServiceConfig{Logger: logger, Metrics: metrics, Tracer: tracer}
}

// Publisher receives one ChangeEvent per committed mutation. The
// WebSocket hub implements it; tests use a recorder.
type Publisher interface {
	Publish(event models.ChangeEvent)
}

// NoopPublisher discards events
type NoopPublisher struct{}

// Publish implements Publisher
func (NoopPublisher) Publish(models.ChangeEvent) {}

// AgentCatalog is the external agent-role lookup: given a role label it
// returns a prompt descriptor with the agent identifier to assign.
type AgentCatalog interface {
	ResolveRole(ctx context.Context, userID, role string) (*models.AgentDescriptor, error)
}

// ContextService owns the four-tier context hierarchy
type ContextService interface {
	Create(ctx context.Context, userID string, level models.ContextLevel, contextID string, data models.JSONMap) (*models.Context, error)
	Get(ctx context.Context, userID string, level models.ContextLevel, contextID string, includeInherited bool) (*models.Context, *models.ResolvedContext, error)
	Update(ctx context.Context, userID string, level models.ContextLevel, contextID string, data, overrides models.JSONMap, expectedVersion int, propagate bool) (*models.Context, error)
	Delete(ctx context.Context, userID string, level models.ContextLevel, contextID string) (int64, error)
	Resolve(ctx context.Context, userID string, level models.ContextLevel, contextID string, forceRefresh bool) (*models.ResolvedContext, error)
	Delegate(ctx context.Context, userID string, sourceLevel models.ContextLevel, sourceID string, targetLevel models.ContextLevel, payload models.JSONMap, reason string) (*models.DelegationRequest, error)
	ApplyDelegation(ctx context.Context, userID string, id uuid.UUID, approve bool) (*models.DelegationRequest, error)
	ListDelegations(ctx context.Context, userID string, status models.DelegationStatus, limit, offset int) ([]*models.DelegationRequest, int64, error)
	AddInsight(ctx context.Context, userID string, level models.ContextLevel, contextID string, insight models.Insight) (*models.Context, error)
	AddProgress(ctx context.Context, userID string, level models.ContextLevel, contextID, content, agent string) (*models.Context, error)
	List(ctx context.Context, userID string, level models.ContextLevel, filter models.ContextFilter) ([]*models.Context, int64, error)
}

// TaskCreateInput carries the accepted fields for task creation
type TaskCreateInput struct {
	ID          uuid.UUID
	BranchID    uuid.UUID
	Title       string
	Description string
	Priority    models.TaskPriority
	DueDate     *string
	Effort      string
	AssigneeIDs []string
	Labels      []string
}

// TaskUpdateInput carries the accepted fields for task update; nil
// pointers leave the stored value untouched.
type TaskUpdateInput struct {
	Title       *string
	Description *string
	Status      *models.TaskStatus
	Priority    *models.TaskPriority
	DueDate     *string
	Effort      *string
	AssigneeIDs []string
	Labels      []string
}

// TaskService owns the task aggregate
type TaskService interface {
	Create(ctx context.Context, userID string, input TaskCreateInput) (*models.Task, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Task, error)
	Update(ctx context.Context, userID string, id uuid.UUID, input TaskUpdateInput) (*models.Task, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	Complete(ctx context.Context, userID string, id uuid.UUID, completionSummary string) (*models.Task, error)
	List(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error)
	ListMinimal(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.TaskSummary, int64, error)
	Search(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error)
	Next(ctx context.Context, userID string, branchID *uuid.UUID) (*models.Task, error)
	AddDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) error
	RemoveDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) (int64, error)
	AddProgress(ctx context.Context, userID string, id uuid.UUID, content string) (*models.Task, error)
}

// SubtaskService owns subtasks and the parent rollup
type SubtaskService interface {
	Create(ctx context.Context, userID string, subtask *models.Subtask) (*models.Subtask, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error)
	Update(ctx context.Context, userID string, id uuid.UUID, title, description *string, status *models.TaskStatus, progress *int) (*models.Subtask, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	Complete(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error)
	List(ctx context.Context, userID string, filter models.SubtaskFilter) ([]*models.Subtask, int64, error)
}

// ProjectService owns projects
type ProjectService interface {
	Create(ctx context.Context, userID string, project *models.Project) (*models.Project, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Project, error)
	Update(ctx context.Context, userID string, id uuid.UUID, name, description *string) (*models.Project, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Project, int64, error)
}

// BranchService owns branches
type BranchService interface {
	Create(ctx context.Context, userID string, branch *models.Branch) (*models.Branch, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Branch, error)
	Update(ctx context.Context, userID string, id uuid.UUID, name, description *string) (*models.Branch, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error)
	List(ctx context.Context, userID string, projectID *uuid.UUID, limit, offset int) ([]*models.Branch, int64, error)
}

// AgentService owns the agent registry and branch assignment
type AgentService interface {
	Register(ctx context.Context, userID string, agent *models.Agent) (*models.Agent, error)
	AssignToBranch(ctx context.Context, userID string, agentID, branchID uuid.UUID) (*models.Branch, error)
	Unassign(ctx context.Context, userID string, branchID uuid.UUID) (*models.Branch, error)
	List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int64, error)
}
