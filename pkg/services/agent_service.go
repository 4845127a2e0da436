package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type agentService struct {
	config     ServiceConfig
	repo       interfaces.AgentRepository
	branchRepo interfaces.BranchRepository
	publisher  Publisher
}

// NewAgentService creates the agent registry service. The returned value
// also satisfies AgentCatalog for task auto-assignment.
func NewAgentService(config ServiceConfig, repo interfaces.AgentRepository, branchRepo interfaces.BranchRepository, publisher Publisher) AgentService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &agentService{config: config, repo: repo, branchRepo: branchRepo, publisher: publisher}
}

func (s *agentService) Register(ctx context.Context, userID string, agent *models.Agent) (*models.Agent, error) {
	ctx, span := s.config.Tracer(ctx, "AgentService.Register")
	defer span.End()

	if strings.TrimSpace(agent.Name) == "" {
		return nil, NewValidationError("name", "name is required")
	}
	if strings.TrimSpace(agent.Role) == "" {
		return nil, NewValidationError("role", "role is required")
	}
	suppliedID := agent.ID != uuid.Nil
	if !suppliedID {
		agent.ID = uuid.New()
	}
	agent.OwnerUserID = userID
	if err := s.repo.Create(ctx, agent); err != nil {
		if suppliedID && errors.Is(err, types.ErrAlreadyExists) {
			// Replayed registration with the same id and data succeeds
			existing, gerr := s.repo.GetByID(ctx, userID, agent.ID)
			if gerr == nil && existing.Name == agent.Name && existing.Role == agent.Role &&
				jsonEqual(existing.Capabilities, agent.Capabilities) {
				return existing, nil
			}
		}
		return nil, err
	}
	s.publish(userID, agent.ID, "register")
	return agent, nil
}

func (s *agentService) AssignToBranch(ctx context.Context, userID string, agentID, branchID uuid.UUID) (*models.Branch, error) {
	ctx, span := s.config.Tracer(ctx, "AgentService.AssignToBranch")
	defer span.End()

	agent, err := s.repo.GetByID(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	branch, err := s.branchRepo.GetByID(ctx, userID, branchID)
	if err != nil {
		return nil, err
	}
	branch.AssignedAgentID = &agent.ID
	if err := s.branchRepo.Update(ctx, branch); err != nil {
		return nil, err
	}
	s.publish(userID, branchID, "assign")
	return branch, nil
}

func (s *agentService) Unassign(ctx context.Context, userID string, branchID uuid.UUID) (*models.Branch, error) {
	ctx, span := s.config.Tracer(ctx, "AgentService.Unassign")
	defer span.End()

	branch, err := s.branchRepo.GetByID(ctx, userID, branchID)
	if err != nil {
		return nil, err
	}
	branch.AssignedAgentID = nil
	if err := s.branchRepo.Update(ctx, branch); err != nil {
		return nil, err
	}
	s.publish(userID, branchID, "unassign")
	return branch, nil
}

func (s *agentService) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int64, error) {
	ctx, span := s.config.Tracer(ctx, "AgentService.List")
	defer span.End()
	return s.repo.List(ctx, userID, limit, offset)
}

// ResolveRole implements AgentCatalog against the registry
func (s *agentService) ResolveRole(ctx context.Context, userID, role string) (*models.AgentDescriptor, error) {
	ctx, span := s.config.Tracer(ctx, "AgentService.ResolveRole")
	defer span.End()

	agent, err := s.repo.GetByRole(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	prompt := ""
	if v, ok := agent.Capabilities["prompt"].(string); ok {
		prompt = v
	}
	return &models.AgentDescriptor{ID: agent.ID, Role: agent.Role, Prompt: prompt}, nil
}

func (s *agentService) publish(userID string, id uuid.UUID, action string) {
	s.publisher.Publish(models.ChangeEvent{
		EntityType:    "agent",
		EntityID:      id.String(),
		ActorUserID:   userID,
		OwnerUserID:   userID,
		Action:        action,
		PayloadDigest: models.DigestPayload(fmt.Sprintf("%s:%s", action, id)),
		Timestamp:     time.Now().UTC(),
	})
}
