package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type branchService struct {
	config      ServiceConfig
	repo        interfaces.BranchRepository
	projectRepo interfaces.ProjectRepository
	contexts    ContextService
	publisher   Publisher
}

// NewBranchService creates the branch service
func NewBranchService(config ServiceConfig, repo interfaces.BranchRepository, projectRepo interfaces.ProjectRepository, contexts ContextService, publisher Publisher) BranchService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &branchService{config: config, repo: repo, projectRepo: projectRepo, contexts: contexts, publisher: publisher}
}

func (s *branchService) Create(ctx context.Context, userID string, branch *models.Branch) (*models.Branch, error) {
	ctx, span := s.config.Tracer(ctx, "BranchService.Create")
	defer span.End()

	if strings.TrimSpace(branch.Name) == "" {
		return nil, NewValidationError("name", "name is required")
	}
	if branch.ProjectID == uuid.Nil {
		return nil, NewValidationError("project_id", "project_id is required")
	}
	if _, err := s.projectRepo.GetByID(ctx, userID, branch.ProjectID); err != nil {
		return nil, err
	}
	suppliedID := branch.ID != uuid.Nil
	if !suppliedID {
		branch.ID = uuid.New()
	}
	branch.OwnerUserID = userID
	if err := s.repo.Create(ctx, branch); err != nil {
		if suppliedID && errors.Is(err, types.ErrAlreadyExists) {
			// Replayed create with the same id and data succeeds
			existing, gerr := s.repo.GetByID(ctx, userID, branch.ID)
			if gerr == nil && existing.ProjectID == branch.ProjectID &&
				existing.Name == branch.Name && existing.Description == branch.Description {
				return existing, nil
			}
		}
		return nil, err
	}
	s.publish(userID, branch.ID, "create", branch)
	return branch, nil
}

func (s *branchService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Branch, error) {
	ctx, span := s.config.Tracer(ctx, "BranchService.Get")
	defer span.End()
	return s.repo.GetByID(ctx, userID, id)
}

func (s *branchService) Update(ctx context.Context, userID string, id uuid.UUID, name, description *string) (*models.Branch, error) {
	ctx, span := s.config.Tracer(ctx, "BranchService.Update")
	defer span.End()

	branch, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, NewValidationError("name", "name must not be empty")
		}
		branch.Name = *name
	}
	if description != nil {
		branch.Description = *description
	}
	if err := s.repo.Update(ctx, branch); err != nil {
		return nil, err
	}
	s.publish(userID, id, "update", branch)
	return branch, nil
}

func (s *branchService) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := s.config.Tracer(ctx, "BranchService.Delete")
	defer span.End()

	affected, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		if _, cerr := s.contexts.Delete(ctx, userID, models.ContextLevelBranch, id.String()); cerr != nil {
			s.config.Logger.Debug("branch context cleanup skipped", map[string]interface{}{
				"branch_id": id.String(), "error": cerr.Error(),
			})
		}
		s.publish(userID, id, "delete", nil)
	}
	return affected, nil
}

func (s *branchService) List(ctx context.Context, userID string, projectID *uuid.UUID, limit, offset int) ([]*models.Branch, int64, error) {
	ctx, span := s.config.Tracer(ctx, "BranchService.List")
	defer span.End()
	return s.repo.List(ctx, userID, projectID, limit, offset)
}

func (s *branchService) publish(userID string, id uuid.UUID, action string, payload interface{}) {
	s.publisher.Publish(models.ChangeEvent{
		EntityType:    "branch",
		EntityID:      id.String(),
		ActorUserID:   userID,
		OwnerUserID:   userID,
		Action:        action,
		PayloadDigest: models.DigestPayload(payload),
		Timestamp:     time.Now().UTC(),
	})
}
