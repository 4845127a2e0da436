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

type projectService struct {
	config    ServiceConfig
	repo      interfaces.ProjectRepository
	contexts  ContextService
	publisher Publisher
}

// NewProjectService creates the project service
func NewProjectService(config ServiceConfig, repo interfaces.ProjectRepository, contexts ContextService, publisher Publisher) ProjectService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &projectService{config: config, repo: repo, contexts: contexts, publisher: publisher}
}

func (s *projectService) Create(ctx context.Context, userID string, project *models.Project) (*models.Project, error) {
	ctx, span := s.config.Tracer(ctx, "ProjectService.Create")
	defer span.End()

	if strings.TrimSpace(project.Name) == "" {
		return nil, NewValidationError("name", "name is required")
	}
	suppliedID := project.ID != uuid.Nil
	if !suppliedID {
		project.ID = uuid.New()
	}
	project.OwnerUserID = userID
	if err := s.repo.Create(ctx, project); err != nil {
		if suppliedID && errors.Is(err, types.ErrAlreadyExists) {
			// Replayed create with the same id and data succeeds
			existing, gerr := s.repo.GetByID(ctx, userID, project.ID)
			if gerr == nil && existing.Name == project.Name && existing.Description == project.Description {
				return existing, nil
			}
		}
		return nil, err
	}
	s.publish(userID, project.ID, "create", project)
	return project, nil
}

func (s *projectService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Project, error) {
	ctx, span := s.config.Tracer(ctx, "ProjectService.Get")
	defer span.End()
	return s.repo.GetByID(ctx, userID, id)
}

func (s *projectService) Update(ctx context.Context, userID string, id uuid.UUID, name, description *string) (*models.Project, error) {
	ctx, span := s.config.Tracer(ctx, "ProjectService.Update")
	defer span.End()

	project, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, NewValidationError("name", "name must not be empty")
		}
		project.Name = *name
	}
	if description != nil {
		project.Description = *description
	}
	if err := s.repo.Update(ctx, project); err != nil {
		return nil, err
	}
	s.publish(userID, id, "update", project)
	return project, nil
}

func (s *projectService) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := s.config.Tracer(ctx, "ProjectService.Delete")
	defer span.End()

	affected, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		// Context rows went with the cascade; this clears cached copies
		if _, cerr := s.contexts.Delete(ctx, userID, models.ContextLevelProject, id.String()); cerr != nil {
			s.config.Logger.Debug("project context cleanup skipped", map[string]interface{}{
				"project_id": id.String(), "error": cerr.Error(),
			})
		}
		s.publish(userID, id, "delete", nil)
	}
	return affected, nil
}

func (s *projectService) List(ctx context.Context, userID string, limit, offset int) ([]*models.Project, int64, error) {
	ctx, span := s.config.Tracer(ctx, "ProjectService.List")
	defer span.End()
	return s.repo.List(ctx, userID, limit, offset)
}

func (s *projectService) publish(userID string, id uuid.UUID, action string, payload interface{}) {
	s.publisher.Publish(models.ChangeEvent{
		EntityType:    "project",
		EntityID:      id.String(),
		ActorUserID:   userID,
		OwnerUserID:   userID,
		Action:        action,
		PayloadDigest: models.DigestPayload(payload),
		Timestamp:     time.Now().UTC(),
	})
}
