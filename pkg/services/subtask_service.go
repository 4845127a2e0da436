package services

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type subtaskService struct {
	config    ServiceConfig
	repo      interfaces.SubtaskRepository
	taskRepo  interfaces.TaskRepository
	contexts  ContextService
	publisher Publisher
}

// NewSubtaskService creates the subtask service
func NewSubtaskService(
	config ServiceConfig,
	repo interfaces.SubtaskRepository,
	taskRepo interfaces.TaskRepository,
	contexts ContextService,
	publisher Publisher,
) SubtaskService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &subtaskService{
		config:    config,
		repo:      repo,
		taskRepo:  taskRepo,
		contexts:  contexts,
		publisher: publisher,
	}
}

func (s *subtaskService) Create(ctx context.Context, userID string, subtask *models.Subtask) (*models.Subtask, error) {
	ctx, span := s.config.Tracer(ctx, "SubtaskService.Create")
	defer span.End()

	if strings.TrimSpace(subtask.Title) == "" {
		return nil, NewValidationError("title", "title is required")
	}
	if subtask.TaskID == uuid.Nil {
		return nil, NewValidationError("task_id", "task_id is required")
	}
	if subtask.ProgressPercentage < 0 || subtask.ProgressPercentage > 100 {
		return nil, NewValidationError("progress_percentage", "progress_percentage must be between 0 and 100")
	}
	if _, err := s.taskRepo.GetByID(ctx, userID, subtask.TaskID); err != nil {
		return nil, err
	}
	suppliedID := subtask.ID != uuid.Nil
	if !suppliedID {
		subtask.ID = uuid.New()
	}
	subtask.OwnerUserID = userID
	if subtask.Status == "" {
		subtask.Status = models.TaskStatusTodo
	}
	if !subtask.Status.IsValid() {
		return nil, NewValidationError("status", "unknown status: "+string(subtask.Status))
	}
	if subtask.Priority == "" {
		subtask.Priority = models.TaskPriorityMedium
	}
	if !subtask.Priority.IsValid() {
		return nil, NewValidationError("priority", "unknown priority: "+string(subtask.Priority))
	}

	if err := s.repo.Create(ctx, subtask); err != nil {
		if suppliedID && errors.Is(err, types.ErrAlreadyExists) {
			// Replayed create with the same id and data succeeds
			existing, gerr := s.repo.GetByID(ctx, userID, subtask.ID)
			if gerr == nil && existing.TaskID == subtask.TaskID &&
				existing.Title == subtask.Title && existing.Description == subtask.Description {
				return existing, nil
			}
		}
		return nil, err
	}
	s.rollup(ctx, userID, subtask.TaskID)
	s.publish(userID, subtask, "create")
	return subtask, nil
}

func (s *subtaskService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	ctx, span := s.config.Tracer(ctx, "SubtaskService.Get")
	defer span.End()
	return s.repo.GetByID(ctx, userID, id)
}

// statusOrder ranks the forward chain used for the monotonic-progress
// guard; statuses outside the chain rank -1 and skip the guard.
func statusOrder(status models.TaskStatus) int {
	switch status {
	case models.TaskStatusTodo:
		return 0
	case models.TaskStatusInProgress:
		return 1
	case models.TaskStatusDone:
		return 2
	}
	return -1
}

func (s *subtaskService) Update(ctx context.Context, userID string, id uuid.UUID, title, description *string, status *models.TaskStatus, progress *int) (*models.Subtask, error) {
	ctx, span := s.config.Tracer(ctx, "SubtaskService.Update")
	defer span.End()

	subtask, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if progress != nil {
		if *progress < 0 || *progress > 100 {
			return nil, NewValidationError("progress_percentage", "progress_percentage must be between 0 and 100")
		}
	}
	if status != nil && *status != subtask.Status {
		if !status.IsValid() {
			return nil, NewValidationError("status", "unknown status: "+string(*status))
		}
		if !canTransition(subtask.Status, *status) {
			return nil, &InvalidTransitionError{From: subtask.Status, To: *status}
		}
		// Progress never moves backwards while the status advances
		if progress != nil && statusOrder(*status) > statusOrder(subtask.Status) && *progress < subtask.ProgressPercentage {
			return nil, NewValidationError("progress_percentage", "progress_percentage cannot decrease while the status advances")
		}
		subtask.Status = *status
		if *status == models.TaskStatusDone {
			subtask.ProgressPercentage = 100
			progress = nil
		}
	}
	if progress != nil {
		subtask.ProgressPercentage = *progress
	}
	if title != nil {
		if strings.TrimSpace(*title) == "" {
			return nil, NewValidationError("title", "title must not be empty")
		}
		subtask.Title = *title
	}
	if description != nil {
		subtask.Description = *description
	}

	if err := s.repo.Update(ctx, subtask); err != nil {
		return nil, err
	}
	s.rollup(ctx, userID, subtask.TaskID)
	s.publish(userID, subtask, "update")
	return subtask, nil
}

func (s *subtaskService) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := s.config.Tracer(ctx, "SubtaskService.Delete")
	defer span.End()

	subtask, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	affected, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.rollup(ctx, userID, subtask.TaskID)
		s.publish(userID, subtask, "delete")
	}
	return affected, nil
}

func (s *subtaskService) Complete(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	ctx, span := s.config.Tracer(ctx, "SubtaskService.Complete")
	defer span.End()

	subtask, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if subtask.Status == models.TaskStatusDone {
		return subtask, nil
	}
	if _, ok := completableFrom[subtask.Status]; !ok {
		return nil, &InvalidTransitionError{From: subtask.Status, To: models.TaskStatusDone}
	}

	subtask.Status = models.TaskStatusDone
	subtask.ProgressPercentage = 100
	if err := s.repo.Update(ctx, subtask); err != nil {
		return nil, err
	}
	// Completing the final subtask never completes the parent; the caller
	// issues an explicit complete on the task.
	s.rollup(ctx, userID, subtask.TaskID)
	s.publish(userID, subtask, "complete")
	return subtask, nil
}

func (s *subtaskService) List(ctx context.Context, userID string, filter models.SubtaskFilter) ([]*models.Subtask, int64, error) {
	ctx, span := s.config.Tracer(ctx, "SubtaskService.List")
	defer span.End()
	return s.repo.List(ctx, userID, filter)
}

// rollup recomputes the parent's progress as the rounded mean of its
// subtasks' progress, stored on the task-level context. Rollup failures
// are logged; the subtask write has already committed.
func (s *subtaskService) rollup(ctx context.Context, userID string, taskID uuid.UUID) {
	subtasks, _, err := s.repo.List(ctx, userID, models.SubtaskFilter{TaskID: &taskID, Limit: 1000})
	if err != nil {
		s.config.Logger.Warn("subtask rollup list failed", map[string]interface{}{
			"task_id": taskID.String(), "error": err.Error(),
		})
		return
	}
	if len(subtasks) == 0 {
		return
	}
	var sum int
	for _, subtask := range subtasks {
		sum += subtask.ProgressPercentage
	}
	progress := int(math.Round(float64(sum) / float64(len(subtasks))))

	data := models.JSONMap{"progress": progress}
	if _, err := s.contexts.Update(ctx, userID, models.ContextLevelTask, taskID.String(), data, nil, 0, false); err != nil {
		if types.IsNotFound(err) {
			_, err = s.contexts.Create(ctx, userID, models.ContextLevelTask, taskID.String(), data)
		}
		if err != nil {
			s.config.Logger.Warn("subtask rollup context update failed", map[string]interface{}{
				"task_id": taskID.String(), "error": err.Error(),
			})
		}
	}
}

func (s *subtaskService) publish(userID string, subtask *models.Subtask, action string) {
	s.publisher.Publish(models.ChangeEvent{
		EntityType:    "subtask",
		EntityID:      subtask.ID.String(),
		ActorUserID:   userID,
		OwnerUserID:   subtask.OwnerUserID,
		AssigneeIDs:   subtask.AssigneeIDs,
		Action:        action,
		PayloadDigest: models.DigestPayload(subtask),
		Timestamp:     time.Now().UTC(),
	})
}
