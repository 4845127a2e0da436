package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

// allowedTransitions is the task state machine. A status maps to the
// set of statuses it may move to.
var allowedTransitions = map[models.TaskStatus]map[models.TaskStatus]struct{}{
	models.TaskStatusTodo: {
		models.TaskStatusInProgress: {},
		models.TaskStatusCancelled:  {},
		models.TaskStatusArchived:   {},
	},
	models.TaskStatusInProgress: {
		models.TaskStatusTodo:      {},
		models.TaskStatusBlocked:   {},
		models.TaskStatusReview:    {},
		models.TaskStatusTesting:   {},
		models.TaskStatusDone:      {},
		models.TaskStatusCancelled: {},
	},
	models.TaskStatusBlocked: {
		models.TaskStatusInProgress: {},
		models.TaskStatusCancelled:  {},
	},
	models.TaskStatusReview: {
		models.TaskStatusInProgress: {},
		models.TaskStatusTesting:    {},
		models.TaskStatusDone:       {},
	},
	models.TaskStatusTesting: {
		models.TaskStatusInProgress: {},
		models.TaskStatusReview:     {},
		models.TaskStatusDone:       {},
	},
	models.TaskStatusDone: {
		models.TaskStatusArchived: {},
	},
	models.TaskStatusCancelled: {
		models.TaskStatusTodo:     {},
		models.TaskStatusArchived: {},
	},
	models.TaskStatusArchived: {},
}

func canTransition(from, to models.TaskStatus) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

type taskService struct {
	config      ServiceConfig
	repo        interfaces.TaskRepository
	subtaskRepo interfaces.SubtaskRepository
	branchRepo  interfaces.BranchRepository
	contexts    ContextService
	catalog     AgentCatalog
	publisher   Publisher

	// allowDoneEdges permits dependencies between two already-done tasks
	allowDoneEdges bool
}

// NewTaskService creates the task aggregate service. catalog may be nil
// when no agent auto-assignment is wanted.
func NewTaskService(
	config ServiceConfig,
	repo interfaces.TaskRepository,
	subtaskRepo interfaces.SubtaskRepository,
	branchRepo interfaces.BranchRepository,
	contexts ContextService,
	catalog AgentCatalog,
	publisher Publisher,
) TaskService {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &taskService{
		config:      config,
		repo:        repo,
		subtaskRepo: subtaskRepo,
		branchRepo:  branchRepo,
		contexts:    contexts,
		catalog:     catalog,
		publisher:   publisher,
	}
}

func (s *taskService) Create(ctx context.Context, userID string, input TaskCreateInput) (*models.Task, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Create")
	defer span.End()

	if strings.TrimSpace(input.Title) == "" {
		return nil, NewValidationError("title", "title is required")
	}
	if input.BranchID == uuid.Nil {
		return nil, NewValidationError("branch_id", "branch_id is required")
	}
	if _, err := s.branchRepo.GetByID(ctx, userID, input.BranchID); err != nil {
		return nil, err
	}
	priority := input.Priority
	if priority == "" {
		priority = models.TaskPriorityMedium
	}
	if !priority.IsValid() {
		return nil, NewValidationError("priority", "unknown priority: "+string(priority))
	}
	var dueDate *time.Time
	if input.DueDate != nil && *input.DueDate != "" {
		parsed, err := parseDate(*input.DueDate)
		if err != nil {
			return nil, NewValidationError("due_date", "due_date must be an RFC 3339 timestamp or YYYY-MM-DD date")
		}
		dueDate = &parsed
	}

	task := &models.Task{
		ID:              input.ID,
		BranchID:        input.BranchID,
		OwnerUserID:     userID,
		Title:           input.Title,
		Description:     input.Description,
		Status:          models.TaskStatusTodo,
		Priority:        priority,
		DueDate:         dueDate,
		EstimatedEffort: input.Effort,
		ProgressHistory: models.JSONMap{},
		AssigneeIDs:     input.AssigneeIDs,
		Labels:          input.Labels,
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	// An agent role label with no explicit assignee resolves through the
	// catalog to a primary assignee.
	if len(task.AssigneeIDs) == 0 && s.catalog != nil {
		if role := agentRoleFromLabels(input.Labels); role != "" {
			descriptor, err := s.catalog.ResolveRole(ctx, userID, role)
			if err != nil {
				s.config.Logger.Warn("agent role resolution failed", map[string]interface{}{
					"role": role, "error": err.Error(),
				})
			} else {
				task.AssigneeIDs = []string{descriptor.ID.String()}
			}
		}
	}

	if err := s.repo.Create(ctx, task); err != nil {
		if input.ID != uuid.Nil && errors.Is(err, types.ErrAlreadyExists) {
			// Replayed create with the same id and data succeeds
			existing, gerr := s.repo.GetByID(ctx, userID, task.ID)
			if gerr == nil && existing.BranchID == task.BranchID &&
				existing.Title == task.Title && existing.Description == task.Description {
				return existing, nil
			}
		}
		return nil, err
	}
	created, err := s.repo.GetByID(ctx, userID, task.ID)
	if err != nil {
		return nil, err
	}
	s.publishTask(userID, created, "create")
	return created, nil
}

// agentRoleFromLabels returns the first label naming an agent role
func agentRoleFromLabels(labels []string) string {
	for _, label := range labels {
		if strings.HasSuffix(label, "-agent") {
			return label
		}
	}
	return ""
}

func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

func (s *taskService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Task, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Get")
	defer span.End()
	return s.repo.GetByID(ctx, userID, id)
}

func (s *taskService) Update(ctx context.Context, userID string, id uuid.UUID, input TaskUpdateInput) (*models.Task, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Update")
	defer span.End()

	task, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if input.Status != nil && *input.Status != task.Status {
		if !input.Status.IsValid() {
			return nil, NewValidationError("status", "unknown status: "+string(*input.Status))
		}
		if !canTransition(task.Status, *input.Status) {
			return nil, &InvalidTransitionError{From: task.Status, To: *input.Status}
		}
		if *input.Status == models.TaskStatusDone {
			if blockers, err := s.completionBlockers(ctx, userID, task); err != nil {
				return nil, err
			} else if len(blockers) > 0 {
				return nil, &CompletionBlockedError{TaskID: id, Blockers: blockers}
			}
		}
		task.Status = *input.Status
	}
	if input.Title != nil {
		if strings.TrimSpace(*input.Title) == "" {
			return nil, NewValidationError("title", "title must not be empty")
		}
		task.Title = *input.Title
	}
	if input.Description != nil {
		task.Description = *input.Description
	}
	if input.Priority != nil {
		if !input.Priority.IsValid() {
			return nil, NewValidationError("priority", "unknown priority: "+string(*input.Priority))
		}
		task.Priority = *input.Priority
	}
	if input.DueDate != nil {
		if *input.DueDate == "" {
			task.DueDate = nil
		} else {
			parsed, err := parseDate(*input.DueDate)
			if err != nil {
				return nil, NewValidationError("due_date", "due_date must be an RFC 3339 timestamp or YYYY-MM-DD date")
			}
			task.DueDate = &parsed
		}
	}
	if input.Effort != nil {
		task.EstimatedEffort = *input.Effort
	}

	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	if input.AssigneeIDs != nil {
		if err := s.repo.SetAssignees(ctx, userID, id, input.AssigneeIDs); err != nil {
			return nil, err
		}
	}
	if input.Labels != nil {
		if err := s.repo.SetLabels(ctx, userID, id, input.Labels); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.publishTask(userID, updated, "update")
	return updated, nil
}

func (s *taskService) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Delete")
	defer span.End()

	affected, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		_ = s.dropTaskContext(ctx, userID, id)
		s.publisher.Publish(models.ChangeEvent{
			EntityType:  "task",
			EntityID:    id.String(),
			ActorUserID: userID,
			OwnerUserID: userID,
			Action:      "delete",
			Timestamp:   time.Now().UTC(),
		})
	}
	return affected, nil
}

func (s *taskService) dropTaskContext(ctx context.Context, userID string, id uuid.UUID) error {
	_, err := s.contexts.Delete(ctx, userID, models.ContextLevelTask, id.String())
	if err != nil && !types.IsNotFound(err) {
		s.config.Logger.Warn("task context cleanup failed", map[string]interface{}{
			"task_id": id.String(), "error": err.Error(),
		})
	}
	return err
}

// completionBlockers lists every unmet completion precondition for task,
// in a stable order. An empty slice means the task may complete.
func (s *taskService) completionBlockers(ctx context.Context, userID string, task *models.Task) ([]string, error) {
	var blockers []string

	subtasks, _, err := s.subtaskRepo.List(ctx, userID, models.SubtaskFilter{TaskID: &task.ID, Limit: 1000})
	if err != nil {
		return nil, err
	}
	for _, subtask := range subtasks {
		if subtask.Status != models.TaskStatusDone {
			blockers = append(blockers, fmt.Sprintf("subtask:%s:status=%s", subtask.ID, subtask.Status))
		}
	}

	deps, err := s.repo.GetDependencies(ctx, userID, task.ID)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if dep.Status != models.TaskStatusDone {
			blockers = append(blockers, fmt.Sprintf("dependency:%s:status=%s", dep.ID, dep.Status))
		}
	}
	return blockers, nil
}

// completableFrom lists the statuses Complete accepts as a starting
// point. Blocked tasks must be unblocked first; terminal states stay
// terminal.
var completableFrom = map[models.TaskStatus]struct{}{
	models.TaskStatusTodo:       {},
	models.TaskStatusInProgress: {},
	models.TaskStatusReview:     {},
	models.TaskStatusTesting:    {},
}

func (s *taskService) Complete(ctx context.Context, userID string, id uuid.UUID, completionSummary string) (*models.Task, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Complete")
	defer span.End()

	task, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if _, ok := completableFrom[task.Status]; !ok {
		return nil, &InvalidTransitionError{From: task.Status, To: models.TaskStatusDone}
	}

	blockers, err := s.completionBlockers(ctx, userID, task)
	if err != nil {
		return nil, err
	}
	if len(blockers) > 0 {
		return nil, &CompletionBlockedError{TaskID: id, Blockers: blockers}
	}

	previousStatus := task.Status
	task.Status = models.TaskStatusDone
	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}

	// The task context is guaranteed after completion, with progress
	// pinned to 100 and the status mirrored.
	contextData := models.JSONMap{
		"progress": 100,
		"status":   string(models.TaskStatusDone),
	}
	if completionSummary != "" {
		contextData["completion_summary"] = completionSummary
	}
	if _, cerr := s.contexts.Update(ctx, userID, models.ContextLevelTask, id.String(), contextData, nil, 0, true); cerr != nil {
		if types.IsNotFound(cerr) {
			_, cerr = s.contexts.Create(ctx, userID, models.ContextLevelTask, id.String(), contextData)
		}
		if cerr != nil {
			// A failed context write must not leave the task half-completed;
			// put the status back before surfacing the error.
			task.Status = previousStatus
			if rerr := s.repo.Update(ctx, task); rerr != nil {
				s.config.Logger.Error("task completion rollback failed", map[string]interface{}{
					"task_id": id.String(), "error": rerr.Error(),
				})
			}
			return nil, cerr
		}
	}

	updated, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	s.publishTask(userID, updated, "complete")
	return updated, nil
}

func (s *taskService) List(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.List")
	defer span.End()
	return s.repo.List(ctx, userID, filter)
}

func (s *taskService) ListMinimal(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.TaskSummary, int64, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.ListMinimal")
	defer span.End()
	return s.repo.ListMinimal(ctx, userID, filter)
}

func (s *taskService) Search(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Search")
	defer span.End()
	if strings.TrimSpace(filter.Query) == "" {
		return nil, 0, NewValidationError("query", "query is required")
	}
	return s.repo.Search(ctx, userID, filter)
}

// runnableStatuses are the statuses eligible for the next-task pick
var runnableStatuses = map[models.TaskStatus]struct{}{
	models.TaskStatusTodo:       {},
	models.TaskStatusInProgress: {},
	models.TaskStatusReview:     {},
	models.TaskStatusTesting:    {},
}

func (s *taskService) Next(ctx context.Context, userID string, branchID *uuid.UUID) (*models.Task, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.Next")
	defer span.End()

	filter := models.TaskFilter{Limit: 1000, BranchID: branchID}
	tasks, _, err := s.repo.List(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	edges, err := s.repo.GetDependencyEdges(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := make(map[uuid.UUID]models.TaskStatus, len(tasks))
	for _, task := range tasks {
		status[task.ID] = task.Status
	}
	dependsOn := make(map[uuid.UUID][]uuid.UUID)
	for _, edge := range edges {
		dependsOn[edge.TaskID] = append(dependsOn[edge.TaskID], edge.DependsOnTaskID)
	}

	candidates := make([]*models.Task, 0, len(tasks))
	for _, task := range tasks {
		if _, ok := runnableStatuses[task.Status]; !ok {
			continue
		}
		ready := true
		for _, dep := range dependsOn[task.ID] {
			if status[dep] != models.TaskStatusDone {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, task)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() > candidates[j].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

func (s *taskService) AddDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) error {
	ctx, span := s.config.Tracer(ctx, "TaskService.AddDependency")
	defer span.End()

	if taskID == dependsOnTaskID {
		return NewValidationError("depends_on_task_id", "a task cannot depend on itself")
	}
	task, err := s.repo.GetByID(ctx, userID, taskID)
	if err != nil {
		return err
	}
	target, err := s.repo.GetByID(ctx, userID, dependsOnTaskID)
	if err != nil {
		return err
	}
	if !s.allowDoneEdges && task.Status == models.TaskStatusDone && target.Status == models.TaskStatusDone {
		return NewValidationError("depends_on_task_id", "both tasks are already done")
	}

	edges, err := s.repo.GetDependencyEdges(ctx, userID)
	if err != nil {
		return err
	}
	if path := dependencyPath(edges, dependsOnTaskID, taskID); path != nil {
		cycle := append([]uuid.UUID{taskID}, path...)
		return &DependencyCycleError{Cycle: cycle}
	}

	if err := s.repo.AddDependency(ctx, userID, taskID, dependsOnTaskID); err != nil {
		return err
	}
	s.publisher.Publish(models.ChangeEvent{
		EntityType:  "task",
		EntityID:    taskID.String(),
		ActorUserID: userID,
		OwnerUserID: userID,
		Action:      "add_dependency",
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// dependencyPath walks depends_on edges from start looking for goal.
// The returned path runs start..goal inclusive, or nil when goal is
// unreachable.
func dependencyPath(edges []models.TaskDependency, start, goal uuid.UUID) []uuid.UUID {
	next := make(map[uuid.UUID][]uuid.UUID)
	for _, edge := range edges {
		next[edge.TaskID] = append(next[edge.TaskID], edge.DependsOnTaskID)
	}
	parent := map[uuid.UUID]uuid.UUID{start: start}
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == goal {
			var path []uuid.UUID
			for node := goal; ; node = parent[node] {
				path = append([]uuid.UUID{node}, path...)
				if node == start {
					return path
				}
			}
		}
		for _, neighbor := range next[current] {
			if _, seen := parent[neighbor]; seen {
				continue
			}
			parent[neighbor] = current
			queue = append(queue, neighbor)
		}
	}
	return nil
}

func (s *taskService) RemoveDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) (int64, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.RemoveDependency")
	defer span.End()
	return s.repo.RemoveDependency(ctx, userID, taskID, dependsOnTaskID)
}

func (s *taskService) AddProgress(ctx context.Context, userID string, id uuid.UUID, content string) (*models.Task, error) {
	ctx, span := s.config.Tracer(ctx, "TaskService.AddProgress")
	defer span.End()

	if strings.TrimSpace(content) == "" {
		return nil, NewValidationError("content", "progress content is required")
	}
	task, err := s.repo.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	n := task.ProgressCount + 1
	if task.ProgressHistory == nil {
		task.ProgressHistory = models.JSONMap{}
	}
	task.ProgressHistory[fmt.Sprintf("entry_%d", n)] = map[string]interface{}{
		"content":         fmt.Sprintf("=== Progress %d ===\n%s", n, content),
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"progress_number": n,
	}
	task.ProgressCount = n

	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}
	s.publishTask(userID, task, "add_progress")
	return task, nil
}

func (s *taskService) publishTask(userID string, task *models.Task, action string) {
	s.publisher.Publish(models.ChangeEvent{
		EntityType:    "task",
		EntityID:      task.ID.String(),
		ActorUserID:   userID,
		OwnerUserID:   task.OwnerUserID,
		AssigneeIDs:   task.AssigneeIDs,
		Action:        action,
		PayloadDigest: models.DigestPayload(task),
		Timestamp:     time.Now().UTC(),
	})
}
