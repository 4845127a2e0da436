package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

func (s *Server) handleManageTask(c *gin.Context) {
	s.dispatch(c, "task", map[string]actionHandler{
		"create":            s.taskCreate,
		"update":            s.taskUpdate,
		"get":               s.taskGet,
		"delete":            s.taskDelete,
		"complete":          s.taskComplete,
		"list":              s.taskList,
		"list_minimal":      s.taskListMinimal,
		"search":            s.taskSearch,
		"next":              s.taskNext,
		"add_dependency":    s.taskAddDependency,
		"remove_dependency": s.taskRemoveDependency,
		"add_progress":      s.taskAddProgress,
	})
}

func taskIDParam(params map[string]interface{}) (uuid.UUID, error) {
	id, err := CoerceUUID(params["task_id"])
	if err != nil {
		return uuid.Nil, services.NewValidationError("task_id", "task_id must be a UUID")
	}
	return id, nil
}

func (s *Server) taskCreate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	branchID, err := CoerceUUID(params["branch_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
	}
	input := services.TaskCreateInput{
		BranchID:    branchID,
		Title:       CoerceString(params["title"]),
		Description: CoerceString(params["description"]),
		Priority:    models.TaskPriority(CoerceString(params["priority"])),
		Effort:      CoerceString(params["estimated_effort"]),
		DueDate:     optionalString(params, "due_date"),
	}
	if raw, ok := params["task_id"]; ok {
		id, err := CoerceUUID(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("task_id", "task_id must be a UUID")
		}
		input.ID = id
	}
	if input.AssigneeIDs, err = CoerceStringList(params["assignee_ids"]); err != nil {
		return nil, nil, services.NewValidationError("assignee_ids", err.Error())
	}
	if input.Labels, err = CoerceStringList(params["labels"]); err != nil {
		return nil, nil, services.NewValidationError("labels", err.Error())
	}

	task, err := s.config.Tasks.Create(c.Request.Context(), user.ID, input)
	if err != nil {
		return nil, nil, err
	}
	hints := &Hints{Next: "update the task to in_progress when work starts"}
	if len(task.AssigneeIDs) == 0 && agentRoleRequested(input.Labels) {
		hints.Recommendations = append(hints.Recommendations, "no registered agent matched the role label; assign manually")
	}
	return map[string]interface{}{"task": task}, hints, nil
}

func agentRoleRequested(labels []string) bool {
	for _, label := range labels {
		if len(label) > 6 && label[len(label)-6:] == "-agent" {
			return true
		}
	}
	return false
}

func (s *Server) taskUpdate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	input := services.TaskUpdateInput{
		Title:       optionalString(params, "title"),
		Description: optionalString(params, "description"),
		DueDate:     optionalString(params, "due_date"),
		Effort:      optionalString(params, "estimated_effort"),
	}
	if raw, ok := params["status"]; ok {
		status := models.TaskStatus(CoerceString(raw))
		input.Status = &status
	}
	if raw, ok := params["priority"]; ok {
		priority := models.TaskPriority(CoerceString(raw))
		input.Priority = &priority
	}
	if raw, ok := params["assignee_ids"]; ok {
		if input.AssigneeIDs, err = CoerceStringList(raw); err != nil {
			return nil, nil, services.NewValidationError("assignee_ids", err.Error())
		}
		if input.AssigneeIDs == nil {
			input.AssigneeIDs = []string{}
		}
	}
	if raw, ok := params["labels"]; ok {
		if input.Labels, err = CoerceStringList(raw); err != nil {
			return nil, nil, services.NewValidationError("labels", err.Error())
		}
		if input.Labels == nil {
			input.Labels = []string{}
		}
	}

	task, err := s.config.Tasks.Update(c.Request.Context(), user.ID, id, input)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"task": task}, nil, nil
}

func (s *Server) taskGet(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.config.Tasks.Get(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"task": task}, nil, nil
}

func (s *Server) taskDelete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	affected, err := s.config.Tasks.Delete(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"affected": affected}, nil, nil
}

func (s *Server) taskComplete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.config.Tasks.Complete(c.Request.Context(), user.ID, id, CoerceString(params["completion_summary"]))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"task": task}, nil, nil
}

func taskFilterFromParams(params map[string]interface{}) (models.TaskFilter, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return models.TaskFilter{}, services.NewValidationError("limit", err.Error())
	}
	filter := models.TaskFilter{
		Status:     models.TaskStatus(CoerceString(params["status"])),
		Priority:   models.TaskPriority(CoerceString(params["priority"])),
		AssigneeID: CoerceString(params["assignee_id"]),
		Label:      CoerceString(params["label"]),
		Query:      CoerceString(params["query"]),
		Limit:      limit,
		Offset:     offset,
	}
	if raw, ok := params["branch_id"]; ok && CoerceString(raw) != "" {
		branchID, err := CoerceUUID(raw)
		if err != nil {
			return models.TaskFilter{}, services.NewValidationError("branch_id", "branch_id must be a UUID")
		}
		filter.BranchID = &branchID
	}
	return filter, nil
}

func (s *Server) taskList(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	filter, err := taskFilterFromParams(params)
	if err != nil {
		return nil, nil, err
	}
	tasks, total, err := s.config.Tasks.List(c.Request.Context(), user.ID, filter)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("tasks", tasks, total, filter.Limit, filter.Offset), nil, nil
}

func (s *Server) taskListMinimal(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	filter, err := taskFilterFromParams(params)
	if err != nil {
		return nil, nil, err
	}
	tasks, total, err := s.config.Tasks.ListMinimal(c.Request.Context(), user.ID, filter)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("tasks", tasks, total, filter.Limit, filter.Offset), nil, nil
}

func (s *Server) taskSearch(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	filter, err := taskFilterFromParams(params)
	if err != nil {
		return nil, nil, err
	}
	tasks, total, err := s.config.Tasks.Search(c.Request.Context(), user.ID, filter)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("tasks", tasks, total, filter.Limit, filter.Offset), nil, nil
}

func (s *Server) taskNext(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	var branchID *uuid.UUID
	if raw, ok := params["branch_id"]; ok && CoerceString(raw) != "" {
		id, err := CoerceUUID(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
		}
		branchID = &id
	}
	task, err := s.config.Tasks.Next(c.Request.Context(), user.ID, branchID)
	if err != nil {
		return nil, nil, err
	}
	if task == nil {
		return map[string]interface{}{"task": nil}, &Hints{Next: "no runnable task; create one or unblock dependencies"}, nil
	}
	return map[string]interface{}{"task": task}, &Hints{Next: "update the task to in_progress before starting"}, nil
}

func (s *Server) taskAddDependency(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	dependsOn, err := CoerceUUID(params["depends_on_task_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("depends_on_task_id", "depends_on_task_id must be a UUID")
	}
	if err := s.config.Tasks.AddDependency(c.Request.Context(), user.ID, id, dependsOn); err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"task_id": id, "depends_on_task_id": dependsOn}, nil, nil
}

func (s *Server) taskRemoveDependency(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	dependsOn, err := CoerceUUID(params["depends_on_task_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("depends_on_task_id", "depends_on_task_id must be a UUID")
	}
	affected, err := s.config.Tasks.RemoveDependency(c.Request.Context(), user.ID, id, dependsOn)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"affected": affected}, nil, nil
}

func (s *Server) taskAddProgress(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := taskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	task, err := s.config.Tasks.AddProgress(c.Request.Context(), user.ID, id, CoerceString(params["content"]))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"task": task}, nil, nil
}
