package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

func (s *Server) handleManageSubtask(c *gin.Context) {
	s.dispatch(c, "subtask", map[string]actionHandler{
		"create":   s.subtaskCreate,
		"update":   s.subtaskUpdate,
		"get":      s.subtaskGet,
		"delete":   s.subtaskDelete,
		"complete": s.subtaskComplete,
		"list":     s.subtaskList,
	})
}

func subtaskIDParam(params map[string]interface{}) (uuid.UUID, error) {
	id, err := CoerceUUID(params["subtask_id"])
	if err != nil {
		return uuid.Nil, services.NewValidationError("subtask_id", "subtask_id must be a UUID")
	}
	return id, nil
}

func (s *Server) subtaskCreate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	taskID, err := CoerceUUID(params["task_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("task_id", "task_id must be a UUID")
	}
	subtask := &models.Subtask{
		TaskID:      taskID,
		Title:       CoerceString(params["title"]),
		Description: CoerceString(params["description"]),
		Status:      models.TaskStatus(CoerceString(params["status"])),
		Priority:    models.TaskPriority(CoerceString(params["priority"])),
	}
	if raw, ok := params["progress_percentage"]; ok && raw != nil {
		progress, err := CoerceInt(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("progress_percentage", err.Error())
		}
		subtask.ProgressPercentage = progress
	}
	if subtask.AssigneeIDs, err = CoerceStringList(params["assignee_ids"]); err != nil {
		return nil, nil, services.NewValidationError("assignee_ids", err.Error())
	}

	created, err := s.config.Subtasks.Create(c.Request.Context(), user.ID, subtask)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"subtask": created}, nil, nil
}

func (s *Server) subtaskUpdate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := subtaskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	var status *models.TaskStatus
	if raw, ok := params["status"]; ok {
		value := models.TaskStatus(CoerceString(raw))
		status = &value
	}
	var progress *int
	if raw, ok := params["progress_percentage"]; ok && raw != nil {
		value, err := CoerceInt(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("progress_percentage", err.Error())
		}
		progress = &value
	}
	subtask, err := s.config.Subtasks.Update(c.Request.Context(), user.ID, id,
		optionalString(params, "title"), optionalString(params, "description"), status, progress)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"subtask": subtask}, nil, nil
}

func (s *Server) subtaskGet(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := subtaskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	subtask, err := s.config.Subtasks.Get(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"subtask": subtask}, nil, nil
}

func (s *Server) subtaskDelete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := subtaskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	affected, err := s.config.Subtasks.Delete(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"affected": affected}, nil, nil
}

func (s *Server) subtaskComplete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := subtaskIDParam(params)
	if err != nil {
		return nil, nil, err
	}
	subtask, err := s.config.Subtasks.Complete(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"subtask": subtask}, &Hints{Next: "complete the parent task once every subtask is done"}, nil
}

func (s *Server) subtaskList(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return nil, nil, services.NewValidationError("limit", err.Error())
	}
	filter := models.SubtaskFilter{
		Status: models.TaskStatus(CoerceString(params["status"])),
		Limit:  limit,
		Offset: offset,
	}
	if raw, ok := params["task_id"]; ok && CoerceString(raw) != "" {
		taskID, err := CoerceUUID(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("task_id", "task_id must be a UUID")
		}
		filter.TaskID = &taskID
	}
	subtasks, total, err := s.config.Subtasks.List(c.Request.Context(), user.ID, filter)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("subtasks", subtasks, total, limit, offset), nil, nil
}
