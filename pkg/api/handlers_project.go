package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

func (s *Server) handleManageProject(c *gin.Context) {
	s.dispatch(c, "project", map[string]actionHandler{
		"create": s.projectCreate,
		"get":    s.projectGet,
		"update": s.projectUpdate,
		"delete": s.projectDelete,
		"list":   s.projectList,
	})
}

func (s *Server) handleManageBranch(c *gin.Context) {
	s.dispatch(c, "branch", map[string]actionHandler{
		"create": s.branchCreate,
		"get":    s.branchGet,
		"update": s.branchUpdate,
		"delete": s.branchDelete,
		"list":   s.branchList,
	})
}

func (s *Server) projectCreate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	project := &models.Project{
		Name:        CoerceString(params["name"]),
		Description: CoerceString(params["description"]),
	}
	if raw, ok := params["project_id"]; ok {
		id, err := CoerceUUID(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("project_id", "project_id must be a UUID")
		}
		project.ID = id
	}
	created, err := s.config.Projects.Create(c.Request.Context(), user.ID, project)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"project": created}, &Hints{Next: "create a branch inside the project"}, nil
}

func (s *Server) projectGet(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["project_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("project_id", "project_id must be a UUID")
	}
	project, err := s.config.Projects.Get(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"project": project}, nil, nil
}

func (s *Server) projectUpdate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["project_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("project_id", "project_id must be a UUID")
	}
	project, err := s.config.Projects.Update(c.Request.Context(), user.ID, id,
		optionalString(params, "name"), optionalString(params, "description"))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"project": project}, nil, nil
}

func (s *Server) projectDelete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["project_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("project_id", "project_id must be a UUID")
	}
	affected, err := s.config.Projects.Delete(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"affected": affected}, nil, nil
}

func (s *Server) projectList(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return nil, nil, services.NewValidationError("limit", err.Error())
	}
	projects, total, err := s.config.Projects.List(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("projects", projects, total, limit, offset), nil, nil
}

func (s *Server) branchCreate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	projectID, err := CoerceUUID(params["project_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("project_id", "project_id must be a UUID")
	}
	branch := &models.Branch{
		ProjectID:   projectID,
		Name:        CoerceString(params["name"]),
		Description: CoerceString(params["description"]),
	}
	if raw, ok := params["branch_id"]; ok {
		id, err := CoerceUUID(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
		}
		branch.ID = id
	}
	created, err := s.config.Branches.Create(c.Request.Context(), user.ID, branch)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"branch": created}, &Hints{Next: "create tasks inside the branch"}, nil
}

func (s *Server) branchGet(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["branch_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
	}
	branch, err := s.config.Branches.Get(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"branch": branch}, nil, nil
}

func (s *Server) branchUpdate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["branch_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
	}
	branch, err := s.config.Branches.Update(c.Request.Context(), user.ID, id,
		optionalString(params, "name"), optionalString(params, "description"))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"branch": branch}, nil, nil
}

func (s *Server) branchDelete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["branch_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
	}
	affected, err := s.config.Branches.Delete(c.Request.Context(), user.ID, id)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"affected": affected}, nil, nil
}

func (s *Server) branchList(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return nil, nil, services.NewValidationError("limit", err.Error())
	}
	var projectID *uuid.UUID
	if raw, ok := params["project_id"]; ok && CoerceString(raw) != "" {
		id, err := CoerceUUID(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("project_id", "project_id must be a UUID")
		}
		projectID = &id
	}
	branches, total, err := s.config.Branches.List(c.Request.Context(), user.ID, projectID, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("branches", branches, total, limit, offset), nil, nil
}
