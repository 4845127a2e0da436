package api

import (
	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

func (s *Server) handleManageAgent(c *gin.Context) {
	s.dispatch(c, "agent", map[string]actionHandler{
		"register":         s.agentRegister,
		"assign_to_branch": s.agentAssignToBranch,
		"unassign":         s.agentUnassign,
		"list":             s.agentList,
	})
}

func (s *Server) agentRegister(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	capabilities, err := CoerceMap(params["capabilities"])
	if err != nil {
		return nil, nil, services.NewValidationError("capabilities", err.Error())
	}
	agent := &models.Agent{
		Name:         CoerceString(params["name"]),
		Role:         CoerceString(params["role"]),
		Description:  CoerceString(params["description"]),
		Capabilities: capabilities,
	}
	registered, err := s.config.Agents.Register(c.Request.Context(), user.ID, agent)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"agent": registered}, nil, nil
}

func (s *Server) agentAssignToBranch(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	agentID, err := CoerceUUID(params["agent_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("agent_id", "agent_id must be a UUID")
	}
	branchID, err := CoerceUUID(params["branch_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
	}
	branch, err := s.config.Agents.AssignToBranch(c.Request.Context(), user.ID, agentID, branchID)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"branch": branch}, nil, nil
}

func (s *Server) agentUnassign(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	branchID, err := CoerceUUID(params["branch_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("branch_id", "branch_id must be a UUID")
	}
	branch, err := s.config.Agents.Unassign(c.Request.Context(), user.ID, branchID)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"branch": branch}, nil, nil
}

func (s *Server) agentList(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return nil, nil, services.NewValidationError("limit", err.Error())
	}
	agents, total, err := s.config.Agents.List(c.Request.Context(), user.ID, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("agents", agents, total, limit, offset), nil, nil
}
