package api

import (
	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/services"
)

func (s *Server) handleManageContext(c *gin.Context) {
	s.dispatch(c, "context", map[string]actionHandler{
		"create":           s.contextCreate,
		"get":              s.contextGet,
		"update":           s.contextUpdate,
		"delete":           s.contextDelete,
		"resolve":          s.contextResolve,
		"delegate":         s.contextDelegate,
		"apply_delegation": s.contextApplyDelegation,
		"list_delegations": s.contextListDelegations,
		"add_insight":      s.contextAddInsight,
		"add_progress":     s.contextAddProgress,
		"list":             s.contextList,
	})
}

func contextLevelParam(params map[string]interface{}) models.ContextLevel {
	return models.ContextLevel(CoerceString(params["level"]))
}

// contextDataParam reads the data payload; task-level callers may send
// it under the task_data key.
func contextDataParam(params map[string]interface{}) (models.JSONMap, error) {
	if raw, ok := params["data"]; ok && raw != nil {
		return CoerceMap(raw)
	}
	if raw, ok := params["task_data"]; ok && raw != nil {
		return CoerceMap(raw)
	}
	return nil, nil
}

func (s *Server) contextCreate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	data, err := contextDataParam(params)
	if err != nil {
		return nil, nil, services.NewValidationError("data", err.Error())
	}
	if data == nil {
		data = models.JSONMap{}
	}
	created, err := s.config.Contexts.Create(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]), data)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"context": created}, nil, nil
}

func (s *Server) contextGet(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	includeInherited := false
	if raw, ok := params["include_inherited"]; ok {
		value, err := CoerceBool(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("include_inherited", err.Error())
		}
		includeInherited = value
	}
	row, resolved, err := s.config.Contexts.Get(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]), includeInherited)
	if err != nil {
		return nil, nil, err
	}
	result := map[string]interface{}{"context": row}
	if resolved != nil {
		result["resolved"] = resolved
	}
	return result, nil, nil
}

func (s *Server) contextUpdate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	data, err := contextDataParam(params)
	if err != nil {
		return nil, nil, services.NewValidationError("data", err.Error())
	}
	var overrides models.JSONMap
	if raw, ok := params["overrides"]; ok && raw != nil {
		if overrides, err = CoerceMap(raw); err != nil {
			return nil, nil, services.NewValidationError("overrides", err.Error())
		}
	}
	expectedVersion := 0
	if raw, ok := params["expected_version"]; ok && raw != nil {
		if expectedVersion, err = CoerceInt(raw); err != nil {
			return nil, nil, services.NewValidationError("expected_version", err.Error())
		}
	}
	propagate := true
	if raw, ok := params["propagate_changes"]; ok {
		if propagate, err = CoerceBool(raw); err != nil {
			return nil, nil, services.NewValidationError("propagate_changes", err.Error())
		}
	}
	updated, err := s.config.Contexts.Update(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]), data, overrides, expectedVersion, propagate)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"context": updated}, nil, nil
}

func (s *Server) contextDelete(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	affected, err := s.config.Contexts.Delete(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"affected": affected}, nil, nil
}

func (s *Server) contextResolve(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	forceRefresh := false
	if raw, ok := params["force_refresh"]; ok {
		value, err := CoerceBool(raw)
		if err != nil {
			return nil, nil, services.NewValidationError("force_refresh", err.Error())
		}
		forceRefresh = value
	}
	resolved, err := s.config.Contexts.Resolve(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]), forceRefresh)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"resolved": resolved}, nil, nil
}

func (s *Server) contextDelegate(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	payload, err := CoerceMap(params["delegate_data"])
	if err != nil {
		return nil, nil, services.NewValidationError("delegate_data", err.Error())
	}
	request, err := s.config.Contexts.Delegate(c.Request.Context(), user.ID,
		contextLevelParam(params), CoerceString(params["context_id"]),
		models.ContextLevel(CoerceString(params["target_level"])),
		payload, CoerceString(params["delegation_reason"]))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"delegation": request}, &Hints{Next: "apply_delegation approves or rejects the queued request"}, nil
}

func (s *Server) contextApplyDelegation(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	id, err := CoerceUUID(params["delegation_id"])
	if err != nil {
		return nil, nil, services.NewValidationError("delegation_id", "delegation_id must be a UUID")
	}
	approve := true
	if raw, ok := params["approve"]; ok {
		if approve, err = CoerceBool(raw); err != nil {
			return nil, nil, services.NewValidationError("approve", err.Error())
		}
	}
	request, err := s.config.Contexts.ApplyDelegation(c.Request.Context(), user.ID, id, approve)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"delegation": request}, nil, nil
}

func (s *Server) contextListDelegations(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return nil, nil, services.NewValidationError("limit", err.Error())
	}
	status := models.DelegationStatus(CoerceString(params["status"]))
	delegations, total, err := s.config.Contexts.ListDelegations(c.Request.Context(), user.ID, status, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("delegations", delegations, total, limit, offset), nil, nil
}

func (s *Server) contextAddInsight(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	insight := models.Insight{
		Content:    CoerceString(params["content"]),
		Category:   models.InsightCategory(CoerceString(params["category"])),
		Importance: models.InsightImportance(CoerceString(params["importance"])),
		Agent:      CoerceString(params["agent"]),
	}
	row, err := s.config.Contexts.AddInsight(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]), insight)
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"context": row}, nil, nil
}

func (s *Server) contextAddProgress(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	row, err := s.config.Contexts.AddProgress(c.Request.Context(), user.ID, contextLevelParam(params), CoerceString(params["context_id"]),
		CoerceString(params["content"]), CoerceString(params["agent"]))
	if err != nil {
		return nil, nil, err
	}
	return map[string]interface{}{"context": row}, nil, nil
}

func (s *Server) contextList(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error) {
	limit, offset, err := listWindow(params)
	if err != nil {
		return nil, nil, services.NewValidationError("limit", err.Error())
	}
	filter := models.ContextFilter{
		ParentID: CoerceString(params["parent_id"]),
		Limit:    limit,
		Offset:   offset,
	}
	contexts, total, err := s.config.Contexts.List(c.Request.Context(), user.ID, contextLevelParam(params), filter)
	if err != nil {
		return nil, nil, err
	}
	return listEnvelope("contexts", contexts, total, limit, offset), nil, nil
}
