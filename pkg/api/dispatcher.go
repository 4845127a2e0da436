package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"github.com/taskmesh/taskmesh/pkg/auth"
)

// actionHandler executes one command action and returns the raw result
// for shaping. Returned hints survive into DETAILED and WARNING-level
// responses.
type actionHandler func(c *gin.Context, user *auth.User, params map[string]interface{}) (interface{}, *Hints, error)

// dispatch is the shared command pipeline: parse, validate the
// envelope, coerce nothing yet (handlers coerce their own fields),
// enforce the parameter policy, run, shape.
func (s *Server) dispatch(c *gin.Context, entity string, actions map[string]actionHandler) {
	started := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, &APIError{Status: http.StatusBadRequest, Code: CodeValidationError, Message: "unreadable request body"})
		return
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		message := "request body must be a JSON object with a non-empty action"
		if err == nil {
			details := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}
			message = strings.Join(details, "; ")
		}
		s.fail(c, &APIError{Status: http.StatusBadRequest, Code: CodeValidationError, Message: message})
		return
	}
	var params map[string]interface{}
	if err := json.Unmarshal(body, &params); err != nil {
		s.fail(c, &APIError{Status: http.StatusBadRequest, Code: CodeValidationError, Message: "malformed JSON body"})
		return
	}

	action := CoerceString(params["action"])
	handler, ok := actions[action]
	if !ok {
		s.fail(c, &APIError{
			Status:  http.StatusBadRequest,
			Code:    CodeValidationError,
			Message: "unknown action: " + action,
			Meta:    map[string]interface{}{"field": "action"},
		})
		return
	}

	user, ok := auth.UserFromContext(c.Request.Context())
	if !ok {
		s.fail(c, &APIError{Status: http.StatusUnauthorized, Code: CodeAuthRequired, Message: "authentication required"})
		return
	}

	agentParam := CoerceString(params["agent"])
	enforcement := s.config.Enforcer.Check(entity, action, agentParam, params)
	if enforcement.Blocked {
		s.fail(c, &APIError{
			Status:  http.StatusBadRequest,
			Code:    CodeMissingRequiredParam,
			Message: "missing required parameters: " + strings.Join(enforcement.MissingRequired, ", "),
			Meta: map[string]interface{}{
				"missing": enforcement.MissingRequired,
				"example": enforcement.Example,
			},
		})
		return
	}

	operation := entity + "." + action
	ctx, span := s.config.Tracer(c.Request.Context(), "Dispatcher."+operation)
	c.Request = c.Request.WithContext(ctx)
	raw, hints, err := handler(c, user, params)
	span.End()

	if err != nil {
		s.fail(c, MapError(err))
		return
	}

	if hints == nil && (enforcement.Hint != "" || len(enforcement.MissingRecommended) > 0) {
		hints = &Hints{}
	}
	if hints != nil {
		if enforcement.Hint != "" {
			hints.RequiredActions = append(hints.RequiredActions, enforcement.Hint)
			if enforcement.Example != "" {
				hints.RequiredActions = append(hints.RequiredActions, "example: "+enforcement.Example)
			}
		}
		for _, field := range enforcement.MissingRecommended {
			hints.Recommendations = append(hints.Recommendations, "consider providing "+field)
		}
	}

	shaped := s.config.Optimizer.Shape(ShapeRequest{
		Operation:    operation,
		Action:       action,
		FormatHeader: c.GetHeader(ResponseFormatHeader),
		AgentParam:   agentParam != "",
		Started:      started,
		Hints:        hints,
	}, raw)
	s.config.Metrics.IncrementCounterWithLabels("commands_total", 1, map[string]string{
		"operation": operation, "outcome": "ok",
	})
	c.JSON(http.StatusOK, shaped)
}

func (s *Server) fail(c *gin.Context, apiErr *APIError) {
	s.config.Metrics.IncrementCounterWithLabels("commands_total", 1, map[string]string{
		"operation": c.Request.URL.Path, "outcome": strings.ToLower(apiErr.Code),
	})
	c.JSON(apiErr.Status, apiErr.Envelope())
}

// listWindow reads limit/offset with the defaults used by every list
// action.
func listWindow(params map[string]interface{}) (limit, offset int, err error) {
	limit = 50
	if raw, ok := params["limit"]; ok && raw != nil {
		limit, err = CoerceInt(raw)
		if err != nil {
			return 0, 0, err
		}
	}
	if raw, ok := params["offset"]; ok && raw != nil {
		offset, err = CoerceInt(raw)
		if err != nil {
			return 0, 0, err
		}
	}
	return limit, offset, nil
}

// optionalString returns a pointer only when the field was present
func optionalString(params map[string]interface{}, field string) *string {
	raw, ok := params[field]
	if !ok {
		return nil
	}
	value := CoerceString(raw)
	return &value
}

// listEnvelope is the uniform list result shape
func listEnvelope(key string, items interface{}, total int64, limit, offset int) map[string]interface{} {
	return map[string]interface{}{
		key:      items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	}
}
