package api

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// Error codes carried in the error envelope
const (
	CodeAuthRequired         = "AUTH_REQUIRED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeValidationError      = "VALIDATION_ERROR"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeDependencyCycle      = "DEPENDENCY_CYCLE"
	CodeCompletionBlocked    = "COMPLETION_BLOCKED"
	CodeConflict             = "CONFLICT"
	CodeDelegationDirection  = "DELEGATION_DIRECTION"
	CodeDuplicate            = "DUPLICATE"
	CodeMissingRequiredParam = "MISSING_REQUIRED_PARAM"
	CodeTransient            = "TRANSIENT"
)

// APIError is the wire form of a failed call
type APIError struct {
	Status  int
	Code    string
	Message string
	Meta    map[string]interface{}
}

// Envelope renders the error response body
func (e *APIError) Envelope() map[string]interface{} {
	body := map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Meta) > 0 {
		body["meta"] = e.Meta
	}
	return map[string]interface{}{"success": false, "error": body}
}

// MapError classifies a domain error into its wire code, HTTP status,
// and diagnostic meta.
func MapError(err error) *APIError {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return &APIError{Status: http.StatusUnauthorized, Code: CodeAuthRequired, Message: authErr.Error()}
	}

	var validation *services.ValidationError
	if errors.As(err, &validation) {
		meta := map[string]interface{}{}
		if validation.Field != "" {
			meta["field"] = validation.Field
		}
		return &APIError{Status: http.StatusBadRequest, Code: CodeValidationError, Message: validation.Error(), Meta: meta}
	}

	var transition *services.InvalidTransitionError
	if errors.As(err, &transition) {
		return &APIError{
			Status:  http.StatusConflict,
			Code:    CodeInvalidTransition,
			Message: transition.Error(),
			Meta:    map[string]interface{}{"from": string(transition.From), "to": string(transition.To)},
		}
	}

	var cycle *services.DependencyCycleError
	if errors.As(err, &cycle) {
		path := make([]string, len(cycle.Cycle))
		for i, id := range cycle.Cycle {
			path[i] = id.String()
		}
		return &APIError{
			Status:  http.StatusConflict,
			Code:    CodeDependencyCycle,
			Message: cycle.Error(),
			Meta:    map[string]interface{}{"cycle": path},
		}
	}

	var blocked *services.CompletionBlockedError
	if errors.As(err, &blocked) {
		return &APIError{
			Status:  http.StatusConflict,
			Code:    CodeCompletionBlocked,
			Message: blocked.Error(),
			Meta:    map[string]interface{}{"blockers": blocked.Blockers},
		}
	}

	var direction *services.DelegationDirectionError
	if errors.As(err, &direction) {
		return &APIError{
			Status:  http.StatusBadRequest,
			Code:    CodeDelegationDirection,
			Message: direction.Error(),
			Meta:    map[string]interface{}{"source": string(direction.Source), "target": string(direction.Target)},
		}
	}

	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		return &APIError{
			Status:  http.StatusConflict,
			Code:    CodeConflict,
			Message: conflict.Error(),
			Meta:    map[string]interface{}{"current_version": conflict.CurrentVersion},
		}
	}

	var repoErr *types.RepositoryError
	if errors.As(err, &repoErr) && errors.Is(err, types.ErrOptimisticLock) {
		return &APIError{
			Status:  http.StatusConflict,
			Code:    CodeConflict,
			Message: repoErr.Message,
			Meta:    map[string]interface{}{"current_version": repoErr.CurrentVersion},
		}
	}

	switch {
	case types.IsNotFound(err):
		return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "resource not found"}
	case errors.Is(err, types.ErrAlreadyExists):
		return &APIError{Status: http.StatusConflict, Code: CodeDuplicate, Message: "resource already exists"}
	case errors.Is(err, types.ErrOptimisticLock):
		return &APIError{Status: http.StatusConflict, Code: CodeConflict, Message: "concurrent modification"}
	case errors.Is(err, types.ErrInvalidInput), errors.Is(err, types.ErrConstraintViolation):
		return &APIError{Status: http.StatusBadRequest, Code: CodeValidationError, Message: err.Error()}
	case types.IsTransient(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &APIError{Status: http.StatusServiceUnavailable, Code: CodeTransient, Message: "temporary failure, retry the call"}
	}

	return &APIError{Status: http.StatusInternalServerError, Code: CodeTransient, Message: "internal error"}
}
