package api

import (
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/pkg/observability"
)

// ResponseProfile selects one of the output envelope shapes
type ResponseProfile string

const (
	ProfileMinimal  ResponseProfile = "MINIMAL"
	ProfileStandard ResponseProfile = "STANDARD"
	ProfileDetailed ResponseProfile = "DETAILED"
	ProfileDebug    ResponseProfile = "DEBUG"
	ProfileLegacy   ResponseProfile = "LEGACY"
)

// ResponseFormatHeader is the client override for the profile
const ResponseFormatHeader = "X-Response-Format"

// highFrequencyActions default to the MINIMAL profile
var highFrequencyActions = map[string]struct{}{
	"list":         {},
	"list_minimal": {},
	"get":          {},
}

// Hints carry workflow guidance for agent callers
type Hints struct {
	Next            string   `json:"next,omitempty"`
	RequiredActions []string `json:"required_actions,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ShapeRequest is everything the optimizer needs to pick a profile
type ShapeRequest struct {
	Operation    string // "{command}.{action}"
	Action       string
	FormatHeader string
	AgentParam   bool
	Started      time.Time
	CacheStatus  string
	Hints        *Hints
}

// Optimizer shapes raw service results into the tiered response
// envelopes. Shaping never fails the call: any panic falls back to an
// unwrapped result.
type Optimizer struct {
	enabled bool
	logger  observability.Logger
}

// NewOptimizer creates a response optimizer. When disabled, every
// response uses the legacy envelope.
func NewOptimizer(enabled bool, logger observability.Logger) *Optimizer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Optimizer{enabled: enabled, logger: logger}
}

// Profile picks the response profile for a request
func (o *Optimizer) Profile(req ShapeRequest) ResponseProfile {
	if !o.enabled {
		return ProfileLegacy
	}
	switch strings.ToLower(strings.TrimSpace(req.FormatHeader)) {
	case "minimal":
		return ProfileMinimal
	case "debug":
		return ProfileDebug
	case "legacy":
		return ProfileLegacy
	case "standard":
		return ProfileStandard
	case "detailed":
		return ProfileDetailed
	}
	if req.AgentParam {
		return ProfileDetailed
	}
	if _, ok := highFrequencyActions[req.Action]; ok {
		return ProfileMinimal
	}
	return ProfileStandard
}

// Shape wraps a successful raw result into the envelope for the
// request's profile.
func (o *Optimizer) Shape(req ShapeRequest, result interface{}) (out map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("response shaping failed, falling back to raw result", map[string]interface{}{
				"operation": req.Operation, "panic": r,
			})
			out = map[string]interface{}{"success": true, "data": result}
		}
	}()

	profile := o.Profile(req)
	switch profile {
	case ProfileMinimal:
		return map[string]interface{}{"success": true, "data": result}
	case ProfileDebug:
		return map[string]interface{}{
			"success": true,
			"data":    result,
			"debug": map[string]interface{}{
				"operation":    req.Operation,
				"profile":      string(profile),
				"elapsed_ms":   time.Since(req.Started).Milliseconds(),
				"cache_status": req.CacheStatus,
			},
		}
	case ProfileLegacy:
		return map[string]interface{}{
			"success":      true,
			"status":       "ok",
			"confirmation": result,
			"operation_id": req.Operation,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		}
	case ProfileDetailed:
		envelope := map[string]interface{}{
			"success": true,
			"data":    result,
			"meta": map[string]interface{}{
				"operation": req.Operation,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		}
		if req.Hints != nil {
			envelope["hints"] = req.Hints
		} else {
			envelope["hints"] = &Hints{}
		}
		return envelope
	default:
		envelope := map[string]interface{}{
			"success": true,
			"data":    result,
			"meta": map[string]interface{}{
				"operation": req.Operation,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		}
		if req.Hints != nil {
			envelope["hints"] = req.Hints
		}
		return envelope
	}
}
