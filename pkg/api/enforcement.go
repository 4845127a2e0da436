package api

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/observability"
)

// EnforcementLevel controls how missing progress-reporting parameters
// are handled, process-wide.
type EnforcementLevel string

const (
	EnforcementDisabled EnforcementLevel = "DISABLED"
	EnforcementSoft     EnforcementLevel = "SOFT"
	EnforcementWarning  EnforcementLevel = "WARNING"
	EnforcementStrict   EnforcementLevel = "STRICT"
)

// ParseEnforcementLevel reads a level from configuration, defaulting to
// WARNING on empty or unknown input.
func ParseEnforcementLevel(value string) EnforcementLevel {
	switch EnforcementLevel(strings.ToUpper(strings.TrimSpace(value))) {
	case EnforcementDisabled:
		return EnforcementDisabled
	case EnforcementSoft:
		return EnforcementSoft
	case EnforcementStrict:
		return EnforcementStrict
	default:
		return EnforcementWarning
	}
}

// parameterPolicy names the required and recommended fields for one
// command action.
type parameterPolicy struct {
	Required    []string
	Recommended []string
	Example     string
}

// enforcementPolicies keys on "{command}.{action}"
var enforcementPolicies = map[string]parameterPolicy{
	"task.update": {
		Required:    []string{"work_notes", "progress_made"},
		Recommended: []string{"files_modified", "blockers_encountered"},
		Example:     `{"action":"update","task_id":"…","status":"in_progress","work_notes":"implemented the handler","progress_made":"wired routing and validation"}`,
	},
	"task.complete": {
		Required:    []string{"completion_summary"},
		Recommended: []string{"testing_notes", "deployment_notes"},
		Example:     `{"action":"complete","task_id":"…","completion_summary":"shipped with tests"}`,
	},
	"subtask.update": {
		Required:    []string{"progress_notes"},
		Recommended: []string{"impact_on_parent"},
		Example:     `{"action":"update","subtask_id":"…","progress_percentage":50,"progress_notes":"halfway through"}`,
	},
	"subtask.complete": {
		Required:    []string{"completion_summary"},
		Recommended: []string{"impact_on_parent"},
		Example:     `{"action":"complete","subtask_id":"…","completion_summary":"done and verified"}`,
	},
}

// ComplianceRecord tracks one agent's parameter discipline
type ComplianceRecord struct {
	AgentID   string `json:"agent_id"`
	Total     int64  `json:"total"`
	Compliant int64  `json:"compliant"`
	Blocked   int64  `json:"blocked"`
}

// EnforcementResult is the outcome of one check
type EnforcementResult struct {
	MissingRequired    []string
	MissingRecommended []string
	Blocked            bool
	Hint               string
	Example            string
}

// Enforcer applies the parameter policies at the configured level and
// keeps per-agent compliance counters. Counters update on every call
// regardless of level.
type Enforcer struct {
	level   EnforcementLevel
	logger  observability.Logger
	metrics observability.MetricsClient

	mu      sync.Mutex
	records map[string]*ComplianceRecord
}

// NewEnforcer creates an enforcer at the given level
func NewEnforcer(level EnforcementLevel, logger observability.Logger, metrics observability.MetricsClient) *Enforcer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Enforcer{
		level:   level,
		logger:  logger,
		metrics: metrics,
		records: make(map[string]*ComplianceRecord),
	}
}

// Level returns the configured enforcement level
func (e *Enforcer) Level() EnforcementLevel { return e.level }

// missing reports whether a parameter is absent. Null, empty, and
// whitespace-only values all count as missing.
func missing(params map[string]interface{}, field string) bool {
	value, ok := params[field]
	if !ok || value == nil {
		return true
	}
	if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
		return true
	}
	return false
}

// Check evaluates the policy for command.action. agentID may be empty
// for non-agent callers; compliance then records under "anonymous".
func (e *Enforcer) Check(command, action, agentID string, params map[string]interface{}) EnforcementResult {
	policy, ok := enforcementPolicies[command+"."+action]
	if !ok {
		return EnforcementResult{}
	}

	var result EnforcementResult
	for _, field := range policy.Required {
		if missing(params, field) {
			result.MissingRequired = append(result.MissingRequired, field)
		}
	}
	for _, field := range policy.Recommended {
		if missing(params, field) {
			result.MissingRecommended = append(result.MissingRecommended, field)
		}
	}
	sort.Strings(result.MissingRequired)
	sort.Strings(result.MissingRecommended)

	compliant := len(result.MissingRequired) == 0
	result.Blocked = !compliant && e.level == EnforcementStrict
	e.record(agentID, compliant, result.Blocked)

	// DISABLED keeps the counters but never annotates or blocks
	if e.level == EnforcementDisabled {
		return EnforcementResult{}
	}

	if !compliant {
		switch e.level {
		case EnforcementSoft:
			e.logger.Info("missing progress parameters", map[string]interface{}{
				"operation": command + "." + action,
				"agent_id":  agentID,
				"missing":   result.MissingRequired,
			})
		case EnforcementWarning, EnforcementStrict:
			result.Hint = fmt.Sprintf("provide %s when calling %s.%s", strings.Join(result.MissingRequired, ", "), command, action)
			result.Example = policy.Example
		}
	}
	return result
}

func (e *Enforcer) record(agentID string, compliant, blocked bool) {
	if agentID == "" {
		agentID = "anonymous"
	}
	e.mu.Lock()
	record, ok := e.records[agentID]
	if !ok {
		record = &ComplianceRecord{AgentID: agentID}
		e.records[agentID] = record
	}
	record.Total++
	if compliant {
		record.Compliant++
	}
	if blocked {
		record.Blocked++
	}
	e.mu.Unlock()

	outcome := "compliant"
	if blocked {
		outcome = "blocked"
	} else if !compliant {
		outcome = "missing"
	}
	e.metrics.IncrementCounterWithLabels("parameter_enforcement_checks", 1, map[string]string{"outcome": outcome})
}

// Compliance returns a copy of the record for agentID, or nil
func (e *Enforcer) Compliance(agentID string) *ComplianceRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.records[agentID]
	if !ok {
		return nil
	}
	copied := *record
	return &copied
}
