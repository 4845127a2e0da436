package models

import (
	"encoding/json"
	"time"
)

// ContextLevel is one of the four context tiers
type ContextLevel string

const (
	ContextLevelGlobal  ContextLevel = "global"
	ContextLevelProject ContextLevel = "project"
	ContextLevelBranch  ContextLevel = "branch"
	ContextLevelTask    ContextLevel = "task"
)

// IsValid reports whether the level is one of the four tiers
func (l ContextLevel) IsValid() bool {
	switch l {
	case ContextLevelGlobal, ContextLevelProject, ContextLevelBranch, ContextLevelTask:
		return true
	default:
		return false
	}
}

// Rank orders tiers root-down: global=0 ... task=3. Delegation is only
// permitted toward a strictly smaller rank.
func (l ContextLevel) Rank() int {
	switch l {
	case ContextLevelGlobal:
		return 0
	case ContextLevelProject:
		return 1
	case ContextLevelBranch:
		return 2
	case ContextLevelTask:
		return 3
	default:
		return -1
	}
}

// Parent returns the next tier up, or empty for global
func (l ContextLevel) Parent() ContextLevel {
	switch l {
	case ContextLevelTask:
		return ContextLevelBranch
	case ContextLevelBranch:
		return ContextLevelProject
	case ContextLevelProject:
		return ContextLevelGlobal
	default:
		return ""
	}
}

// Context is one row of the four-tier hierarchy. ContextID is the owning
// entity id for project/branch/task tiers and the user id for the global
// tier. ParentID points one tier up (empty for global).
type Context struct {
	Level              ContextLevel `json:"level" db:"level"`
	ContextID          string       `json:"context_id" db:"context_id"`
	OwnerUserID        string       `json:"owner_user_id" db:"owner_user_id"`
	ParentID           string       `json:"parent_id,omitempty" db:"parent_id"`
	Data               JSONMap      `json:"data" db:"data"`
	Overrides          JSONMap      `json:"overrides" db:"overrides"`
	InheritsFromGlobal bool         `json:"inherits_from_global" db:"inherits_from_global"`
	Version            int          `json:"version" db:"version"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
}

// MarshalJSON emits the payload under "task_data" for task-tier rows and
// under "data" for every other tier.
func (c Context) MarshalJSON() ([]byte, error) {
	type alias Context
	if c.Level != ContextLevelTask {
		return json.Marshal(alias(c))
	}
	return json.Marshal(struct {
		alias
		// shadows the embedded "data" field and stays nil so it is omitted
		Data     JSONMap `json:"data,omitempty"`
		TaskData JSONMap `json:"task_data"`
	}{alias: alias(c), TaskData: c.Data})
}

// UnmarshalJSON accepts the payload under either "data" or "task_data",
// with "task_data" winning when both are present.
func (c *Context) UnmarshalJSON(b []byte) error {
	type alias Context
	aux := struct {
		*alias
		TaskData JSONMap `json:"task_data"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.TaskData != nil {
		c.Data = aux.TaskData
	}
	return nil
}

// ResolvedContext is the merged root-down view of a context chain
type ResolvedContext struct {
	Level      ContextLevel `json:"level"`
	ContextID  string       `json:"context_id"`
	Data       JSONMap      `json:"data"`
	Chain      []string     `json:"chain"`
	Version    int          `json:"version"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

// MarshalJSON mirrors Context: task-tier resolutions carry "task_data".
func (r ResolvedContext) MarshalJSON() ([]byte, error) {
	type alias ResolvedContext
	if r.Level != ContextLevelTask {
		return json.Marshal(alias(r))
	}
	return json.Marshal(struct {
		alias
		Data     JSONMap `json:"data,omitempty"`
		TaskData JSONMap `json:"task_data"`
	}{alias: alias(r), TaskData: r.Data})
}

// UnmarshalJSON accepts either payload key so cached rows written before a
// level is known still round-trip.
func (r *ResolvedContext) UnmarshalJSON(b []byte) error {
	type alias ResolvedContext
	aux := struct {
		*alias
		TaskData JSONMap `json:"task_data"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.TaskData != nil {
		r.Data = aux.TaskData
	}
	return nil
}

// InsightCategory classifies a context insight
type InsightCategory string

const (
	InsightCategoryTechnical   InsightCategory = "technical"
	InsightCategoryBusiness    InsightCategory = "business"
	InsightCategoryPerformance InsightCategory = "performance"
	InsightCategoryRisk        InsightCategory = "risk"
	InsightCategoryDiscovery   InsightCategory = "discovery"
)

// IsValid reports whether the category is known
func (c InsightCategory) IsValid() bool {
	switch c {
	case InsightCategoryTechnical, InsightCategoryBusiness, InsightCategoryPerformance,
		InsightCategoryRisk, InsightCategoryDiscovery:
		return true
	default:
		return false
	}
}

// InsightImportance ranks a context insight
type InsightImportance string

const (
	InsightImportanceLow      InsightImportance = "low"
	InsightImportanceMedium   InsightImportance = "medium"
	InsightImportanceHigh     InsightImportance = "high"
	InsightImportanceCritical InsightImportance = "critical"
)

// IsValid reports whether the importance is known
func (i InsightImportance) IsValid() bool {
	switch i {
	case InsightImportanceLow, InsightImportanceMedium, InsightImportanceHigh, InsightImportanceCritical:
		return true
	default:
		return false
	}
}

// Insight is a structured entry appended to a context's insight list
type Insight struct {
	Content    string            `json:"content"`
	Category   InsightCategory   `json:"category,omitempty"`
	Importance InsightImportance `json:"importance,omitempty"`
	Agent      string            `json:"agent,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ContextFilter narrows context list queries
type ContextFilter struct {
	ParentID string
	Limit    int
	Offset   int
}
