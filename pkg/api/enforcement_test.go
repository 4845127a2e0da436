package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnforcementLevel(t *testing.T) {
	assert.Equal(t, EnforcementDisabled, ParseEnforcementLevel("disabled"))
	assert.Equal(t, EnforcementSoft, ParseEnforcementLevel(" SOFT "))
	assert.Equal(t, EnforcementStrict, ParseEnforcementLevel("Strict"))
	assert.Equal(t, EnforcementWarning, ParseEnforcementLevel("WARNING"))
	assert.Equal(t, EnforcementWarning, ParseEnforcementLevel(""))
	assert.Equal(t, EnforcementWarning, ParseEnforcementLevel("bogus"))
}

func TestEnforcerDisabledStaysSilentButCounts(t *testing.T) {
	e := NewEnforcer(EnforcementDisabled, nil, nil)
	result := e.Check("task", "complete", "agent-1", map[string]interface{}{})
	assert.False(t, result.Blocked)
	assert.Empty(t, result.MissingRequired)
	assert.Empty(t, result.Hint)

	// Counters run at every level, DISABLED included
	record := e.Compliance("agent-1")
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.Total)
	assert.Equal(t, int64(0), record.Compliant)
	assert.Equal(t, int64(0), record.Blocked)

	e.Check("task", "complete", "agent-1", map[string]interface{}{"completion_summary": "done"})
	record = e.Compliance("agent-1")
	assert.Equal(t, int64(2), record.Total)
	assert.Equal(t, int64(1), record.Compliant)
}

func TestEnforcerWarningAnnotatesButAllows(t *testing.T) {
	e := NewEnforcer(EnforcementWarning, nil, nil)
	result := e.Check("task", "update", "agent-1", map[string]interface{}{
		"status":     "in_progress",
		"work_notes": "refactored the handler",
	})
	assert.False(t, result.Blocked)
	assert.Equal(t, []string{"progress_made"}, result.MissingRequired)
	assert.Equal(t, []string{"blockers_encountered", "files_modified"}, result.MissingRecommended)
	assert.Contains(t, result.Hint, "progress_made")
	assert.NotEmpty(t, result.Example)
}

func TestEnforcerStrictBlocks(t *testing.T) {
	e := NewEnforcer(EnforcementStrict, nil, nil)
	result := e.Check("task", "complete", "agent-1", map[string]interface{}{})
	assert.True(t, result.Blocked)
	assert.Equal(t, []string{"completion_summary"}, result.MissingRequired)

	// A compliant call passes even under STRICT
	result = e.Check("task", "complete", "agent-1", map[string]interface{}{
		"completion_summary": "done, tests green",
	})
	assert.False(t, result.Blocked)
}

func TestEnforcerSoftStaysQuiet(t *testing.T) {
	e := NewEnforcer(EnforcementSoft, nil, nil)
	result := e.Check("subtask", "update", "agent-1", map[string]interface{}{})
	assert.False(t, result.Blocked)
	assert.Equal(t, []string{"progress_notes"}, result.MissingRequired)
	assert.Empty(t, result.Hint)
	assert.Empty(t, result.Example)
}

func TestEnforcerTreatsBlankValuesAsMissing(t *testing.T) {
	e := NewEnforcer(EnforcementStrict, nil, nil)
	result := e.Check("subtask", "complete", "agent-1", map[string]interface{}{
		"completion_summary": "   ",
	})
	assert.True(t, result.Blocked)

	result = e.Check("subtask", "complete", "agent-1", map[string]interface{}{
		"completion_summary": nil,
	})
	assert.True(t, result.Blocked)
}

func TestEnforcerIgnoresUnpolicedOperations(t *testing.T) {
	e := NewEnforcer(EnforcementStrict, nil, nil)
	result := e.Check("task", "list", "agent-1", map[string]interface{}{})
	assert.False(t, result.Blocked)
	assert.Empty(t, result.MissingRequired)
	// No policy, no compliance record
	assert.Nil(t, e.Compliance("agent-1"))
}

func TestEnforcerComplianceCounters(t *testing.T) {
	e := NewEnforcer(EnforcementStrict, nil, nil)
	e.Check("task", "complete", "agent-1", map[string]interface{}{"completion_summary": "ok"})
	e.Check("task", "complete", "agent-1", map[string]interface{}{})
	e.Check("task", "complete", "", map[string]interface{}{})

	record := e.Compliance("agent-1")
	require.NotNil(t, record)
	assert.Equal(t, int64(2), record.Total)
	assert.Equal(t, int64(1), record.Compliant)
	assert.Equal(t, int64(1), record.Blocked)

	anonymous := e.Compliance("anonymous")
	require.NotNil(t, anonymous)
	assert.Equal(t, int64(1), anonymous.Total)
}

func TestEnforcerCountersUpdateAtEveryLevel(t *testing.T) {
	e := NewEnforcer(EnforcementSoft, nil, nil)
	e.Check("task", "update", "agent-2", map[string]interface{}{})
	record := e.Compliance("agent-2")
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.Total)
	assert.Equal(t, int64(0), record.Compliant)
	assert.Equal(t, int64(0), record.Blocked)
}
