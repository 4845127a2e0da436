package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
	"github.com/taskmesh/taskmesh/pkg/services"
)

const (
	testSecret = "test-secret"
	testUserID = "user-1"
)

// stubTasks satisfies services.TaskService with canned responses
type stubTasks struct {
	task *models.Task
	err  error
}

func (s *stubTasks) Create(_ context.Context, _ string, _ services.TaskCreateInput) (*models.Task, error) {
	return s.task, s.err
}
func (s *stubTasks) Get(_ context.Context, _ string, _ uuid.UUID) (*models.Task, error) {
	return s.task, s.err
}
func (s *stubTasks) Update(_ context.Context, _ string, _ uuid.UUID, _ services.TaskUpdateInput) (*models.Task, error) {
	return s.task, s.err
}
func (s *stubTasks) Delete(_ context.Context, _ string, _ uuid.UUID) (int64, error) { return 1, s.err }
func (s *stubTasks) Complete(_ context.Context, _ string, _ uuid.UUID, _ string) (*models.Task, error) {
	return s.task, s.err
}
func (s *stubTasks) List(_ context.Context, _ string, _ models.TaskFilter) ([]*models.Task, int64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return []*models.Task{s.task}, 1, nil
}
func (s *stubTasks) ListMinimal(_ context.Context, _ string, _ models.TaskFilter) ([]*models.TaskSummary, int64, error) {
	return nil, 0, s.err
}
func (s *stubTasks) Search(_ context.Context, _ string, _ models.TaskFilter) ([]*models.Task, int64, error) {
	return nil, 0, s.err
}
func (s *stubTasks) Next(_ context.Context, _ string, _ *uuid.UUID) (*models.Task, error) {
	return s.task, s.err
}
func (s *stubTasks) AddDependency(_ context.Context, _ string, _, _ uuid.UUID) error { return s.err }
func (s *stubTasks) RemoveDependency(_ context.Context, _ string, _, _ uuid.UUID) (int64, error) {
	return 1, s.err
}
func (s *stubTasks) AddProgress(_ context.Context, _ string, _ uuid.UUID, _ string) (*models.Task, error) {
	return s.task, s.err
}

func signTestToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T, level EnforcementLevel, optimized bool, tasks services.TaskService) *Server {
	t.Helper()
	logger := observability.NewNoopLogger()
	server, err := NewServer(Config{
		Logger:    logger,
		Auth:      auth.NewService(auth.ServiceConfig{Secret: testSecret}, nil, logger),
		Enforcer:  NewEnforcer(level, logger, nil),
		Optimizer: NewOptimizer(optimized, logger),
		Tasks:     tasks,
	})
	require.NoError(t, err)
	return server
}

func postCommand(t *testing.T, server *Server, path, token string, body map[string]interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	return recorder, decoded
}

func sampleTask() *models.Task {
	return &models.Task{
		ID:          uuid.New(),
		BranchID:    uuid.New(),
		OwnerUserID: testUserID,
		Title:       "sample",
		Status:      models.TaskStatusInProgress,
		Priority:    models.TaskPriorityMedium,
	}
}

func errorBody(t *testing.T, decoded map[string]interface{}) map[string]interface{} {
	t.Helper()
	assert.Equal(t, false, decoded["success"])
	body, ok := decoded["error"].(map[string]interface{})
	require.True(t, ok)
	return body
}

func TestDispatchRejectsMissingToken(t *testing.T) {
	server := newTestServer(t, EnforcementWarning, true, &stubTasks{task: sampleTask()})
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", "", map[string]interface{}{"action": "get"})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "AUTH_REQUIRED", errorBody(t, decoded)["code"])
}

func TestDispatchRejectsEnvelopeWithoutAction(t *testing.T) {
	server := newTestServer(t, EnforcementWarning, true, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{"task_id": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorBody(t, decoded)["code"])
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	server := newTestServer(t, EnforcementWarning, true, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	body := errorBody(t, decoded)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	meta, ok := body["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "action", meta["field"])
}

func TestDispatchStrictBlocksMissingParameters(t *testing.T) {
	server := newTestServer(t, EnforcementStrict, true, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{
		"action":  "complete",
		"task_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	body := errorBody(t, decoded)
	assert.Equal(t, "MISSING_REQUIRED_PARAM", body["code"])
	meta, ok := body["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"completion_summary"}, meta["missing"])
	assert.NotEmpty(t, meta["example"])
}

func TestDispatchStrictAllowsCompliantCall(t *testing.T) {
	server := newTestServer(t, EnforcementStrict, true, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{
		"action":             "complete",
		"task_id":            uuid.NewString(),
		"completion_summary": "done with tests",
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, true, decoded["success"])
	data, ok := decoded["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "task")
}

func TestDispatchWarningMergesHintsIntoResponse(t *testing.T) {
	server := newTestServer(t, EnforcementWarning, true, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{
		"action":  "complete",
		"task_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	hints, ok := decoded["hints"].(map[string]interface{})
	require.True(t, ok)
	required, ok := hints["required_actions"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, required[0], "completion_summary")
}

func TestDispatchMapsDomainErrors(t *testing.T) {
	token := signTestToken(t, testUserID)
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid transition", &services.InvalidTransitionError{From: models.TaskStatusBlocked, To: models.TaskStatusDone}, http.StatusConflict, "INVALID_TRANSITION"},
		{"completion blocked", &services.CompletionBlockedError{TaskID: uuid.New(), Blockers: []string{"subtask:x:status=todo"}}, http.StatusConflict, "COMPLETION_BLOCKED"},
		{"not found", types.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"transient", types.ErrTransient, http.StatusServiceUnavailable, "TRANSIENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, EnforcementDisabled, true, &stubTasks{err: tc.err})
			recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{
				"action":  "complete",
				"task_id": uuid.NewString(),
			})
			assert.Equal(t, tc.wantStatus, recorder.Code)
			assert.Equal(t, tc.wantCode, errorBody(t, decoded)["code"])
		})
	}
}

func TestDispatchLegacyEnvelopeWhenOptimizationDisabled(t *testing.T) {
	server := newTestServer(t, EnforcementDisabled, false, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{
		"action":  "get",
		"task_id": uuid.NewString(),
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "ok", decoded["status"])
	assert.Equal(t, "task.get", decoded["operation_id"])
	assert.Contains(t, decoded, "confirmation")
	assert.Contains(t, decoded, "timestamp")
	assert.NotContains(t, decoded, "data")
}

func TestDispatchMinimalEnvelopeForListActions(t *testing.T) {
	server := newTestServer(t, EnforcementDisabled, true, &stubTasks{task: sampleTask()})
	token := signTestToken(t, testUserID)
	recorder, decoded := postCommand(t, server, "/mcp/manage_task", token, map[string]interface{}{"action": "list"})
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, true, decoded["success"])
	assert.Contains(t, decoded, "data")
	assert.NotContains(t, decoded, "meta")
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, EnforcementWarning, true, &stubTasks{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "healthy")
}
