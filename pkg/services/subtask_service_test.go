package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

func TestSubtaskCreateValidation(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())

	var verr *ValidationError
	_, err := env.subtasks.Create(context.Background(), testUser, &models.Subtask{TaskID: task.ID, Title: ""})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)

	_, err = env.subtasks.Create(context.Background(), testUser, &models.Subtask{TaskID: task.ID, Title: "x", ProgressPercentage: 120})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "progress_percentage", verr.Field)

	created, err := env.subtasks.Create(context.Background(), testUser, &models.Subtask{TaskID: task.ID, Title: "split schema"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, created.Status)
	assert.Equal(t, models.TaskPriorityMedium, created.Priority)
	assert.NotEqual(t, uuid.Nil, created.ID)
}

func TestSubtaskCreateReplayWithSameIDSucceeds(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())
	id := uuid.New()

	first, err := env.subtasks.Create(context.Background(), testUser, &models.Subtask{ID: id, TaskID: task.ID, Title: "split schema"})
	require.NoError(t, err)

	replayed, err := env.subtasks.Create(context.Background(), testUser, &models.Subtask{ID: id, TaskID: task.ID, Title: "split schema"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID)

	_, err = env.subtasks.Create(context.Background(), testUser, &models.Subtask{ID: id, TaskID: task.ID, Title: "merge schema"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestSubtaskCompleteForcesFullProgress(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())
	st := env.seedSubtask(testUser, task.ID, models.TaskStatusInProgress, 40)

	done, err := env.subtasks.Complete(context.Background(), testUser, st.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, done.Status)
	assert.Equal(t, 100, done.ProgressPercentage)

	// Completing again is a no-op
	again, err := env.subtasks.Complete(context.Background(), testUser, st.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, again.Status)
}

func TestSubtaskCompleteFromBlockedRejected(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())
	st := env.seedSubtask(testUser, task.ID, models.TaskStatusBlocked, 40)

	_, err := env.subtasks.Complete(context.Background(), testUser, st.ID)
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.TaskStatusBlocked, terr.From)
}

func TestSubtaskUpdateMonotonicProgressGuard(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())
	st := env.seedSubtask(testUser, task.ID, models.TaskStatusTodo, 50)

	status := models.TaskStatusInProgress
	lower := 20
	_, err := env.subtasks.Update(context.Background(), testUser, st.ID, nil, nil, &status, &lower)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "progress_percentage", verr.Field)

	// Without a status advance the progress may move freely
	updated, err := env.subtasks.Update(context.Background(), testUser, st.ID, nil, nil, nil, &lower)
	require.NoError(t, err)
	assert.Equal(t, 20, updated.ProgressPercentage)
}

func TestSubtaskStatusTransitionsUseTaskMachine(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())
	st := env.seedSubtask(testUser, task.ID, models.TaskStatusTodo, 0)

	status := models.TaskStatusReview
	_, err := env.subtasks.Update(context.Background(), testUser, st.ID, nil, nil, &status, nil)
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestSubtaskRollupAveragesProgressOntoTaskContext(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())

	_, err := env.subtasks.Create(context.Background(), testUser, &models.Subtask{TaskID: task.ID, Title: "a", ProgressPercentage: 30})
	require.NoError(t, err)
	_, err = env.subtasks.Create(context.Background(), testUser, &models.Subtask{TaskID: task.ID, Title: "b", ProgressPercentage: 70})
	require.NoError(t, err)

	data := env.contextData(models.ContextLevelTask, task.ID.String())
	require.NotNil(t, data)
	assert.Equal(t, 50, data["progress"])

	// Odd sums round to the nearest integer
	third, err := env.subtasks.Create(context.Background(), testUser, &models.Subtask{TaskID: task.ID, Title: "c", ProgressPercentage: 6})
	require.NoError(t, err)
	data = env.contextData(models.ContextLevelTask, task.ID.String())
	assert.Equal(t, 35, data["progress"]) // (30+70+6)/3 = 35.33

	_, err = env.subtasks.Delete(context.Background(), testUser, third.ID)
	require.NoError(t, err)
	data = env.contextData(models.ContextLevelTask, task.ID.String())
	assert.Equal(t, 50, data["progress"])
}

func TestSubtaskCompletionNeverCompletesParent(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	task := env.seedTask(testUser, branch.ID, models.TaskStatusInProgress, models.TaskPriorityMedium, time.Now())
	st := env.seedSubtask(testUser, task.ID, models.TaskStatusInProgress, 80)

	_, err := env.subtasks.Complete(context.Background(), testUser, st.ID)
	require.NoError(t, err)

	parent, err := env.tasks.Get(context.Background(), testUser, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, parent.Status)
	data := env.contextData(models.ContextLevelTask, task.ID.String())
	assert.Equal(t, 100, data["progress"])
}
