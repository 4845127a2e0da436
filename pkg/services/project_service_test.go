package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	project, err := env.projects.Create(ctx, testUser, &models.Project{Name: "checkout revamp"})
	require.NoError(t, err)
	assert.Equal(t, testUser, project.OwnerUserID)

	newName := "checkout revamp v2"
	updated, err := env.projects.Update(ctx, testUser, project.ID, &newName, nil)
	require.NoError(t, err)
	assert.Equal(t, newName, updated.Name)

	_, err = env.projects.Create(ctx, testUser, &models.Project{Name: "  "})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	affected, err := env.projects.Delete(ctx, testUser, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	_, err = env.projects.Get(ctx, testUser, project.ID)
	assert.True(t, types.IsNotFound(err))

	// Deleting again succeeds but touches nothing
	affected, err = env.projects.Delete(ctx, testUser, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestProjectCreateReplayWithSameIDSucceeds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	id := uuid.New()

	first, err := env.projects.Create(ctx, testUser, &models.Project{ID: id, Name: "checkout revamp"})
	require.NoError(t, err)

	replayed, err := env.projects.Create(ctx, testUser, &models.Project{ID: id, Name: "checkout revamp"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID)

	_, err = env.projects.Create(ctx, testUser, &models.Project{ID: id, Name: "something else"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestBranchCreateReplayWithSameIDSucceeds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	project := env.seedProject(testUser)
	id := uuid.New()

	first, err := env.branches.Create(ctx, testUser, &models.Branch{ID: id, ProjectID: project.ID, Name: "feature/auth"})
	require.NoError(t, err)

	replayed, err := env.branches.Create(ctx, testUser, &models.Branch{ID: id, ProjectID: project.ID, Name: "feature/auth"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID)

	_, err = env.branches.Create(ctx, testUser, &models.Branch{ID: id, ProjectID: project.ID, Name: "feature/other"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestProjectDeleteClearsContext(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	project, err := env.projects.Create(ctx, testUser, &models.Project{Name: "weekend hack"})
	require.NoError(t, err)
	_, err = env.contexts.Create(ctx, testUser, models.ContextLevelProject, project.ID.String(), models.JSONMap{"stack": "go"})
	require.NoError(t, err)

	_, err = env.projects.Delete(ctx, testUser, project.ID)
	require.NoError(t, err)
	assert.Nil(t, env.contextData(models.ContextLevelProject, project.ID.String()))
}

func TestBranchCreateRequiresProject(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	project := env.seedProject(testUser)

	branch, err := env.branches.Create(ctx, testUser, &models.Branch{ProjectID: project.ID, Name: "feature/auth"})
	require.NoError(t, err)
	assert.Equal(t, testUser, branch.OwnerUserID)

	_, err = env.branches.Create(ctx, testUser, &models.Branch{ProjectID: uuid.New(), Name: "orphan"})
	assert.True(t, types.IsNotFound(err))

	var verr *ValidationError
	_, err = env.branches.Create(ctx, testUser, &models.Branch{Name: "no project"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "project_id", verr.Field)
}

func TestBranchListFiltersByProject(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	first := env.seedProject(testUser)
	second := env.seedProject(testUser)
	env.seedBranch(testUser, first.ID)
	env.seedBranch(testUser, first.ID)
	env.seedBranch(testUser, second.ID)

	branches, total, err := env.branches.List(ctx, testUser, &first.ID, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, branches, 2)

	_, total, err = env.branches.List(ctx, testUser, nil, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}
