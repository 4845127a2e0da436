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

func TestAgentRegister(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	agent, err := env.agents.Register(ctx, testUser, &models.Agent{Name: "Coder", Role: "coding-agent"})
	require.NoError(t, err)
	assert.Equal(t, testUser, agent.OwnerUserID)

	var verr *ValidationError
	_, err = env.agents.Register(ctx, testUser, &models.Agent{Role: "x"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	// One agent per role per user
	_, err = env.agents.Register(ctx, testUser, &models.Agent{Name: "Other", Role: "coding-agent"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestAgentRegisterReplayWithSameIDSucceeds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	id := uuid.New()

	first, err := env.agents.Register(ctx, testUser, &models.Agent{ID: id, Name: "Coder", Role: "coding-agent"})
	require.NoError(t, err)

	replayed, err := env.agents.Register(ctx, testUser, &models.Agent{ID: id, Name: "Coder", Role: "coding-agent"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replayed.ID)

	_, err = env.agents.Register(ctx, testUser, &models.Agent{ID: id, Name: "Renamed", Role: "coding-agent"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestAgentAssignAndUnassign(t *testing.T) {
	env := newTestEnv()
	branch := env.seedBranch(testUser, env.seedProject(testUser).ID)
	ctx := context.Background()

	agent, err := env.agents.Register(ctx, testUser, &models.Agent{Name: "Coder", Role: "coding-agent"})
	require.NoError(t, err)

	assigned, err := env.agents.AssignToBranch(ctx, testUser, agent.ID, branch.ID)
	require.NoError(t, err)
	require.NotNil(t, assigned.AssignedAgentID)
	assert.Equal(t, agent.ID, *assigned.AssignedAgentID)

	cleared, err := env.agents.Unassign(ctx, testUser, branch.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.AssignedAgentID)
}

func TestAgentResolveRoleReadsRegistry(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	agent, err := env.agents.Register(ctx, testUser, &models.Agent{
		Name:         "Researcher",
		Role:         "research-agent",
		Capabilities: models.JSONMap{"prompt": "dig into prior art"},
	})
	require.NoError(t, err)

	catalog, ok := env.agents.(AgentCatalog)
	require.True(t, ok)
	descriptor, err := catalog.ResolveRole(ctx, testUser, "research-agent")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, descriptor.ID)
	assert.Equal(t, "dig into prior art", descriptor.Prompt)

	_, err = catalog.ResolveRole(ctx, testUser, "missing-agent")
	assert.True(t, types.IsNotFound(err))
}
