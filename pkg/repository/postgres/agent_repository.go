package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
)

type agentRepository struct {
	*BaseRepository
}

// NewAgentRepository creates an agent repository
func NewAgentRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.AgentRepository {
	return &agentRepository{
		BaseRepository: NewBaseRepository("agent_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *agentRepository) Create(ctx context.Context, agent *models.Agent) error {
	ctx, span := r.tracer(ctx, "AgentRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "agent_create", func(ctx context.Context) error {
		if agent.ID == uuid.Nil {
			agent.ID = uuid.New()
		}
		now := time.Now().UTC()
		agent.CreatedAt = now
		agent.UpdatedAt = now
		if agent.Capabilities == nil {
			agent.Capabilities = models.JSONMap{}
		}

		query := `
			INSERT INTO agents (id, owner_user_id, name, role, description, capabilities, created_at, updated_at)
			VALUES (:id, :owner_user_id, :name, :role, :description, :capabilities, :created_at, :updated_at)`
		_, err := r.writeDB.NamedExecContext(ctx, query, agent)
		return classifyAndWrap(err, "failed to create agent")
	})
}

func (r *agentRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.GetByID")
	defer span.End()

	var agent models.Agent
	err := r.ExecuteWithRetry(ctx, "agent_get", func(ctx context.Context) error {
		query := `SELECT * FROM agents WHERE id = $1 AND owner_user_id = $2`
		return classifyAndWrap(r.readDB.GetContext(ctx, &agent, query, id, userID), "failed to get agent")
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) GetByRole(ctx context.Context, userID string, role string) (*models.Agent, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.GetByRole")
	defer span.End()

	var agent models.Agent
	err := r.ExecuteWithRetry(ctx, "agent_get_by_role", func(ctx context.Context) error {
		query := `SELECT * FROM agents WHERE role = $1 AND owner_user_id = $2`
		return classifyAndWrap(r.readDB.GetContext(ctx, &agent, query, role, userID), "failed to get agent by role")
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.Delete")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "agent_delete", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			// Unassign from any branches first
			if _, err := tx.ExecContext(ctx, `
				UPDATE branches SET assigned_agent_id = NULL
				WHERE assigned_agent_id = $1 AND owner_user_id = $2`, id, userID); err != nil {
				return classifyAndWrap(err, "failed to unassign agent from branches")
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM agents WHERE id = $1 AND owner_user_id = $2`, id, userID)
			if err != nil {
				return classifyAndWrap(err, "failed to delete agent")
			}
			affected, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *agentRepository) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int64, error) {
	ctx, span := r.tracer(ctx, "AgentRepository.List")
	defer span.End()

	limit, offset = normalizePage(limit, offset)

	var total int64
	agents := []*models.Agent{}
	err := r.ExecuteWithRetry(ctx, "agent_list", func(ctx context.Context) error {
		if err := r.readDB.GetContext(ctx, &total,
			`SELECT COUNT(*) FROM agents WHERE owner_user_id = $1`, userID); err != nil {
			return classifyAndWrap(err, "failed to count agents")
		}
		if limit == 0 {
			return nil
		}
		query := `SELECT * FROM agents WHERE owner_user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
		return classifyAndWrap(r.readDB.SelectContext(ctx, &agents, query, userID, limit, offset), "failed to list agents")
	})
	if err != nil {
		return nil, 0, err
	}
	return agents, total, nil
}
