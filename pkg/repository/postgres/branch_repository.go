package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type branchRepository struct {
	*BaseRepository
}

// NewBranchRepository creates a branch repository
func NewBranchRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.BranchRepository {
	return &branchRepository{
		BaseRepository: NewBaseRepository("branch_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *branchRepository) Create(ctx context.Context, branch *models.Branch) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "branch_create", func(ctx context.Context) error {
		if branch.ID == uuid.Nil {
			branch.ID = uuid.New()
		}
		now := time.Now().UTC()
		branch.CreatedAt = now
		branch.UpdatedAt = now

		query := `
			INSERT INTO branches (id, project_id, owner_user_id, name, description, assigned_agent_id, created_at, updated_at)
			VALUES (:id, :project_id, :owner_user_id, :name, :description, :assigned_agent_id, :created_at, :updated_at)`
		_, err := r.writeDB.NamedExecContext(ctx, query, branch)
		return classifyAndWrap(err, "failed to create branch")
	})
}

func (r *branchRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Branch, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.GetByID")
	defer span.End()

	var branch models.Branch
	err := r.ExecuteWithRetry(ctx, "branch_get", func(ctx context.Context) error {
		query := `SELECT * FROM branches WHERE id = $1 AND owner_user_id = $2`
		return classifyAndWrap(r.readDB.GetContext(ctx, &branch, query, id, userID), "failed to get branch")
	})
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

func (r *branchRepository) Update(ctx context.Context, branch *models.Branch) error {
	ctx, span := r.tracer(ctx, "BranchRepository.Update")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "branch_update", func(ctx context.Context) error {
		branch.UpdatedAt = time.Now().UTC()
		query := `
			UPDATE branches
			SET name = :name, description = :description,
			    assigned_agent_id = :assigned_agent_id, updated_at = :updated_at
			WHERE id = :id AND owner_user_id = :owner_user_id`
		res, err := r.writeDB.NamedExecContext(ctx, query, branch)
		if err != nil {
			return classifyAndWrap(err, "failed to update branch")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return classifyAndWrap(err, "failed to read affected rows")
		}
		if affected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

// Delete removes the branch and everything under it, in the same cascade
// order the project delete uses for the task subtree.
func (r *branchRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.Delete")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "branch_delete", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			const taskScope = `SELECT id FROM tasks WHERE branch_id = $1 AND owner_user_id = $2`
			steps := []string{
				`DELETE FROM subtasks WHERE task_id IN (` + taskScope + `)`,
				`DELETE FROM task_dependencies WHERE task_id IN (` + taskScope + `) OR depends_on_task_id IN (` + taskScope + `)`,
				`DELETE FROM task_labels WHERE task_id IN (` + taskScope + `)`,
				`DELETE FROM task_assignees WHERE task_id IN (` + taskScope + `)`,
				`DELETE FROM contexts WHERE level = 'task' AND context_id IN (SELECT id::text FROM tasks WHERE branch_id = $1 AND owner_user_id = $2)`,
				`DELETE FROM tasks WHERE branch_id = $1 AND owner_user_id = $2`,
				`DELETE FROM contexts WHERE level = 'branch' AND context_id = $1::text AND owner_user_id = $2`,
			}
			for _, step := range steps {
				if _, err := tx.ExecContext(ctx, step, id, userID); err != nil {
					return classifyAndWrap(err, "failed to cascade branch delete")
				}
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE id = $1 AND owner_user_id = $2`, id, userID)
			if err != nil {
				return classifyAndWrap(err, "failed to delete branch")
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

func (r *branchRepository) List(ctx context.Context, userID string, projectID *uuid.UUID, limit, offset int) ([]*models.Branch, int64, error) {
	ctx, span := r.tracer(ctx, "BranchRepository.List")
	defer span.End()

	limit, offset = normalizePage(limit, offset)

	where := `WHERE owner_user_id = $1`
	args := []interface{}{userID}
	if projectID != nil {
		where += ` AND project_id = $2`
		args = append(args, *projectID)
	}

	var total int64
	branches := []*models.Branch{}
	err := r.ExecuteWithRetry(ctx, "branch_list", func(ctx context.Context) error {
		if err := r.readDB.GetContext(ctx, &total, `SELECT COUNT(*) FROM branches `+where, args...); err != nil {
			return classifyAndWrap(err, "failed to count branches")
		}
		if limit == 0 {
			return nil
		}
		query := `SELECT * FROM branches ` + where +
			` ORDER BY created_at DESC, id DESC` +
			` LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset)
		return classifyAndWrap(r.readDB.SelectContext(ctx, &branches, query, args...), "failed to list branches")
	})
	if err != nil {
		return nil, 0, err
	}
	return branches, total, nil
}
