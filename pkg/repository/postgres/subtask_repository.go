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

type subtaskRepository struct {
	*BaseRepository
}

// NewSubtaskRepository creates a subtask repository
func NewSubtaskRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.SubtaskRepository {
	return &subtaskRepository{
		BaseRepository: NewBaseRepository("subtask_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *subtaskRepository) Create(ctx context.Context, subtask *models.Subtask) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "subtask_create", func(ctx context.Context) error {
		if subtask.ID == uuid.Nil {
			subtask.ID = uuid.New()
		}
		now := time.Now().UTC()
		subtask.CreatedAt = now
		subtask.UpdatedAt = now

		query := `
			INSERT INTO subtasks (id, task_id, owner_user_id, title, description, status, priority, progress_percentage, created_at, updated_at)
			VALUES (:id, :task_id, :owner_user_id, :title, :description, :status, :priority, :progress_percentage, :created_at, :updated_at)`
		_, err := r.writeDB.NamedExecContext(ctx, query, subtask)
		return classifyAndWrap(err, "failed to create subtask")
	})
}

func (r *subtaskRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Subtask, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.GetByID")
	defer span.End()

	var subtask models.Subtask
	err := r.ExecuteWithRetry(ctx, "subtask_get", func(ctx context.Context) error {
		query := `SELECT * FROM subtasks WHERE id = $1 AND owner_user_id = $2`
		return classifyAndWrap(r.readDB.GetContext(ctx, &subtask, query, id, userID), "failed to get subtask")
	})
	if err != nil {
		return nil, err
	}
	return &subtask, nil
}

func (r *subtaskRepository) Update(ctx context.Context, subtask *models.Subtask) error {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Update")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "subtask_update", func(ctx context.Context) error {
		subtask.UpdatedAt = time.Now().UTC()
		query := `
			UPDATE subtasks
			SET title = :title, description = :description, status = :status,
			    priority = :priority, progress_percentage = :progress_percentage,
			    updated_at = :updated_at
			WHERE id = :id AND owner_user_id = :owner_user_id`
		res, err := r.writeDB.NamedExecContext(ctx, query, subtask)
		if err != nil {
			return classifyAndWrap(err, "failed to update subtask")
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

func (r *subtaskRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.Delete")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "subtask_delete", func(ctx context.Context) error {
		res, err := r.writeDB.ExecContext(ctx,
			`DELETE FROM subtasks WHERE id = $1 AND owner_user_id = $2`, id, userID)
		if err != nil {
			return classifyAndWrap(err, "failed to delete subtask")
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *subtaskRepository) List(ctx context.Context, userID string, filter models.SubtaskFilter) ([]*models.Subtask, int64, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.List")
	defer span.End()

	limit, offset := normalizePage(filter.Limit, filter.Offset)

	where := `WHERE owner_user_id = ?`
	args := []interface{}{userID}
	if filter.TaskID != nil {
		where += ` AND task_id = ?`
		args = append(args, *filter.TaskID)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, filter.Status)
	}

	var total int64
	subtasks := []*models.Subtask{}
	err := r.ExecuteWithRetry(ctx, "subtask_list", func(ctx context.Context) error {
		countQuery := r.readDB.Rebind(`SELECT COUNT(*) FROM subtasks ` + where)
		if err := r.readDB.GetContext(ctx, &total, countQuery, args...); err != nil {
			return classifyAndWrap(err, "failed to count subtasks")
		}
		if limit == 0 {
			return nil
		}
		query := r.readDB.Rebind(`SELECT * FROM subtasks ` + where +
			` ORDER BY created_at DESC, id DESC LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset))
		return classifyAndWrap(r.readDB.SelectContext(ctx, &subtasks, query, args...), "failed to list subtasks")
	})
	if err != nil {
		return nil, 0, err
	}
	return subtasks, total, nil
}

func (r *subtaskRepository) CountByStatus(ctx context.Context, userID string, taskID uuid.UUID) (int64, int64, error) {
	ctx, span := r.tracer(ctx, "SubtaskRepository.CountByStatus")
	defer span.End()

	var counts struct {
		Total int64 `db:"total"`
		Done  int64 `db:"done"`
	}
	err := r.ExecuteWithRetry(ctx, "subtask_count_by_status", func(ctx context.Context) error {
		return classifyAndWrap(r.readDB.GetContext(ctx, &counts, `
			SELECT COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE status = 'done') AS done
			FROM subtasks WHERE task_id = $1 AND owner_user_id = $2`, taskID, userID), "failed to count subtasks by status")
	})
	if err != nil {
		return 0, 0, err
	}
	return counts.Total, counts.Done, nil
}
