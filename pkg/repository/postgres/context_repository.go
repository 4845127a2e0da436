package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type contextRepository struct {
	*BaseRepository
}

// NewContextRepository creates a context repository. All four tiers share
// one table keyed by (level, context_id); the global tier stores the user
// id as its context id.
func NewContextRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.ContextRepository {
	return &contextRepository{
		BaseRepository: NewBaseRepository("context_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *contextRepository) Create(ctx context.Context, c *models.Context) error {
	ctx, span := r.tracer(ctx, "ContextRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "context_create", func(ctx context.Context) error {
		now := time.Now().UTC()
		c.CreatedAt = now
		c.UpdatedAt = now
		c.Version = 1
		if c.Data == nil {
			c.Data = models.JSONMap{}
		}
		if c.Overrides == nil {
			c.Overrides = models.JSONMap{}
		}

		query := `
			INSERT INTO contexts (level, context_id, owner_user_id, parent_id, data, overrides, inherits_from_global, version, created_at, updated_at)
			VALUES (:level, :context_id, :owner_user_id, :parent_id, :data, :overrides, :inherits_from_global, :version, :created_at, :updated_at)`
		_, err := r.writeDB.NamedExecContext(ctx, query, c)
		return classifyAndWrap(err, "failed to create context")
	})
}

func (r *contextRepository) Get(ctx context.Context, userID string, level models.ContextLevel, contextID string) (*models.Context, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.Get")
	defer span.End()

	var c models.Context
	err := r.ExecuteWithRetry(ctx, "context_get", func(ctx context.Context) error {
		query := `SELECT * FROM contexts WHERE level = $1 AND context_id = $2 AND owner_user_id = $3`
		return classifyAndWrap(r.readDB.GetContext(ctx, &c, query, level, contextID, userID), "failed to get context")
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Update increments the version. When expectedVersion > 0 the write only
// lands if the stored version matches; a mismatch returns
// ErrOptimisticLock annotated with the current version.
func (r *contextRepository) Update(ctx context.Context, c *models.Context, expectedVersion int) error {
	ctx, span := r.tracer(ctx, "ContextRepository.Update")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "context_update", func(ctx context.Context) error {
		c.UpdatedAt = time.Now().UTC()
		query := `
			UPDATE contexts
			SET data = :data, overrides = :overrides,
			    inherits_from_global = :inherits_from_global,
			    version = version + 1, updated_at = :updated_at
			WHERE level = :level AND context_id = :context_id AND owner_user_id = :owner_user_id`
		params := map[string]interface{}{
			"level":                c.Level,
			"context_id":           c.ContextID,
			"owner_user_id":        c.OwnerUserID,
			"data":                 c.Data,
			"overrides":            c.Overrides,
			"inherits_from_global": c.InheritsFromGlobal,
			"updated_at":           c.UpdatedAt,
		}
		if expectedVersion > 0 {
			query += ` AND version = :expected_version`
			params["expected_version"] = expectedVersion
		}
		res, err := r.writeDB.NamedExecContext(ctx, query, params)
		if err != nil {
			return classifyAndWrap(err, "failed to update context")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return classifyAndWrap(err, "failed to read affected rows")
		}
		if affected == 0 {
			var current int
			err := r.readDB.GetContext(ctx, &current,
				`SELECT version FROM contexts WHERE level = $1 AND context_id = $2 AND owner_user_id = $3`,
				c.Level, c.ContextID, c.OwnerUserID)
			if err != nil {
				return types.ErrNotFound
			}
			return types.ErrOptimisticLock.WithCurrentVersion(current)
		}
		c.Version++
		return nil
	})
}

func (r *contextRepository) Delete(ctx context.Context, userID string, level models.ContextLevel, contextID string) (int64, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.Delete")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "context_delete", func(ctx context.Context) error {
		res, err := r.writeDB.ExecContext(ctx,
			`DELETE FROM contexts WHERE level = $1 AND context_id = $2 AND owner_user_id = $3`,
			level, contextID, userID)
		if err != nil {
			return classifyAndWrap(err, "failed to delete context")
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *contextRepository) List(ctx context.Context, userID string, level models.ContextLevel, filter models.ContextFilter) ([]*models.Context, int64, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.List")
	defer span.End()

	limit, offset := normalizePage(filter.Limit, filter.Offset)

	where := `WHERE level = ? AND owner_user_id = ?`
	args := []interface{}{level, userID}
	if filter.ParentID != "" {
		where += ` AND parent_id = ?`
		args = append(args, filter.ParentID)
	}

	var total int64
	contexts := []*models.Context{}
	err := r.ExecuteWithRetry(ctx, "context_list", func(ctx context.Context) error {
		countQuery := r.readDB.Rebind(`SELECT COUNT(*) FROM contexts ` + where)
		if err := r.readDB.GetContext(ctx, &total, countQuery, args...); err != nil {
			return classifyAndWrap(err, "failed to count contexts")
		}
		if limit == 0 {
			return nil
		}
		query := r.readDB.Rebind(`SELECT * FROM contexts ` + where +
			` ORDER BY created_at DESC, context_id DESC LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset))
		return classifyAndWrap(r.readDB.SelectContext(ctx, &contexts, query, args...), "failed to list contexts")
	})
	if err != nil {
		return nil, 0, err
	}
	return contexts, total, nil
}

func (r *contextRepository) ListChildren(ctx context.Context, userID string, level models.ContextLevel, parentID string) ([]*models.Context, error) {
	ctx, span := r.tracer(ctx, "ContextRepository.ListChildren")
	defer span.End()

	children := []*models.Context{}
	err := r.ExecuteWithRetry(ctx, "context_list_children", func(ctx context.Context) error {
		return classifyAndWrap(r.readDB.SelectContext(ctx, &children, `
			SELECT * FROM contexts
			WHERE level = $1 AND parent_id = $2 AND owner_user_id = $3
			ORDER BY context_id`, level, parentID, userID), "failed to list child contexts")
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}
