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

type delegationRepository struct {
	*BaseRepository
}

// NewDelegationRepository creates a delegation request repository
func NewDelegationRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.DelegationRepository {
	return &delegationRepository{
		BaseRepository: NewBaseRepository("delegation_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *delegationRepository) Create(ctx context.Context, d *models.DelegationRequest) error {
	ctx, span := r.tracer(ctx, "DelegationRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "delegation_create", func(ctx context.Context) error {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.CreatedAt = time.Now().UTC()
		d.Status = models.DelegationStatusPending
		if d.Payload == nil {
			d.Payload = models.JSONMap{}
		}

		query := `
			INSERT INTO delegation_requests (id, owner_user_id, source_level, source_id, target_level, target_id, payload, reason, status, created_at)
			VALUES (:id, :owner_user_id, :source_level, :source_id, :target_level, :target_id, :payload, :reason, :status, :created_at)`
		_, err := r.writeDB.NamedExecContext(ctx, query, d)
		return classifyAndWrap(err, "failed to create delegation request")
	})
}

func (r *delegationRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.DelegationRequest, error) {
	ctx, span := r.tracer(ctx, "DelegationRepository.GetByID")
	defer span.End()

	var d models.DelegationRequest
	err := r.ExecuteWithRetry(ctx, "delegation_get", func(ctx context.Context) error {
		query := `SELECT * FROM delegation_requests WHERE id = $1 AND owner_user_id = $2`
		return classifyAndWrap(r.readDB.GetContext(ctx, &d, query, id, userID), "failed to get delegation request")
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateStatus decides a pending request. Deciding an already-decided
// request returns ErrOptimisticLock.
func (r *delegationRepository) UpdateStatus(ctx context.Context, userID string, id uuid.UUID, status models.DelegationStatus) error {
	ctx, span := r.tracer(ctx, "DelegationRepository.UpdateStatus")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "delegation_update_status", func(ctx context.Context) error {
		res, err := r.writeDB.ExecContext(ctx, `
			UPDATE delegation_requests
			SET status = $1, decided_at = $2
			WHERE id = $3 AND owner_user_id = $4 AND status = 'pending'`,
			status, time.Now().UTC(), id, userID)
		if err != nil {
			return classifyAndWrap(err, "failed to update delegation status")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return classifyAndWrap(err, "failed to read affected rows")
		}
		if affected == 0 {
			var exists bool
			if err := r.readDB.GetContext(ctx, &exists,
				`SELECT EXISTS(SELECT 1 FROM delegation_requests WHERE id = $1 AND owner_user_id = $2)`,
				id, userID); err != nil {
				return classifyAndWrap(err, "failed to check delegation existence")
			}
			if exists {
				return types.ErrOptimisticLock
			}
			return types.ErrNotFound
		}
		return nil
	})
}

func (r *delegationRepository) List(ctx context.Context, userID string, status models.DelegationStatus, limit, offset int) ([]*models.DelegationRequest, int64, error) {
	ctx, span := r.tracer(ctx, "DelegationRepository.List")
	defer span.End()

	limit, offset = normalizePage(limit, offset)

	where := `WHERE owner_user_id = ?`
	args := []interface{}{userID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int64
	requests := []*models.DelegationRequest{}
	err := r.ExecuteWithRetry(ctx, "delegation_list", func(ctx context.Context) error {
		countQuery := r.readDB.Rebind(`SELECT COUNT(*) FROM delegation_requests ` + where)
		if err := r.readDB.GetContext(ctx, &total, countQuery, args...); err != nil {
			return classifyAndWrap(err, "failed to count delegation requests")
		}
		if limit == 0 {
			return nil
		}
		query := r.readDB.Rebind(`SELECT * FROM delegation_requests ` + where +
			` ORDER BY created_at DESC, id DESC LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset))
		return classifyAndWrap(r.readDB.SelectContext(ctx, &requests, query, args...), "failed to list delegation requests")
	})
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}
