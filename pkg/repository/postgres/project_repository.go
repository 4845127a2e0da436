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

type projectRepository struct {
	*BaseRepository
}

// NewProjectRepository creates a project repository
func NewProjectRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.ProjectRepository {
	return &projectRepository{
		BaseRepository: NewBaseRepository("project_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "project_create", func(ctx context.Context) error {
		if project.ID == uuid.Nil {
			project.ID = uuid.New()
		}
		now := time.Now().UTC()
		project.CreatedAt = now
		project.UpdatedAt = now

		query := `
			INSERT INTO projects (id, owner_user_id, name, description, created_at, updated_at)
			VALUES (:id, :owner_user_id, :name, :description, :created_at, :updated_at)`
		_, err := r.writeDB.NamedExecContext(ctx, query, project)
		return classifyAndWrap(err, "failed to create project")
	})
}

func (r *projectRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Project, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.GetByID")
	defer span.End()

	var project models.Project
	err := r.ExecuteWithRetry(ctx, "project_get", func(ctx context.Context) error {
		query := `SELECT * FROM projects WHERE id = $1 AND owner_user_id = $2`
		return classifyAndWrap(r.readDB.GetContext(ctx, &project, query, id, userID), "failed to get project")
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) Update(ctx context.Context, project *models.Project) error {
	ctx, span := r.tracer(ctx, "ProjectRepository.Update")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "project_update", func(ctx context.Context) error {
		project.UpdatedAt = time.Now().UTC()
		query := `
			UPDATE projects
			SET name = :name, description = :description, updated_at = :updated_at
			WHERE id = :id AND owner_user_id = :owner_user_id`
		res, err := r.writeDB.NamedExecContext(ctx, query, project)
		if err != nil {
			return classifyAndWrap(err, "failed to update project")
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

// Delete removes the project and everything under it in the cascade order
// subtasks -> task_dependencies -> task_labels -> task_assignees ->
// contexts(task) -> tasks -> contexts(branch) -> branches ->
// contexts(project) -> project. The whole cascade commits or rolls back
// as one transaction.
func (r *projectRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.Delete")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "project_delete", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			affected, err = deleteProjectCascade(ctx, tx, userID, id)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func deleteProjectCascade(ctx context.Context, tx *sqlx.Tx, userID string, projectID uuid.UUID) (int64, error) {
	const taskScope = `
		SELECT t.id FROM tasks t
		JOIN branches b ON b.id = t.branch_id
		WHERE b.project_id = $1 AND t.owner_user_id = $2`

	steps := []string{
		`DELETE FROM subtasks WHERE task_id IN (` + taskScope + `)`,
		`DELETE FROM task_dependencies WHERE task_id IN (` + taskScope + `) OR depends_on_task_id IN (` + taskScope + `)`,
		`DELETE FROM task_labels WHERE task_id IN (` + taskScope + `)`,
		`DELETE FROM task_assignees WHERE task_id IN (` + taskScope + `)`,
		`DELETE FROM contexts WHERE level = 'task' AND context_id IN (SELECT id::text FROM tasks t JOIN branches b ON b.id = t.branch_id WHERE b.project_id = $1 AND t.owner_user_id = $2)`,
		`DELETE FROM tasks WHERE branch_id IN (SELECT id FROM branches WHERE project_id = $1) AND owner_user_id = $2`,
		`DELETE FROM contexts WHERE level = 'branch' AND context_id IN (SELECT id::text FROM branches WHERE project_id = $1 AND owner_user_id = $2)`,
		`DELETE FROM branches WHERE project_id = $1 AND owner_user_id = $2`,
		`DELETE FROM contexts WHERE level = 'project' AND context_id = $1::text AND owner_user_id = $2`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, projectID, userID); err != nil {
			return 0, classifyAndWrap(err, "failed to cascade project delete")
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1 AND owner_user_id = $2`, projectID, userID)
	if err != nil {
		return 0, classifyAndWrap(err, "failed to delete project")
	}
	return res.RowsAffected()
}

func (r *projectRepository) List(ctx context.Context, userID string, limit, offset int) ([]*models.Project, int64, error) {
	ctx, span := r.tracer(ctx, "ProjectRepository.List")
	defer span.End()

	limit, offset = normalizePage(limit, offset)

	var total int64
	projects := []*models.Project{}
	err := r.ExecuteWithRetry(ctx, "project_list", func(ctx context.Context) error {
		if err := r.readDB.GetContext(ctx, &total,
			`SELECT COUNT(*) FROM projects WHERE owner_user_id = $1`, userID); err != nil {
			return classifyAndWrap(err, "failed to count projects")
		}
		if limit == 0 {
			return nil
		}
		query := `
			SELECT * FROM projects
			WHERE owner_user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`
		return classifyAndWrap(r.readDB.SelectContext(ctx, &projects, query, userID, limit, offset), "failed to list projects")
	})
	if err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

// normalizePage clamps pagination to the documented bounds. A zero limit
// is honored as "count only".
func normalizePage(limit, offset int) (int, int) {
	if limit < 0 {
		limit = 0
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
