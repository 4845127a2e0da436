package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/interfaces"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

type taskRepository struct {
	*BaseRepository
}

// NewTaskRepository creates a task repository
func NewTaskRepository(
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
) interfaces.TaskRepository {
	return &taskRepository{
		BaseRepository: NewBaseRepository("task_repository", writeDB, readDB, logger, tracer, metrics, DefaultBaseRepositoryConfig()),
	}
}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Create")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "task_create", func(ctx context.Context) error {
		if task.ID == uuid.Nil {
			task.ID = uuid.New()
		}
		now := time.Now().UTC()
		task.CreatedAt = now
		task.UpdatedAt = now
		if task.ProgressHistory == nil {
			task.ProgressHistory = models.JSONMap{}
		}

		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			query := `
				INSERT INTO tasks (
					id, branch_id, owner_user_id, title, description, status, priority,
					due_date, estimated_effort, context_id, progress_history, progress_count,
					created_at, updated_at
				) VALUES (
					:id, :branch_id, :owner_user_id, :title, :description, :status, :priority,
					:due_date, :estimated_effort, :context_id, :progress_history, :progress_count,
					:created_at, :updated_at
				)`
			if _, err := tx.NamedExecContext(ctx, query, task); err != nil {
				return classifyAndWrap(err, "failed to create task")
			}
			if err := setAssigneesTx(ctx, tx, task.ID, task.AssigneeIDs); err != nil {
				return err
			}
			return setLabelsTx(ctx, tx, task.ID, task.Labels)
		})
	})
}

func (r *taskRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.GetByID")
	defer span.End()

	var task models.Task
	err := r.ExecuteWithRetry(ctx, "task_get", func(ctx context.Context) error {
		query := `SELECT * FROM tasks WHERE id = $1 AND owner_user_id = $2`
		if err := r.readDB.GetContext(ctx, &task, query, id, userID); err != nil {
			return classifyAndWrap(err, "failed to get task")
		}
		return r.loadAssociations(ctx, userID, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) loadAssociations(ctx context.Context, userID string, task *models.Task) error {
	task.AssigneeIDs = []string{}
	if err := r.readDB.SelectContext(ctx, &task.AssigneeIDs,
		`SELECT assignee_id FROM task_assignees WHERE task_id = $1 ORDER BY assignee_id`, task.ID); err != nil {
		return classifyAndWrap(err, "failed to load assignees")
	}
	task.LabelIDs = []uuid.UUID{}
	task.Labels = []string{}
	rows, err := r.readDB.QueryxContext(ctx, `
		SELECT l.id, l.name FROM labels l
		JOIN task_labels tl ON tl.label_id = l.id
		WHERE tl.task_id = $1 ORDER BY l.name`, task.ID)
	if err != nil {
		return classifyAndWrap(err, "failed to load labels")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id uuid.UUID
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return classifyAndWrap(err, "failed to scan label")
		}
		task.LabelIDs = append(task.LabelIDs, id)
		task.Labels = append(task.Labels, name)
	}
	task.DependsOn = []uuid.UUID{}
	if err := r.readDB.SelectContext(ctx, &task.DependsOn, `
		SELECT td.depends_on_task_id FROM task_dependencies td
		JOIN tasks dep ON dep.id = td.depends_on_task_id
		WHERE td.task_id = $1 AND dep.owner_user_id = $2
		ORDER BY td.depends_on_task_id`, task.ID, userID); err != nil {
		return classifyAndWrap(err, "failed to load dependencies")
	}
	return nil
}

// Update writes scalar columns guarded by the updated_at the caller loaded.
// A mismatch means someone else won the race.
func (r *taskRepository) Update(ctx context.Context, task *models.Task) error {
	ctx, span := r.tracer(ctx, "TaskRepository.Update")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "task_update", func(ctx context.Context) error {
		loadedAt := task.UpdatedAt
		task.UpdatedAt = time.Now().UTC()
		query := `
			UPDATE tasks
			SET title = :title, description = :description, status = :status,
			    priority = :priority, due_date = :due_date,
			    estimated_effort = :estimated_effort, context_id = :context_id,
			    progress_history = :progress_history, progress_count = :progress_count,
			    updated_at = :updated_at
			WHERE id = :id AND owner_user_id = :owner_user_id
			  AND date_trunc('microseconds', updated_at) = date_trunc('microseconds', :loaded_at)`
		params := map[string]interface{}{
			"id":               task.ID,
			"owner_user_id":    task.OwnerUserID,
			"title":            task.Title,
			"description":      task.Description,
			"status":           task.Status,
			"priority":         task.Priority,
			"due_date":         task.DueDate,
			"estimated_effort": task.EstimatedEffort,
			"context_id":       task.ContextID,
			"progress_history": task.ProgressHistory,
			"progress_count":   task.ProgressCount,
			"updated_at":       task.UpdatedAt,
			"loaded_at":        loadedAt,
		}
		res, err := r.writeDB.NamedExecContext(ctx, query, params)
		if err != nil {
			task.UpdatedAt = loadedAt
			return classifyAndWrap(err, "failed to update task")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return classifyAndWrap(err, "failed to read affected rows")
		}
		if affected == 0 {
			task.UpdatedAt = loadedAt
			// Distinguish a stale row from a missing one
			var exists bool
			if err := r.readDB.GetContext(ctx, &exists,
				`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1 AND owner_user_id = $2)`,
				task.ID, task.OwnerUserID); err != nil {
				return classifyAndWrap(err, "failed to check task existence")
			}
			if exists {
				return types.ErrOptimisticLock
			}
			return types.ErrNotFound
		}
		return nil
	})
}

func (r *taskRepository) Delete(ctx context.Context, userID string, id uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.Delete")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "task_delete", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			affected, err = deleteTasksTx(ctx, tx, userID, []uuid.UUID{id})
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *taskRepository) BulkDelete(ctx context.Context, userID string, ids []uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.BulkDelete")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}
	var affected int64
	err := r.ExecuteWithRetry(ctx, "task_bulk_delete", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			affected, err = deleteTasksTx(ctx, tx, userID, ids)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func deleteTasksTx(ctx context.Context, tx *sqlx.Tx, userID string, ids []uuid.UUID) (int64, error) {
	idArray := pq.Array(ids)
	// Restrict to rows the caller owns before touching child tables
	owned := []uuid.UUID{}
	if err := tx.SelectContext(ctx, &owned,
		`SELECT id FROM tasks WHERE id = ANY($1) AND owner_user_id = $2`, idArray, userID); err != nil {
		return 0, classifyAndWrap(err, "failed to scope task delete")
	}
	if len(owned) == 0 {
		return 0, nil
	}
	ownedArray := pq.Array(owned)
	steps := []string{
		`DELETE FROM subtasks WHERE task_id = ANY($1)`,
		`DELETE FROM task_dependencies WHERE task_id = ANY($1) OR depends_on_task_id = ANY($1)`,
		`DELETE FROM task_labels WHERE task_id = ANY($1)`,
		`DELETE FROM task_assignees WHERE task_id = ANY($1)`,
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step, ownedArray); err != nil {
			return 0, classifyAndWrap(err, "failed to cascade task delete")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM contexts WHERE level = 'task' AND owner_user_id = $2 AND context_id IN (SELECT unnest($1::uuid[])::text)`,
		ownedArray, userID); err != nil {
		return 0, classifyAndWrap(err, "failed to delete task contexts")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, ownedArray)
	if err != nil {
		return 0, classifyAndWrap(err, "failed to delete tasks")
	}
	return res.RowsAffected()
}

func buildTaskWhere(userID string, filter models.TaskFilter) (string, []interface{}) {
	where := `WHERE t.owner_user_id = ?`
	args := []interface{}{userID}
	if filter.BranchID != nil {
		where += ` AND t.branch_id = ?`
		args = append(args, *filter.BranchID)
	}
	if filter.Status != "" {
		where += ` AND t.status = ?`
		args = append(args, filter.Status)
	}
	if filter.Priority != "" {
		where += ` AND t.priority = ?`
		args = append(args, filter.Priority)
	}
	if filter.AssigneeID != "" {
		where += ` AND EXISTS (SELECT 1 FROM task_assignees ta WHERE ta.task_id = t.id AND ta.assignee_id = ?)`
		args = append(args, filter.AssigneeID)
	}
	if filter.Label != "" {
		where += ` AND EXISTS (SELECT 1 FROM task_labels tl JOIN labels l ON l.id = tl.label_id WHERE tl.task_id = t.id AND l.name = ?)`
		args = append(args, filter.Label)
	}
	if filter.Query != "" {
		where += ` AND (t.title ILIKE ? OR t.description ILIKE ?)`
		pattern := "%" + filter.Query + "%"
		args = append(args, pattern, pattern)
	}
	return where, args
}

func (r *taskRepository) list(ctx context.Context, operation, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	limit, offset := normalizePage(filter.Limit, filter.Offset)
	where, args := buildTaskWhere(userID, filter)

	var total int64
	tasks := []*models.Task{}
	err := r.ExecuteWithRetry(ctx, operation, func(ctx context.Context) error {
		countQuery := r.readDB.Rebind(`SELECT COUNT(*) FROM tasks t ` + where)
		if err := r.readDB.GetContext(ctx, &total, countQuery, args...); err != nil {
			return classifyAndWrap(err, "failed to count tasks")
		}
		if limit == 0 {
			return nil
		}
		query := r.readDB.Rebind(`SELECT t.* FROM tasks t ` + where +
			` ORDER BY t.created_at DESC, t.id DESC LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset))
		if err := r.readDB.SelectContext(ctx, &tasks, query, args...); err != nil {
			return classifyAndWrap(err, "failed to list tasks")
		}
		for _, task := range tasks {
			if err := r.loadAssociations(ctx, userID, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (r *taskRepository) List(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.List")
	defer span.End()
	filter.Query = ""
	return r.list(ctx, "task_list", userID, filter)
}

func (r *taskRepository) Search(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.Task, int64, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.Search")
	defer span.End()
	return r.list(ctx, "task_search", userID, filter)
}

// ListMinimal skips association loading and returns scalar columns plus
// relationship counts in a single query.
func (r *taskRepository) ListMinimal(ctx context.Context, userID string, filter models.TaskFilter) ([]*models.TaskSummary, int64, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.ListMinimal")
	defer span.End()

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	filter.Query = ""
	where, args := buildTaskWhere(userID, filter)

	var total int64
	summaries := []*models.TaskSummary{}
	err := r.ExecuteWithRetry(ctx, "task_list_minimal", func(ctx context.Context) error {
		countQuery := r.readDB.Rebind(`SELECT COUNT(*) FROM tasks t ` + where)
		if err := r.readDB.GetContext(ctx, &total, countQuery, args...); err != nil {
			return classifyAndWrap(err, "failed to count tasks")
		}
		if limit == 0 {
			return nil
		}
		query := r.readDB.Rebind(`
			SELECT t.id, t.branch_id, t.title, t.status, t.priority, t.created_at, t.updated_at,
			       (SELECT COUNT(*) FROM subtasks s WHERE s.task_id = t.id) AS subtask_count,
			       (SELECT COUNT(*) FROM task_assignees ta WHERE ta.task_id = t.id) AS assignee_count,
			       (SELECT COUNT(*) FROM task_dependencies td WHERE td.task_id = t.id) AS dependency_count
			FROM tasks t ` + where +
			` ORDER BY t.created_at DESC, t.id DESC LIMIT ` + itoa(limit) + ` OFFSET ` + itoa(offset))
		return classifyAndWrap(r.readDB.SelectContext(ctx, &summaries, query, args...), "failed to list task summaries")
	})
	if err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

func (r *taskRepository) AddDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "TaskRepository.AddDependency")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "task_add_dependency", func(ctx context.Context) error {
		// Both endpoints must belong to the caller
		var count int
		if err := r.readDB.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM tasks WHERE id IN ($1, $2) AND owner_user_id = $3`,
			taskID, dependsOnTaskID, userID); err != nil {
			return classifyAndWrap(err, "failed to verify dependency endpoints")
		}
		if count != 2 {
			return types.ErrNotFound
		}
		_, err := r.writeDB.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES ($1, $2)`,
			taskID, dependsOnTaskID)
		return classifyAndWrap(err, "failed to add dependency")
	})
}

func (r *taskRepository) RemoveDependency(ctx context.Context, userID string, taskID, dependsOnTaskID uuid.UUID) (int64, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.RemoveDependency")
	defer span.End()

	var affected int64
	err := r.ExecuteWithRetry(ctx, "task_remove_dependency", func(ctx context.Context) error {
		res, err := r.writeDB.ExecContext(ctx, `
			DELETE FROM task_dependencies td
			USING tasks t
			WHERE td.task_id = $1 AND td.depends_on_task_id = $2
			  AND t.id = td.task_id AND t.owner_user_id = $3`,
			taskID, dependsOnTaskID, userID)
		if err != nil {
			return classifyAndWrap(err, "failed to remove dependency")
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *taskRepository) GetDependencyEdges(ctx context.Context, userID string) ([]models.TaskDependency, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.GetDependencyEdges")
	defer span.End()

	edges := []models.TaskDependency{}
	err := r.ExecuteWithRetry(ctx, "task_dependency_edges", func(ctx context.Context) error {
		return classifyAndWrap(r.readDB.SelectContext(ctx, &edges, `
			SELECT td.task_id, td.depends_on_task_id
			FROM task_dependencies td
			JOIN tasks t ON t.id = td.task_id
			WHERE t.owner_user_id = $1`, userID), "failed to load dependency edges")
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *taskRepository) GetDependencies(ctx context.Context, userID string, taskID uuid.UUID) ([]*models.Task, error) {
	ctx, span := r.tracer(ctx, "TaskRepository.GetDependencies")
	defer span.End()

	deps := []*models.Task{}
	err := r.ExecuteWithRetry(ctx, "task_get_dependencies", func(ctx context.Context) error {
		return classifyAndWrap(r.readDB.SelectContext(ctx, &deps, `
			SELECT dep.* FROM tasks dep
			JOIN task_dependencies td ON td.depends_on_task_id = dep.id
			WHERE td.task_id = $1 AND dep.owner_user_id = $2
			ORDER BY dep.created_at DESC, dep.id DESC`, taskID, userID), "failed to load dependencies")
	})
	if err != nil {
		return nil, err
	}
	return deps, nil
}

func (r *taskRepository) SetAssignees(ctx context.Context, userID string, taskID uuid.UUID, assigneeIDs []string) error {
	ctx, span := r.tracer(ctx, "TaskRepository.SetAssignees")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "task_set_assignees", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			if err := verifyTaskOwnedTx(ctx, tx, userID, taskID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id = $1`, taskID); err != nil {
				return classifyAndWrap(err, "failed to clear assignees")
			}
			return setAssigneesTx(ctx, tx, taskID, assigneeIDs)
		})
	})
}

func (r *taskRepository) SetLabels(ctx context.Context, userID string, taskID uuid.UUID, labels []string) error {
	ctx, span := r.tracer(ctx, "TaskRepository.SetLabels")
	defer span.End()

	return r.ExecuteWithRetry(ctx, "task_set_labels", func(ctx context.Context) error {
		return r.InTx(ctx, func(tx *sqlx.Tx) error {
			if err := verifyTaskOwnedTx(ctx, tx, userID, taskID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_labels WHERE task_id = $1`, taskID); err != nil {
				return classifyAndWrap(err, "failed to clear labels")
			}
			return setLabelsTx(ctx, tx, taskID, labels)
		})
	})
}

func verifyTaskOwnedTx(ctx context.Context, tx *sqlx.Tx, userID string, taskID uuid.UUID) error {
	var exists bool
	err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1 AND owner_user_id = $2)`, taskID, userID)
	if err != nil {
		return classifyAndWrap(err, "failed to verify task ownership")
	}
	if !exists {
		return types.ErrNotFound
	}
	return nil
}

func setAssigneesTx(ctx context.Context, tx *sqlx.Tx, taskID uuid.UUID, assigneeIDs []string) error {
	for _, assigneeID := range assigneeIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_assignees (task_id, assignee_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, taskID, assigneeID); err != nil {
			return classifyAndWrap(err, "failed to insert assignee")
		}
	}
	return nil
}

func setLabelsTx(ctx context.Context, tx *sqlx.Tx, taskID uuid.UUID, labels []string) error {
	for _, name := range labels {
		var labelID uuid.UUID
		err := tx.GetContext(ctx, &labelID, `
			INSERT INTO labels (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, uuid.New(), name)
		if err != nil && err != sql.ErrNoRows {
			return classifyAndWrap(err, "failed to upsert label")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_labels (task_id, label_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, taskID, labelID); err != nil {
			return classifyAndWrap(err, "failed to attach label")
		}
	}
	return nil
}
