package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

const tasksTable = "tasks"

var taskStruct = database.NewStruct(new(models.Task))

// deriveBlockedSQL recomputes the blocked flag for one task from its incoming
// edges: blocked iff at least one blocks edge with hard_block set and no
// emergency override points at it from an incomplete, undeleted source.
const deriveBlockedSQL = `
UPDATE tasks t
SET blocked = d.blocked, updated_at = NOW()
FROM (
    SELECT EXISTS (
        SELECT 1
        FROM dependencies dep
        JOIN tasks s ON s.tenant_id = dep.tenant_id AND s.id = dep.source_task_id
        WHERE dep.tenant_id = $1
          AND dep.target_task_id = $2
          AND dep.dependency_type = 'blocks'
          AND dep.hard_block
          AND NOT dep.emergency_override
          AND s.status <> 'completed'
          AND s.deleted_at IS NULL
    ) AS blocked
) d
WHERE t.tenant_id = $1 AND t.id = $2
RETURNING t.blocked`

// TaskRepository handles database operations for the task mirror
type TaskRepository struct {
	*Repository
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db database.DB, logger ectologger.Logger) *TaskRepository {
	return &TaskRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert inserts or refreshes a mirrored task. The derived blocked flag is
// never written here; inserts start unblocked and conflicts leave the stored
// value alone. A previously deleted task is resurrected.
func (r *TaskRepository) Upsert(ctx context.Context, task *models.Task) error {
	ctx, span := tracing.StartSpan(ctx, "TaskRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	task.TenantID = tenantID

	ib := database.NewInsertBuilder()
	ib.InsertInto(tasksTable).
		Cols("id", "tenant_id", "title", "status", "blocked", "created_at", "updated_at").
		Values(task.ID, task.TenantID, task.Title, task.Status, false,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("tenant_id", "id")
	ub.Set(
		ub.Assign("title", database.Excluded("title")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		ub.Assign("deleted_at", nil),
	)
	ib.Returning("blocked", "created_at", "updated_at")

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRowContext(ctx, query, args...).Scan(&task.Blocked, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": task.ID,
		}).Error("failed to upsert task")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert task")
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	}).Debugf("Upserted %s", tasksTable)
	return nil
}

// GetByID retrieves an undeleted task by ID (tenant-scoped)
func (r *TaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "TaskRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := taskStruct.SelectFrom(tasksTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id), sb.IsNull("deleted_at"))

	query, args := sb.Build()
	var task models.Task

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.GetContext(ctx, &task, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deperr.TaskNotFound(id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": id,
		}).Error("failed to get task by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get task by ID")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return &task, nil
}

// List retrieves all undeleted tasks for the current tenant
func (r *TaskRepository) List(ctx context.Context) ([]models.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "TaskRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := taskStruct.SelectFrom(tasksTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.IsNull("deleted_at"))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var tasks []models.Task
	if err := r.DB().SelectContext(ctx, &tasks, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list tasks")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list tasks")
	}

	return tasks, nil
}

// RecomputeBlocked re-derives the blocked flag for a task inside the current
// transaction and returns the new value. The task row is updated in place so
// no caller can observe a committed edge with a stale flag.
func (r *TaskRepository) RecomputeBlocked(ctx context.Context, taskID uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "TaskRepository.RecomputeBlocked")
	defer span.End()
	defer metrics.ObserveQuery("tasks.recompute_blocked")()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return false, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	var blocked bool
	err = tx.QueryRowContext(ctx, deriveBlockedSQL, tenantID, taskID).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, deperr.TaskNotFound(taskID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": taskID,
		}).Error("failed to recompute blocked flag")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to recompute blocked flag")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, deperr.StoreUnavailable(err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"task_id": taskID,
		"blocked": blocked,
	}).Debugf("Recomputed blocked flag")
	return blocked, nil
}

// SoftDelete marks a task deleted. Its edges are kept; derivation ignores
// deleted sources.
func (r *TaskRepository) SoftDelete(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "TaskRepository.SoftDelete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(tasksTable).
		Set(
			ub.Assign("deleted_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", taskID), ub.IsNull("deleted_at"))

	query, args := ub.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": taskID,
		}).Error("failed to delete task")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete task")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return deperr.TaskNotFound(taskID)
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"task_id": taskID,
	}).Debugf("Deleted %s", tasksTable)
	return nil
}

// DeleteByTenantID hard deletes all tasks for a tenant (for testing cleanup)
func (r *TaskRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "TaskRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(tasksTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete tasks by tenant")
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
