package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/depgraph"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

const dependenciesTable = "dependencies"

var dependencyStruct = database.NewStruct(new(models.Dependency))

// activeBlockingSQL selects every edge currently gating a task, joined with
// its incomplete source. One statement so the result is a consistent snapshot.
const activeBlockingSQL = `
SELECT d.*, s.title AS source_title, s.status AS source_status, s.blocked AS source_blocked
FROM dependencies d
JOIN tasks s ON s.tenant_id = d.tenant_id AND s.id = d.source_task_id
WHERE d.tenant_id = $1
  AND d.dependency_type = 'blocks'
  AND d.hard_block
  AND NOT d.emergency_override
  AND s.status <> 'completed'
  AND s.deleted_at IS NULL`

// BlockingEdge is an active blocking edge with the source task fields the
// blocking chain needs.
type BlockingEdge struct {
	models.Dependency
	SourceTitle   string            `db:"source_title"`
	SourceStatus  models.TaskStatus `db:"source_status"`
	SourceBlocked bool              `db:"source_blocked"`
}

// DependencyRepository handles database operations for dependency edges
type DependencyRepository struct {
	*Repository
}

// NewDependencyRepository creates a new dependency repository
func NewDependencyRepository(db database.DB, logger ectologger.Logger) *DependencyRepository {
	return &DependencyRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new edge. The unique constraint on the task pair is the
// last line of defense against duplicates racing past the service checks.
func (r *DependencyRepository) Create(ctx context.Context, dep *models.Dependency) error {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	dep.TenantID = tenantID

	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(dependenciesTable).
		Cols("id", "tenant_id", "source_task_id", "target_task_id", "dependency_type",
			"hard_block", "emergency_override", "created_by", "created_at", "updated_at").
		Values(dep.ID, dep.TenantID, dep.SourceTaskID, dep.TargetTaskID, dep.DependencyType,
			dep.HardBlock, false, dep.CreatedBy, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRowContext(ctx, query, args...).Scan(&dep.CreatedAt, &dep.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "dependencies_unique_edge") {
			return deperr.DuplicateEdge(dep.SourceTaskID, dep.TargetTaskID)
		}
		if strings.Contains(err.Error(), "dependencies_no_self_loop") {
			return deperr.SelfDependency(dep.SourceTaskID)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_id": dep.ID,
		}).Error("failed to create dependency")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create dependency")
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_id": dep.ID,
		"source":  dep.SourceTaskID,
		"target":  dep.TargetTaskID,
	}).Debugf("Created %s", dependenciesTable)
	return nil
}

// GetByID retrieves an edge by ID (tenant-scoped)
func (r *DependencyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := dependencyStruct.SelectFrom(dependenciesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var dep models.Dependency

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.GetContext(ctx, &dep, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deperr.EdgeNotFound(id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_id": id,
		}).Error("failed to get dependency by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dependency by ID")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return &dep, nil
}

// Delete removes an edge and returns the deleted row. The audit entry for the
// removal keeps the task pair even after the FK nulls its edge reference.
func (r *DependencyRepository) Delete(ctx context.Context, id uuid.UUID) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(dependenciesTable).
		Where(db.Equal("tenant_id", tenantID), db.Equal("id", id))
	db.SQL("RETURNING *")

	query, args := db.Build()
	var dep models.Dependency

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.GetContext(ctx, &dep, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deperr.EdgeNotFound(id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_id": id,
		}).Error("failed to delete dependency")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete dependency")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_id": id,
	}).Debugf("Deleted %s", dependenciesTable)
	return &dep, nil
}

// ListBySource retrieves edges originating at a task
func (r *DependencyRepository) ListBySource(ctx context.Context, taskID uuid.UUID) ([]models.Dependency, error) {
	return r.listBySide(ctx, "DependencyRepository.ListBySource", "source_task_id", taskID)
}

// ListByTarget retrieves edges pointing at a task
func (r *DependencyRepository) ListByTarget(ctx context.Context, taskID uuid.UUID) ([]models.Dependency, error) {
	return r.listBySide(ctx, "DependencyRepository.ListByTarget", "target_task_id", taskID)
}

func (r *DependencyRepository) listBySide(ctx context.Context, spanName, column string, taskID uuid.UUID) ([]models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, spanName)
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := dependencyStruct.SelectFrom(dependenciesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal(column, taskID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var deps []models.Dependency
	if err := r.DB().SelectContext(ctx, &deps, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": taskID,
		}).Error("failed to list dependencies")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dependencies")
	}

	return deps, nil
}

// List retrieves all edges for the current tenant
func (r *DependencyRepository) List(ctx context.Context) ([]models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := dependencyStruct.SelectFrom(dependenciesTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var deps []models.Dependency
	if err := r.DB().SelectContext(ctx, &deps, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list dependencies")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dependencies")
	}

	return deps, nil
}

// SnapshotBlocks loads the tenant's blocks edges as a graph snapshot for the
// cycle check. Runs on the current transaction so the snapshot and the commit
// that follows see the same state.
func (r *DependencyRepository) SnapshotBlocks(ctx context.Context) (*depgraph.Graph, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.SnapshotBlocks")
	defer span.End()
	defer metrics.ObserveQuery("dependencies.snapshot_blocks")()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "source_task_id", "target_task_id")
	sb.From(dependenciesTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("dependency_type", models.DependencyTypeBlocks),
	)

	query, args := sb.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	var rows []struct {
		ID           uuid.UUID `db:"id"`
		SourceTaskID uuid.UUID `db:"source_task_id"`
		TargetTaskID uuid.UUID `db:"target_task_id"`
	}
	if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to snapshot blocks edges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to snapshot blocks edges")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}

	edges := make([]depgraph.Edge, 0, len(rows))
	for _, row := range rows {
		edges = append(edges, depgraph.Edge{ID: row.ID, Source: row.SourceTaskID, Target: row.TargetTaskID})
	}
	return depgraph.New(edges), nil
}

// ListDependentTaskIDs returns the targets of blocks edges leaving a task.
// These are the tasks whose blocked flag can change when the task's status
// crosses the completed boundary.
func (r *DependencyRepository) ListDependentTaskIDs(ctx context.Context, sourceTaskID uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.ListDependentTaskIDs")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("target_task_id")
	sb.From(dependenciesTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("source_task_id", sourceTaskID),
		sb.Equal("dependency_type", models.DependencyTypeBlocks),
	)

	query, args := sb.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	var ids []uuid.UUID
	if err := tx.SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": sourceTaskID,
		}).Error("failed to list dependent tasks")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dependent tasks")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return ids, nil
}

// ListActiveBlocking retrieves every edge currently gating a task for the
// tenant, with source task fields for chain rendering.
func (r *DependencyRepository) ListActiveBlocking(ctx context.Context) ([]BlockingEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.ListActiveBlocking")
	defer span.End()
	defer metrics.ObserveQuery("dependencies.list_active_blocking")()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	var edges []BlockingEdge
	if err := r.DB().SelectContext(ctx, &edges, activeBlockingSQL, tenantID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list active blocking edges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list active blocking edges")
	}

	return edges, nil
}

// ApplyOverride sets the override fields on an active hard block in one
// guarded update. Zero rows means the edge is missing or not eligible; the
// caller distinguishes which.
func (r *DependencyRepository) ApplyOverride(ctx context.Context, edgeID uuid.UUID, actor, reason string) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.ApplyOverride")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(dependenciesTable).
		Set(
			ub.Assign("emergency_override", true),
			ub.Assign("override_reason", reason),
			ub.Assign("override_by", actor),
			ub.Assign("override_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("tenant_id", tenantID),
			ub.Equal("id", edgeID),
			ub.Equal("dependency_type", models.DependencyTypeBlocks),
			ub.Equal("hard_block", true),
			ub.Equal("emergency_override", false),
		)
	ub.SQL("RETURNING *")

	return r.runOverrideUpdate(ctx, ub, edgeID, "failed to apply override")
}

// RevokeOverride clears the override fields on an overridden edge in one
// guarded update, re-engaging the hard block.
func (r *DependencyRepository) RevokeOverride(ctx context.Context, edgeID uuid.UUID) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.RevokeOverride")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(dependenciesTable).
		Set(
			ub.Assign("emergency_override", false),
			ub.Assign("override_reason", nil),
			ub.Assign("override_by", nil),
			ub.Assign("override_at", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			ub.Equal("tenant_id", tenantID),
			ub.Equal("id", edgeID),
			ub.Equal("emergency_override", true),
		)
	ub.SQL("RETURNING *")

	return r.runOverrideUpdate(ctx, ub, edgeID, "failed to revoke override")
}

func (r *DependencyRepository) runOverrideUpdate(ctx context.Context, ub *database.UpdateBuilder, edgeID uuid.UUID, failMsg string) (*models.Dependency, error) {
	query, args := ub.Build()
	var dep models.Dependency

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.GetContext(ctx, &dep, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_id": edgeID,
		}).Error(failMsg)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, failMsg)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return &dep, nil
}

// DeleteByTenantID hard deletes all edges for a tenant (for testing cleanup)
func (r *DependencyRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "DependencyRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(dependenciesTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete dependencies by tenant")
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}
