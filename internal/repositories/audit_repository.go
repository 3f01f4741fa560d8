package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

const auditTable = "dependency_audit"

var auditStruct = database.NewStruct(new(models.AuditEntry))

// AuditRepository handles database operations for the dependency audit log.
// The table is append-only; a trigger rejects updates and deletes, so this
// repository exposes no mutation beyond Append.
type AuditRepository struct {
	*Repository
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db database.DB, logger ectologger.Logger) *AuditRepository {
	return &AuditRepository{
		Repository: NewRepository(db, logger),
	}
}

// Append writes an audit entry. It runs on the current transaction so the
// entry commits atomically with the mutation it records; the sequence number
// comes back from the insert.
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "AuditRepository.Append")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	entry.TenantID = tenantID

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(auditTable).
		Cols("id", "tenant_id", "edge_id", "source_task_id", "target_task_id",
			"action", "actor", "reason", "details", "occurred_at").
		Values(entry.ID, entry.TenantID, entry.EdgeID, entry.SourceTaskID, entry.TargetTaskID,
			entry.Action, entry.Actor, entry.Reason, entry.Details, sqlbuilder.Raw("NOW()")).
		Returning("seq", "occurred_at")

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRowContext(ctx, query, args...).Scan(&entry.Seq, &entry.OccurredAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"action":  entry.Action,
			"edge_id": entry.EdgeID,
		}).Error("failed to append audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"seq":    entry.Seq,
		"action": entry.Action,
	}).Debugf("Appended %s", auditTable)
	return nil
}

// Query retrieves audit entries matching the filters, ordered by sequence
// number. A task filter matches entries where the task appears on either side
// of the edge.
func (r *AuditRepository) Query(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, int, error) {
	ctx, span := tracing.StartSpan(ctx, "AuditRepository.Query")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, 0, err
	}

	q.Normalize()

	sb := auditStruct.SelectFrom(auditTable)
	applyAuditFilters(sb.SelectBuilder, tenantID, q)
	sb.OrderBy("seq")
	sb.Limit(q.PageSize)
	sb.Offset((q.Page - 1) * q.PageSize)

	query, args := sb.Build()
	var entries []models.AuditEntry
	if err := r.DB().SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to query audit log")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to query audit log")
	}

	cb := database.NewSelectBuilder()
	cb.Select("COUNT(*)")
	cb.From(auditTable)
	applyAuditFilters(cb.SelectBuilder, tenantID, q)

	countQuery, countArgs := cb.Build()
	var total int
	if err := r.DB().GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count audit entries")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count audit entries")
	}

	return entries, total, nil
}

func applyAuditFilters(sb *sqlbuilder.SelectBuilder, tenantID uuid.UUID, q models.AuditQuery) {
	sb.Where(sb.Equal("tenant_id", tenantID))
	if q.EdgeID != nil {
		sb.Where(sb.Equal("edge_id", *q.EdgeID))
	}
	if q.TaskID != nil {
		sb.Where(sb.Or(
			sb.Equal("source_task_id", *q.TaskID),
			sb.Equal("target_task_id", *q.TaskID),
		))
	}
	if q.Since != nil {
		sb.Where(sb.GreaterEqualThan("occurred_at", *q.Since))
	}
	if q.Until != nil {
		sb.Where(sb.LessEqualThan("occurred_at", *q.Until))
	}
}
