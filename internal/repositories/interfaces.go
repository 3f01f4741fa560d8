package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/pkg/depgraph"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// TaskRepo is the interface for task persistence
type TaskRepo interface {
	Upsert(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	List(ctx context.Context) ([]models.Task, error)
	RecomputeBlocked(ctx context.Context, taskID uuid.UUID) (bool, error)
	SoftDelete(ctx context.Context, taskID uuid.UUID) error
	DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// DependencyRepo is the interface for dependency edge persistence
type DependencyRepo interface {
	Create(ctx context.Context, dep *models.Dependency) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dependency, error)
	Delete(ctx context.Context, id uuid.UUID) (*models.Dependency, error)
	List(ctx context.Context) ([]models.Dependency, error)
	ListBySource(ctx context.Context, taskID uuid.UUID) ([]models.Dependency, error)
	ListByTarget(ctx context.Context, taskID uuid.UUID) ([]models.Dependency, error)
	SnapshotBlocks(ctx context.Context) (*depgraph.Graph, error)
	ListDependentTaskIDs(ctx context.Context, sourceTaskID uuid.UUID) ([]uuid.UUID, error)
	ListActiveBlocking(ctx context.Context) ([]BlockingEdge, error)
	ApplyOverride(ctx context.Context, edgeID uuid.UUID, actor, reason string) (*models.Dependency, error)
	RevokeOverride(ctx context.Context, edgeID uuid.UUID) (*models.Dependency, error)
	DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// AuditRepo is the interface for the append-only dependency audit log
type AuditRepo interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	Query(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, int, error)
}
