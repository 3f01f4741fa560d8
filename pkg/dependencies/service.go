// Package dependencies implements dependency edge management: creation with
// cycle rejection, removal, and blocking chain traversal.
package dependencies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/config"
	"github.com/Ramsey-B/trellis/internal/repositories"
	appctx "github.com/Ramsey-B/trellis/pkg/context"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/depgraph"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/redis"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// TxBeginner starts a transaction or joins the one already in the context
type TxBeginner interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// GraphLocker serializes graph mutations. Every write for a tenant runs under
// the same lock so the cycle check and the commit it guards are atomic.
type GraphLocker interface {
	WithLock(ctx context.Context, key string, ttl, timeout time.Duration, fn func() error) error
}

// EventEmitter publishes dependency lifecycle and block transition events
type EventEmitter interface {
	EmitDependencyCreated(ctx context.Context, dep *models.Dependency)
	EmitDependencyRemoved(ctx context.Context, dep *models.Dependency, actor string)
	EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool)
}

// GraphProjector mirrors edges into the graph database
type GraphProjector interface {
	UpsertEdge(ctx context.Context, dep *models.Dependency) error
	DeleteEdge(ctx context.Context, tenantID, edgeID uuid.UUID) error
}

// Service handles dependency edge operations
type Service struct {
	db          TxBeginner
	tasks       repositories.TaskRepo
	deps        repositories.DependencyRepo
	audit       repositories.AuditRepo
	locker      GraphLocker
	emitter     EventEmitter
	projector   GraphProjector
	logger      ectologger.Logger
	lockTTL     time.Duration
	lockTimeout time.Duration
}

// NewService creates a new dependency service. The projector may be nil when
// the graph mirror is disabled.
func NewService(cfg config.Config, db TxBeginner, tasks repositories.TaskRepo, deps repositories.DependencyRepo,
	audit repositories.AuditRepo, locker GraphLocker, emitter EventEmitter, projector GraphProjector,
	logger ectologger.Logger) *Service {
	return &Service{
		db:          db,
		tasks:       tasks,
		deps:        deps,
		audit:       audit,
		locker:      locker,
		emitter:     emitter,
		projector:   projector,
		logger:      logger,
		lockTTL:     cfg.GraphLockTTL,
		lockTimeout: cfg.GraphLockAcquireTimeout,
	}
}

// GraphLockKey returns the per-tenant lock key for graph mutations
func GraphLockKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("graph:%s", tenantID)
}

// AddDependency creates an edge making the target task depend on the source
// task. Blocks edges are checked against the existing graph first; an edge
// that would close a cycle is rejected before anything is written.
func (s *Service) AddDependency(ctx context.Context, req *models.CreateDependencyRequest) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "dependencies.Service.AddDependency")
	defer span.End()

	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	if req.SourceTaskID == req.TargetTaskID {
		return nil, deperr.SelfDependency(req.SourceTaskID)
	}
	if !req.DependencyType.IsValid() {
		return nil, deperr.InvalidDependencyType(string(req.DependencyType))
	}

	dep := &models.Dependency{
		SourceTaskID:   req.SourceTaskID,
		TargetTaskID:   req.TargetTaskID,
		DependencyType: req.DependencyType,
		HardBlock:      req.ResolveHardBlock(),
		CreatedBy:      appctx.GetUserID(ctx),
	}

	transitions := map[uuid.UUID]bool{}

	lockWait := time.Now()
	err = s.locker.WithLock(ctx, GraphLockKey(tenantID), s.lockTTL, s.lockTimeout, func() error {
		metrics.GraphLockWaitTime.Observe(time.Since(lockWait).Seconds())
		return s.createEdge(ctx, tenantID, dep, transitions)
	})
	if err != nil {
		metrics.RecordDependencyMutation(tenantID.String(), "created", "error")
		return nil, MapLockError(err)
	}

	metrics.RecordDependencyMutation(tenantID.String(), "created", "success")
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_id": dep.ID,
		"source":  dep.SourceTaskID,
		"target":  dep.TargetTaskID,
		"type":    dep.DependencyType,
	}).Info("Dependency created")

	s.emitter.EmitDependencyCreated(ctx, dep)
	s.emitter.EmitBlockTransitions(ctx, tenantID, transitions)
	if s.projector != nil {
		_ = s.projector.UpsertEdge(ctx, dep)
	}

	return dep, nil
}

// createEdge runs under the tenant graph lock. The snapshot, the cycle check
// and the insert share one transaction, so no edge can slip in between the
// check and the commit.
func (s *Service) createEdge(ctx context.Context, tenantID uuid.UUID, dep *models.Dependency, transitions map[uuid.UUID]bool) error {
	ctx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	target, err := s.tasks.GetByID(ctx, dep.TargetTaskID)
	if err != nil {
		return err
	}
	if _, err := s.tasks.GetByID(ctx, dep.SourceTaskID); err != nil {
		return err
	}

	if dep.DependencyType == models.DependencyTypeBlocks {
		checkStart := time.Now()
		snapshot, err := s.deps.SnapshotBlocks(ctx)
		if err != nil {
			return err
		}
		cyclic, path := depgraph.WouldCreateCycle(snapshot, dep.SourceTaskID, dep.TargetTaskID)
		metrics.CycleCheckDuration.Observe(time.Since(checkStart).Seconds())
		if cyclic {
			metrics.RecordCycleRejection(tenantID.String())
			return deperr.CycleDetected(dep.SourceTaskID, dep.TargetTaskID, path)
		}
	}

	if err := s.deps.Create(ctx, dep); err != nil {
		return err
	}

	blocked, err := s.tasks.RecomputeBlocked(ctx, dep.TargetTaskID)
	if err != nil {
		return err
	}
	if blocked != target.Blocked {
		transitions[dep.TargetTaskID] = blocked
	}

	entry := &models.AuditEntry{
		EdgeID:       &dep.ID,
		SourceTaskID: dep.SourceTaskID,
		TargetTaskID: dep.TargetTaskID,
		Action:       models.AuditActionCreated,
		Actor:        dep.CreatedBy,
		Details: database.JSONB[models.AuditDetails]{Data: models.AuditDetails{
			DependencyType:    dep.DependencyType,
			HardBlock:         dep.HardBlock,
			EmergencyOverride: dep.EmergencyOverride,
		}},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}
	return nil
}

// RemoveDependency deletes an edge and recomputes the target's blocked flag
func (s *Service) RemoveDependency(ctx context.Context, edgeID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "dependencies.Service.RemoveDependency")
	defer span.End()

	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return err
	}
	actor := appctx.GetUserID(ctx)

	var removed *models.Dependency
	transitions := map[uuid.UUID]bool{}

	lockWait := time.Now()
	err = s.locker.WithLock(ctx, GraphLockKey(tenantID), s.lockTTL, s.lockTimeout, func() error {
		metrics.GraphLockWaitTime.Observe(time.Since(lockWait).Seconds())

		var innerErr error
		removed, innerErr = s.removeEdge(ctx, edgeID, actor, transitions)
		return innerErr
	})
	if err != nil {
		metrics.RecordDependencyMutation(tenantID.String(), "removed", "error")
		return MapLockError(err)
	}

	metrics.RecordDependencyMutation(tenantID.String(), "removed", "success")
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_id": edgeID,
	}).Info("Dependency removed")

	s.emitter.EmitDependencyRemoved(ctx, removed, actor)
	s.emitter.EmitBlockTransitions(ctx, tenantID, transitions)
	if s.projector != nil {
		_ = s.projector.DeleteEdge(ctx, tenantID, edgeID)
	}

	return nil
}

func (s *Service) removeEdge(ctx context.Context, edgeID uuid.UUID, actor string, transitions map[uuid.UUID]bool) (*models.Dependency, error) {
	ctx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	dep, err := s.deps.GetByID(ctx, edgeID)
	if err != nil {
		return nil, err
	}

	target, err := s.tasks.GetByID(ctx, dep.TargetTaskID)
	if err != nil {
		return nil, err
	}

	// The audit entry is appended before the delete so it passes the edge
	// foreign key; the delete then nulls the reference while the denormalized
	// task pair keeps the entry queryable.
	entry := &models.AuditEntry{
		EdgeID:       &dep.ID,
		SourceTaskID: dep.SourceTaskID,
		TargetTaskID: dep.TargetTaskID,
		Action:       models.AuditActionRemoved,
		Actor:        actor,
		Details: database.JSONB[models.AuditDetails]{Data: models.AuditDetails{
			DependencyType:    dep.DependencyType,
			HardBlock:         dep.HardBlock,
			EmergencyOverride: dep.EmergencyOverride,
		}},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return nil, err
	}

	if _, err := s.deps.Delete(ctx, edgeID); err != nil {
		return nil, err
	}

	blocked, err := s.tasks.RecomputeBlocked(ctx, dep.TargetTaskID)
	if err != nil {
		return nil, err
	}
	if blocked != target.Blocked {
		transitions[dep.TargetTaskID] = blocked
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return dep, nil
}

// ListForTask returns the edges touching a task in both directions
func (s *Service) ListForTask(ctx context.Context, taskID uuid.UUID) (*models.TaskDependenciesResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "dependencies.Service.ListForTask")
	defer span.End()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	dependsOn, err := s.deps.ListByTarget(ctx, taskID)
	if err != nil {
		return nil, err
	}
	dependedBy, err := s.deps.ListBySource(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &models.TaskDependenciesResponse{
		TaskID:     taskID,
		Blocked:    task.Blocked,
		DependsOn:  dependsOn,
		DependedBy: dependedBy,
	}, nil
}

// GetBlockingChain returns every transitive dependency currently keeping a
// task blocked, breadth first, nearest blockers first.
func (s *Service) GetBlockingChain(ctx context.Context, taskID uuid.UUID) (*models.BlockingChainResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "dependencies.Service.GetBlockingChain")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.BlockingChainDuration.Observe(time.Since(start).Seconds())
	}()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rows, err := s.deps.ListActiveBlocking(ctx)
	if err != nil {
		return nil, err
	}

	edges := make([]depgraph.Edge, 0, len(rows))
	sources := make(map[uuid.UUID]repositories.BlockingEdge, len(rows))
	for _, row := range rows {
		edges = append(edges, depgraph.Edge{ID: row.ID, Source: row.SourceTaskID, Target: row.TargetTaskID})
		sources[row.SourceTaskID] = row
	}

	chain := []models.BlockingHop{}
	depgraph.New(edges).Ancestors(taskID, func(edge depgraph.Edge, depth int) {
		row, ok := sources[edge.Source]
		if !ok {
			return
		}
		hop := models.BlockingHop{
			TaskID: edge.Source,
			Title:  row.SourceTitle,
			Status: row.SourceStatus,
			EdgeID: edge.ID,
			Depth:  depth,
		}
		if row.SourceBlocked {
			hop.Status = models.TaskStatusBlocked
		}
		chain = append(chain, hop)
	})

	return &models.BlockingChainResponse{
		TaskID:  taskID,
		Blocked: task.Blocked,
		Chain:   chain,
	}, nil
}

// MapLockError converts a lock acquisition timeout into a retryable 503.
// Other errors pass through untouched.
func MapLockError(err error) error {
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "graph lock acquisition timed out, retry the request")
	}
	return err
}
