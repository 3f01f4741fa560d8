// Package override implements emergency overrides: bypassing a hard block
// without deleting the edge, with mandatory justification.
package override

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/config"
	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/dependencies"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// EventEmitter publishes override lifecycle and block transition events
type EventEmitter interface {
	EmitOverrideApplied(ctx context.Context, dep *models.Dependency, actor, reason string)
	EmitOverrideRevoked(ctx context.Context, dep *models.Dependency, actor, reason string)
	EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool)
}

// DependencyStore is the slice of the dependency repository overrides need
type DependencyStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Dependency, error)
	ApplyOverride(ctx context.Context, edgeID uuid.UUID, actor, reason string) (*models.Dependency, error)
	RevokeOverride(ctx context.Context, edgeID uuid.UUID) (*models.Dependency, error)
}

// TaskStore is the slice of the task repository overrides need
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	RecomputeBlocked(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// AuditAppender appends entries to the dependency audit log
type AuditAppender interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
}

// GraphProjector mirrors edge changes into the graph database
type GraphProjector interface {
	UpsertEdge(ctx context.Context, dep *models.Dependency) error
}

// Service handles emergency override operations. Overrides mutate edge state,
// so they run under the same tenant graph lock as edge creation and removal.
type Service struct {
	db          dependencies.TxBeginner
	tasks       TaskStore
	deps        DependencyStore
	audit       AuditAppender
	locker      dependencies.GraphLocker
	emitter     EventEmitter
	projector   GraphProjector
	logger      ectologger.Logger
	lockTTL     time.Duration
	lockTimeout time.Duration
}

// NewService creates a new override service. The projector may be nil when
// the graph mirror is disabled.
func NewService(cfg config.Config, db dependencies.TxBeginner, tasks TaskStore,
	deps DependencyStore, audit AuditAppender, locker dependencies.GraphLocker,
	emitter EventEmitter, projector GraphProjector, logger ectologger.Logger) *Service {
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

// Apply marks an active hard block as overridden. The edge survives with its
// full history; only its effect on the target's blocked flag is suspended.
func (s *Service) Apply(ctx context.Context, edgeID uuid.UUID, req *models.OverrideRequest) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "override.Service.Apply")
	defer span.End()

	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	actor := strings.TrimSpace(req.Actor)
	reason := strings.TrimSpace(req.Reason)
	if actor == "" || reason == "" {
		return nil, deperr.MissingJustification()
	}

	var updated *models.Dependency
	transitions := map[uuid.UUID]bool{}

	err = s.locker.WithLock(ctx, dependencies.GraphLockKey(tenantID), s.lockTTL, s.lockTimeout, func() error {
		var innerErr error
		updated, innerErr = s.applyOverride(ctx, edgeID, actor, reason, transitions)
		return innerErr
	})
	if err != nil {
		metrics.RecordOverride(tenantID.String(), "applied", "error")
		return nil, dependencies.MapLockError(err)
	}

	metrics.RecordOverride(tenantID.String(), "applied", "success")
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_id": edgeID,
		"actor":   actor,
	}).Info("Emergency override applied")

	s.emitter.EmitOverrideApplied(ctx, updated, actor, reason)
	s.emitter.EmitBlockTransitions(ctx, tenantID, transitions)
	if s.projector != nil {
		_ = s.projector.UpsertEdge(ctx, updated)
	}

	return updated, nil
}

func (s *Service) applyOverride(ctx context.Context, edgeID uuid.UUID, actor, reason string, transitions map[uuid.UUID]bool) (*models.Dependency, error) {
	ctx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	dep, err := s.deps.GetByID(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	if dep.DependencyType != models.DependencyTypeBlocks || !dep.HardBlock {
		return nil, deperr.NotHardBlocked(edgeID)
	}
	if dep.EmergencyOverride {
		return nil, deperr.AlreadyOverridden(edgeID)
	}

	target, err := s.tasks.GetByID(ctx, dep.TargetTaskID)
	if err != nil {
		return nil, err
	}

	updated, err := s.deps.ApplyOverride(ctx, edgeID, actor, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deperr.AlreadyOverridden(edgeID)
	}
	if err != nil {
		return nil, err
	}

	blocked, err := s.tasks.RecomputeBlocked(ctx, updated.TargetTaskID)
	if err != nil {
		return nil, err
	}
	if blocked != target.Blocked {
		transitions[updated.TargetTaskID] = blocked
	}

	entry := &models.AuditEntry{
		EdgeID:       &updated.ID,
		SourceTaskID: updated.SourceTaskID,
		TargetTaskID: updated.TargetTaskID,
		Action:       models.AuditActionOverrideApplied,
		Actor:        actor,
		Reason:       reason,
		Details: database.JSONB[models.AuditDetails]{Data: models.AuditDetails{
			DependencyType:    updated.DependencyType,
			HardBlock:         updated.HardBlock,
			EmergencyOverride: updated.EmergencyOverride,
		}},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return updated, nil
}

// Revoke clears an override, re-engaging the hard block. No cycle check is
// needed: the edge set is unchanged, only its effect returns.
func (s *Service) Revoke(ctx context.Context, edgeID uuid.UUID, req *models.OverrideRequest) (*models.Dependency, error) {
	ctx, span := tracing.StartSpan(ctx, "override.Service.Revoke")
	defer span.End()

	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	actor := strings.TrimSpace(req.Actor)
	reason := strings.TrimSpace(req.Reason)
	if actor == "" || reason == "" {
		return nil, deperr.MissingJustification()
	}

	var updated *models.Dependency
	transitions := map[uuid.UUID]bool{}

	err = s.locker.WithLock(ctx, dependencies.GraphLockKey(tenantID), s.lockTTL, s.lockTimeout, func() error {
		var innerErr error
		updated, innerErr = s.revokeOverride(ctx, edgeID, actor, reason, transitions)
		return innerErr
	})
	if err != nil {
		metrics.RecordOverride(tenantID.String(), "revoked", "error")
		return nil, dependencies.MapLockError(err)
	}

	metrics.RecordOverride(tenantID.String(), "revoked", "success")
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_id": edgeID,
		"actor":   actor,
	}).Info("Emergency override revoked")

	s.emitter.EmitOverrideRevoked(ctx, updated, actor, reason)
	s.emitter.EmitBlockTransitions(ctx, tenantID, transitions)
	if s.projector != nil {
		_ = s.projector.UpsertEdge(ctx, updated)
	}

	return updated, nil
}

func (s *Service) revokeOverride(ctx context.Context, edgeID uuid.UUID, actor, reason string, transitions map[uuid.UUID]bool) (*models.Dependency, error) {
	ctx, tx, err := s.db.GetTx(ctx, nil)
	if err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	dep, err := s.deps.GetByID(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	if !dep.EmergencyOverride {
		return nil, deperr.NotOverridden(edgeID)
	}

	target, err := s.tasks.GetByID(ctx, dep.TargetTaskID)
	if err != nil {
		return nil, err
	}

	updated, err := s.deps.RevokeOverride(ctx, edgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, deperr.NotOverridden(edgeID)
	}
	if err != nil {
		return nil, err
	}

	blocked, err := s.tasks.RecomputeBlocked(ctx, updated.TargetTaskID)
	if err != nil {
		return nil, err
	}
	if blocked != target.Blocked {
		transitions[updated.TargetTaskID] = blocked
	}

	entry := &models.AuditEntry{
		EdgeID:       &updated.ID,
		SourceTaskID: updated.SourceTaskID,
		TargetTaskID: updated.TargetTaskID,
		Action:       models.AuditActionOverrideRevoked,
		Actor:        actor,
		Reason:       reason,
		Details: database.JSONB[models.AuditDetails]{Data: models.AuditDetails{
			DependencyType:    updated.DependencyType,
			HardBlock:         updated.HardBlock,
			EmergencyOverride: updated.EmergencyOverride,
		}},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, deperr.StoreUnavailable(err)
	}
	return updated, nil
}
