// Package processor applies task lifecycle events from the task service to
// the local task table and keeps derived blocked flags in sync.
package processor

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/config"
	appctx "github.com/Ramsey-B/trellis/pkg/context"
	"github.com/Ramsey-B/trellis/pkg/dependencies"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/kafka"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// TaskStore is the slice of the task repository the processor writes through.
type TaskStore interface {
	Upsert(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	RecomputeBlocked(ctx context.Context, taskID uuid.UUID) (bool, error)
	SoftDelete(ctx context.Context, taskID uuid.UUID) error
}

// DependencyStore resolves which tasks depend on a given source.
type DependencyStore interface {
	ListDependentTaskIDs(ctx context.Context, sourceTaskID uuid.UUID) ([]uuid.UUID, error)
}

// EventEmitter publishes block transition events
type EventEmitter interface {
	EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool)
}

// GraphProjector mirrors task changes into the graph database
type GraphProjector interface {
	UpsertTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, tenantID, taskID uuid.UUID) error
}

// Processor consumes task events. Task writes touch the inputs of the derived
// blocked flag, so they run under the same tenant graph lock as edge
// mutations.
type Processor struct {
	db          dependencies.TxBeginner
	tasks       TaskStore
	deps        DependencyStore
	locker      dependencies.GraphLocker
	emitter     EventEmitter
	projector   GraphProjector
	logger      ectologger.Logger
	lockTTL     time.Duration
	lockTimeout time.Duration
}

// NewProcessor creates a new task event processor. The projector may be nil
// when the graph mirror is disabled.
func NewProcessor(cfg config.Config, db dependencies.TxBeginner, tasks TaskStore,
	deps DependencyStore, locker dependencies.GraphLocker, emitter EventEmitter,
	projector GraphProjector, logger ectologger.Logger) *Processor {
	return &Processor{
		db:          db,
		tasks:       tasks,
		deps:        deps,
		locker:      locker,
		emitter:     emitter,
		projector:   projector,
		logger:      logger,
		lockTTL:     cfg.GraphLockTTL,
		lockTimeout: cfg.GraphLockAcquireTimeout,
	}
}

// HandleMessage processes one task event. A nil return commits the offset, so
// malformed events are logged and skipped while transient failures propagate
// for redelivery.
func (p *Processor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.HandleMessage")
	defer span.End()

	event := msg.TaskEvent
	if event == nil {
		p.logger.WithContext(ctx).Warn("Task event payload was never parsed, skipping")
		return nil
	}
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"task_id":    event.TaskID,
	})

	tenantID, err := uuid.Parse(msg.GetTenantID())
	if err != nil {
		log.WithError(err).Error("Task event has no usable tenant ID, skipping")
		metrics.RecordTaskEvent(event.EventType, "skipped")
		return nil
	}
	taskID, err := uuid.Parse(event.TaskID)
	if err != nil {
		log.WithError(err).Error("Task event has an invalid task ID, skipping")
		metrics.RecordTaskEvent(event.EventType, "skipped")
		return nil
	}

	ctx = appctx.SetTenantID(ctx, tenantID.String())

	switch event.EventType {
	case kafka.TaskEventCreated, kafka.TaskEventUpdated, kafka.TaskEventStatusChanged:
		status := models.TaskStatus(event.Status)
		if event.Status == "" {
			status = models.TaskStatusPending
		}
		if !status.IsValid() {
			log.WithField("status", event.Status).Error("Task event carries an unknown status, skipping")
			metrics.RecordTaskEvent(event.EventType, "skipped")
			return nil
		}
		err = p.upsertTask(ctx, tenantID, taskID, event.Title, status)
	case kafka.TaskEventDeleted:
		err = p.deleteTask(ctx, tenantID, taskID)
	default:
		log.Warn("Unknown task event type, skipping")
		metrics.RecordTaskEvent(event.EventType, "skipped")
		return nil
	}

	if err != nil {
		log.WithError(err).Error("Failed to process task event")
		metrics.RecordTaskEvent(event.EventType, "error")
		return err
	}

	metrics.RecordTaskEvent(event.EventType, "success")
	return nil
}

func (p *Processor) upsertTask(ctx context.Context, tenantID, taskID uuid.UUID, title string, status models.TaskStatus) error {
	task := &models.Task{ID: taskID, TenantID: tenantID, Title: title, Status: status}
	transitions := map[uuid.UUID]bool{}

	err := p.locker.WithLock(ctx, dependencies.GraphLockKey(tenantID), p.lockTTL, p.lockTimeout, func() error {
		return p.applyUpsert(ctx, task, transitions)
	})
	if err != nil {
		return dependencies.MapLockError(err)
	}

	p.emitter.EmitBlockTransitions(ctx, tenantID, transitions)
	if p.projector != nil {
		_ = p.projector.UpsertTask(ctx, task)
	}
	return nil
}

func (p *Processor) applyUpsert(ctx context.Context, task *models.Task, transitions map[uuid.UUID]bool) error {
	ctx, tx, err := p.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	old, err := p.tasks.GetByID(ctx, task.ID)
	if err != nil && !deperr.IsCode(err, deperr.CodeTaskNotFound) {
		return err
	}
	if old != nil && task.Title == "" {
		// status_changed events may omit the title
		task.Title = old.Title
	}

	if err := p.tasks.Upsert(ctx, task); err != nil {
		return err
	}

	// The task's own flag can change when a previously deleted task comes
	// back with its edges intact.
	oldBlocked := old != nil && old.Blocked
	blocked, err := p.tasks.RecomputeBlocked(ctx, task.ID)
	if err != nil {
		return err
	}
	task.Blocked = blocked
	if blocked != oldBlocked {
		transitions[task.ID] = blocked
	}

	// Dependents need a recompute when the completion boundary is crossed,
	// and when an absent task turns out to be a soft-deleted one returning
	// with its edges intact.
	wasComplete := old != nil && old.IsComplete()
	if old == nil || wasComplete != task.IsComplete() {
		if err := p.recomputeDependents(ctx, task.ID, transitions); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}
	return nil
}

func (p *Processor) deleteTask(ctx context.Context, tenantID, taskID uuid.UUID) error {
	transitions := map[uuid.UUID]bool{}

	err := p.locker.WithLock(ctx, dependencies.GraphLockKey(tenantID), p.lockTTL, p.lockTimeout, func() error {
		return p.applyDelete(ctx, taskID, transitions)
	})
	if err != nil {
		return dependencies.MapLockError(err)
	}

	p.emitter.EmitBlockTransitions(ctx, tenantID, transitions)
	if p.projector != nil {
		_ = p.projector.DeleteTask(ctx, tenantID, taskID)
	}
	return nil
}

func (p *Processor) applyDelete(ctx context.Context, taskID uuid.UUID, transitions map[uuid.UUID]bool) error {
	ctx, tx, err := p.db.GetTx(ctx, nil)
	if err != nil {
		return deperr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	if err := p.tasks.SoftDelete(ctx, taskID); err != nil {
		if deperr.IsCode(err, deperr.CodeTaskNotFound) {
			// already gone, redelivery is a no-op
			return nil
		}
		return err
	}

	// A deleted source stops blocking its dependents.
	if err := p.recomputeDependents(ctx, taskID, transitions); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return deperr.StoreUnavailable(err)
	}
	return nil
}

func (p *Processor) recomputeDependents(ctx context.Context, sourceTaskID uuid.UUID, transitions map[uuid.UUID]bool) error {
	dependents, err := p.deps.ListDependentTaskIDs(ctx, sourceTaskID)
	if err != nil {
		return err
	}

	for _, dependentID := range dependents {
		dependent, err := p.tasks.GetByID(ctx, dependentID)
		if err != nil {
			if deperr.IsCode(err, deperr.CodeTaskNotFound) {
				continue
			}
			return err
		}
		blocked, err := p.tasks.RecomputeBlocked(ctx, dependentID)
		if err != nil {
			return err
		}
		if blocked != dependent.Blocked {
			transitions[dependentID] = blocked
		}
	}
	return nil
}
