// Package events handles event emission for dependency lifecycle changes
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/pkg/kafka"
	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// Emitter publishes dependency and block transition events. Emission happens
// after the database commit; a publish failure is logged and counted but never
// fails the request that caused it.
type Emitter struct {
	producer *kafka.Producer
	topic    string
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, topic string, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// EmitDependencyCreated emits a dependency.created event
func (e *Emitter) EmitDependencyCreated(ctx context.Context, dep *models.Dependency) {
	e.emitDependencyEvent(ctx, kafka.DependencyEventCreated, dep, dep.CreatedBy, "")
}

// EmitDependencyRemoved emits a dependency.removed event
func (e *Emitter) EmitDependencyRemoved(ctx context.Context, dep *models.Dependency, actor string) {
	e.emitDependencyEvent(ctx, kafka.DependencyEventRemoved, dep, actor, "")
}

// EmitOverrideApplied emits a dependency.override_applied event
func (e *Emitter) EmitOverrideApplied(ctx context.Context, dep *models.Dependency, actor, reason string) {
	e.emitDependencyEvent(ctx, kafka.DependencyEventOverrideApplied, dep, actor, reason)
}

// EmitOverrideRevoked emits a dependency.override_revoked event
func (e *Emitter) EmitOverrideRevoked(ctx context.Context, dep *models.Dependency, actor, reason string) {
	e.emitDependencyEvent(ctx, kafka.DependencyEventOverrideRevoked, dep, actor, reason)
}

func (e *Emitter) emitDependencyEvent(ctx context.Context, eventType string, dep *models.Dependency, actor, reason string) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.emitDependencyEvent")
	defer span.End()

	event := &kafka.DependencyEvent{
		EventType:      eventType,
		TenantID:       dep.TenantID.String(),
		EdgeID:         dep.ID.String(),
		SourceTaskID:   dep.SourceTaskID.String(),
		TargetTaskID:   dep.TargetTaskID.String(),
		DependencyType: string(dep.DependencyType),
		HardBlock:      dep.HardBlock,
		Actor:          actor,
		Reason:         reason,
	}

	start := time.Now()
	err := e.producer.PublishDependencyEvent(ctx, event)
	e.record(start, err)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": eventType,
			"edge_id":    dep.ID,
		}).Errorf("Failed to emit %s event", eventType)
	}
}

// EmitBlockTransitions emits task.blocked or task.unblocked events for every
// task whose blocked flag flipped during a mutation.
func (e *Emitter) EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitBlockTransitions")
	defer span.End()

	if len(transitions) == 0 {
		return
	}

	events := make([]*kafka.TaskBlockEvent, 0, len(transitions))
	for taskID, blocked := range transitions {
		eventType := kafka.TaskBlockEventUnblocked
		if blocked {
			eventType = kafka.TaskBlockEventBlocked
		}
		events = append(events, &kafka.TaskBlockEvent{
			EventType: eventType,
			TenantID:  tenantID.String(),
			TaskID:    taskID.String(),
		})
		metrics.RecordBlockTransition(tenantID.String(), blocked)
	}

	start := time.Now()
	err := e.producer.PublishTaskBlockEvents(ctx, events)
	e.record(start, err)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to emit block transition events")
	}
}

func (e *Emitter) record(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordKafkaPublish(e.topic, status, time.Since(start).Seconds())
}
