package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// Outbound event types published on the dependency topic.
const (
	DependencyEventCreated         = "dependency.created"
	DependencyEventRemoved         = "dependency.removed"
	DependencyEventOverrideApplied = "dependency.override_applied"
	DependencyEventOverrideRevoked = "dependency.override_revoked"
	TaskBlockEventBlocked          = "task.blocked"
	TaskBlockEventUnblocked        = "task.unblocked"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// DependencyEvent represents a change to a dependency edge
type DependencyEvent struct {
	EventType      string    `json:"event_type"` // dependency.created, dependency.removed, dependency.override_applied, dependency.override_revoked
	TenantID       string    `json:"tenant_id"`
	EdgeID         string    `json:"edge_id"`
	SourceTaskID   string    `json:"source_task_id"`
	TargetTaskID   string    `json:"target_task_id"`
	DependencyType string    `json:"dependency_type"`
	HardBlock      bool      `json:"hard_block"`
	Actor          string    `json:"actor,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TaskBlockEvent represents a task's blocked flag flipping
type TaskBlockEvent struct {
	EventType string    `json:"event_type"` // task.blocked, task.unblocked
	TenantID  string    `json:"tenant_id"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishDependencyEvent publishes a dependency event to Kafka
func (p *Producer) PublishDependencyEvent(ctx context.Context, event *DependencyEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishDependencyEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(event.EdgeID),
		Value:   data,
		Headers: p.headers(ctx, event.EventType, event.TenantID),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish dependency event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"edge_id":    event.EdgeID,
	}).Debug("Published dependency event")

	return nil
}

// PublishTaskBlockEvent publishes a single block transition event
func (p *Producer) PublishTaskBlockEvent(ctx context.Context, event *TaskBlockEvent) error {
	return p.PublishTaskBlockEvents(ctx, []*TaskBlockEvent{event})
}

// PublishTaskBlockEvents publishes block transition events in a batch. A
// single status change can unblock many downstream tasks at once.
func (p *Producer) PublishTaskBlockEvents(ctx context.Context, events []*TaskBlockEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishTaskBlockEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}

		messages[i] = kafka.Message{
			Topic:   p.topic,
			Key:     []byte(event.TaskID),
			Value:   data,
			Headers: p.headers(ctx, event.EventType, event.TenantID),
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_size": len(events),
		}).Error("Failed to publish task block events")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(events),
	}).Debug("Published task block events")

	return nil
}

func (p *Producer) headers(ctx context.Context, eventType, tenantID string) []kafka.Header {
	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(eventType)},
		{Key: "tenant_id", Value: []byte(tenantID)},
	}
	if traceParent := tracing.GetTraceParent(ctx); traceParent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceParent)})
	}
	return headers
}
