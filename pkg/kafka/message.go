package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event types emitted by the task service.
const (
	TaskEventCreated       = "task.created"
	TaskEventUpdated       = "task.updated"
	TaskEventStatusChanged = "task.status_changed"
	TaskEventDeleted       = "task.deleted"
)

// TaskEvent is the lifecycle event the task service publishes for every task
// change. Status changes drive the blocked recomputation of dependent tasks.
type TaskEvent struct {
	EventType string    `json:"event_type"` // task.created, task.updated, task.status_changed, task.deleted
	TenantID  string    `json:"tenant_id"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string

	// Parsed content
	TaskEvent *TaskEvent
}

// ParseTaskEvent parses the message value as a task lifecycle event
func (m *IncomingMessage) ParseTaskEvent() error {
	var event TaskEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return err
	}
	if event.EventType == "" {
		return fmt.Errorf("task event missing event_type")
	}
	if event.TaskID == "" {
		return fmt.Errorf("task event missing task_id")
	}
	m.TaskEvent = &event
	return nil
}

// GetTenantID returns the tenant ID from the event, falling back to the header
func (m *IncomingMessage) GetTenantID() string {
	if m.TaskEvent != nil && m.TaskEvent.TenantID != "" {
		return m.TaskEvent.TenantID
	}
	return m.Headers["tenant_id"]
}

// IsDelete returns true if this message removes a task
func (m *IncomingMessage) IsDelete() bool {
	return m.TaskEvent != nil && m.TaskEvent.EventType == TaskEventDeleted
}
