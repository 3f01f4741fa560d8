package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state reported by the upstream task system.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
)

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusBlocked, TaskStatusCompleted:
		return true
	}
	return false
}

// Task mirrors a task from the upstream task system. Only the fields the
// dependency graph needs are kept. The blocked flag is derived from the
// dependency graph and is never accepted from upstream.
type Task struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	TenantID  uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	Title     string     `db:"title" json:"title"`
	Status    TaskStatus `db:"status" json:"status"`
	Blocked   bool       `db:"blocked" json:"blocked"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// TableName returns the database table name
func (Task) TableName() string {
	return "tasks"
}

func (t *Task) IsComplete() bool {
	return t.Status == TaskStatusCompleted
}

// EffectiveStatus folds the derived blocked flag into the reported status.
func (t *Task) EffectiveStatus() TaskStatus {
	if t.Blocked && !t.IsComplete() {
		return TaskStatusBlocked
	}
	return t.Status
}
