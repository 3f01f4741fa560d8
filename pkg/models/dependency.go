package models

import (
	"time"

	"github.com/google/uuid"
)

// DependencyType classifies an edge between two tasks.
type DependencyType string

const (
	DependencyTypeBlocks  DependencyType = "blocks"  // source must complete before target can proceed
	DependencyTypeRelated DependencyType = "related" // informational link, never affects blocking
)

func (t DependencyType) IsValid() bool {
	switch t {
	case DependencyTypeBlocks, DependencyTypeRelated:
		return true
	}
	return false
}

// Dependency is a directed edge from a prerequisite task (source) to the task
// that depends on it (target).
type Dependency struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	TenantID          uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	SourceTaskID      uuid.UUID      `db:"source_task_id" json:"source_task_id"`
	TargetTaskID      uuid.UUID      `db:"target_task_id" json:"target_task_id"`
	DependencyType    DependencyType `db:"dependency_type" json:"dependency_type"`
	HardBlock         bool           `db:"hard_block" json:"hard_block"`
	EmergencyOverride bool           `db:"emergency_override" json:"emergency_override"`
	OverrideReason    *string        `db:"override_reason" json:"override_reason,omitempty"`
	OverrideBy        *string        `db:"override_by" json:"override_by,omitempty"`
	OverrideAt        *time.Time     `db:"override_at" json:"override_at,omitempty"`
	CreatedBy         string         `db:"created_by" json:"created_by"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Dependency) TableName() string {
	return "dependencies"
}

// IsActiveBlock reports whether the edge currently gates its target: a hard
// blocks edge with no override applied.
func (d *Dependency) IsActiveBlock() bool {
	return d.DependencyType == DependencyTypeBlocks && d.HardBlock && !d.EmergencyOverride
}

// CreateDependencyRequest is the request to create a dependency edge.
// HardBlock defaults to true for blocks edges and false for related edges.
type CreateDependencyRequest struct {
	SourceTaskID   uuid.UUID      `json:"source_task_id" validate:"required"`
	TargetTaskID   uuid.UUID      `json:"target_task_id" validate:"required"`
	DependencyType DependencyType `json:"dependency_type" validate:"required,oneof=blocks related"`
	HardBlock      *bool          `json:"hard_block,omitempty"`
}

// ResolveHardBlock applies the type-specific default when the caller omitted
// the field.
func (r *CreateDependencyRequest) ResolveHardBlock() bool {
	if r.HardBlock != nil {
		return *r.HardBlock
	}
	return r.DependencyType == DependencyTypeBlocks
}

// OverrideRequest carries the justification for applying or revoking an
// emergency override. Both fields are required; the service rejects empty
// values rather than the binder so the caller gets the dedicated error code.
type OverrideRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// TaskDependenciesResponse groups the edges touching one task.
type TaskDependenciesResponse struct {
	TaskID     uuid.UUID    `json:"task_id"`
	Blocked    bool         `json:"blocked"`
	DependsOn  []Dependency `json:"depends_on"`  // edges where the task is the target
	DependedBy []Dependency `json:"depended_by"` // edges where the task is the source
}

// BlockingHop is one incomplete prerequisite on the chain upstream of a task.
type BlockingHop struct {
	TaskID uuid.UUID  `json:"task_id"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`
	EdgeID uuid.UUID  `json:"edge_id"`
	Depth  int        `json:"depth"`
}

// BlockingChainResponse is the transitive set of incomplete prerequisites
// keeping a task blocked, in breadth-first order.
type BlockingChainResponse struct {
	TaskID  uuid.UUID     `json:"task_id"`
	Blocked bool          `json:"blocked"`
	Chain   []BlockingHop `json:"chain"`
}
