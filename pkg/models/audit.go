package models

import (
	"time"

	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/google/uuid"
)

// AuditAction identifies what happened to a dependency edge.
type AuditAction string

const (
	AuditActionCreated         AuditAction = "created"
	AuditActionRemoved         AuditAction = "removed"
	AuditActionOverrideApplied AuditAction = "override_applied"
	AuditActionOverrideRevoked AuditAction = "override_revoked"
)

// AuditDetails is a snapshot of the edge at the time of the action. It survives
// edge deletion so history views can still show what the edge looked like.
type AuditDetails struct {
	DependencyType    DependencyType `json:"dependency_type"`
	HardBlock         bool           `json:"hard_block"`
	EmergencyOverride bool           `json:"emergency_override"`
}

// AuditEntry is one append-only record of an edge mutation. Entries are never
// updated or deleted; EdgeID goes null if the edge is later removed, with the
// task pair kept denormalized so task history stays queryable.
type AuditEntry struct {
	Seq          int64                        `db:"seq" json:"seq"`
	ID           uuid.UUID                    `db:"id" json:"id"`
	TenantID     uuid.UUID                    `db:"tenant_id" json:"tenant_id"`
	EdgeID       *uuid.UUID                   `db:"edge_id" json:"edge_id,omitempty"`
	SourceTaskID uuid.UUID                    `db:"source_task_id" json:"source_task_id"`
	TargetTaskID uuid.UUID                    `db:"target_task_id" json:"target_task_id"`
	Action       AuditAction                  `db:"action" json:"action"`
	Actor        string                       `db:"actor" json:"actor"`
	Reason       string                       `db:"reason" json:"reason"`
	Details      database.JSONB[AuditDetails] `db:"details" json:"details"`
	OccurredAt   time.Time                    `db:"occurred_at" json:"occurred_at"`
}

// TableName returns the database table name
func (AuditEntry) TableName() string {
	return "dependency_audit"
}

const (
	DefaultAuditPageSize = 20
	MaxAuditPageSize     = 100
)

// AuditQuery filters audit entries. TaskID matches either side of the edge.
type AuditQuery struct {
	TaskID   *uuid.UUID
	EdgeID   *uuid.UUID
	Since    *time.Time
	Until    *time.Time
	Page     int
	PageSize int
}

// Normalize applies paging defaults and bounds in place.
func (q *AuditQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 || q.PageSize > MaxAuditPageSize {
		q.PageSize = DefaultAuditPageSize
	}
}

// AuditListResponse is a page of audit entries in sequence order.
type AuditListResponse struct {
	Entries  []AuditEntry `json:"entries"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}
