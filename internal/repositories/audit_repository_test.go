package repositories_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/models"
)

func appendEntry(t *testing.T, repo *repositories.AuditRepository, ctx context.Context, dep *models.Dependency, action models.AuditAction) *models.AuditEntry {
	t.Helper()
	entry := &models.AuditEntry{
		EdgeID:       &dep.ID,
		SourceTaskID: dep.SourceTaskID,
		TargetTaskID: dep.TargetTaskID,
		Action:       action,
		Actor:        "test-user",
		Reason:       "integration test",
		Details: database.JSONB[models.AuditDetails]{Data: models.AuditDetails{
			DependencyType:    dep.DependencyType,
			HardBlock:         dep.HardBlock,
			EmergencyOverride: dep.EmergencyOverride,
		}},
	}
	require.NoError(t, repo.Append(ctx, entry))
	return entry
}

func TestAuditRepository_AppendAndQuery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	tasks := repositories.NewTaskRepository(db, logger)
	deps := repositories.NewDependencyRepository(db, logger)
	audit := repositories.NewAuditRepository(db, logger)

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	source := createTask(t, tasks, ctx, "Approve budget", models.TaskStatusPending)
	target := createTask(t, tasks, ctx, "Order hardware", models.TaskStatusPending)
	edge := createEdge(t, deps, ctx, source.ID, target.ID, true)

	first := appendEntry(t, audit, ctx, edge, models.AuditActionCreated)
	assert.Greater(t, first.Seq, int64(0))
	assert.Equal(t, tenantID, first.TenantID)
	assert.False(t, first.OccurredAt.IsZero())

	second := appendEntry(t, audit, ctx, edge, models.AuditActionOverrideApplied)
	assert.Greater(t, second.Seq, first.Seq)

	// Query by task matches either side of the edge
	entries, total, err := audit.Query(ctx, models.AuditQuery{TaskID: &source.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, first.Seq, entries[0].Seq)
	assert.Equal(t, second.Seq, entries[1].Seq)
	assert.Equal(t, models.AuditActionCreated, entries[0].Action)
	assert.True(t, entries[0].Details.Data.HardBlock)

	entries, total, err = audit.Query(ctx, models.AuditQuery{TaskID: &target.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, entries, 2)

	// Query by edge
	entries, _, err = audit.Query(ctx, models.AuditQuery{EdgeID: &edge.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Paging walks the sequence in order
	entries, total, err = audit.Query(ctx, models.AuditQuery{TaskID: &source.ID, Page: 1, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 1)
	assert.Equal(t, first.Seq, entries[0].Seq)

	entries, _, err = audit.Query(ctx, models.AuditQuery{TaskID: &source.ID, Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, second.Seq, entries[0].Seq)

	// Time range bounds
	future := time.Now().Add(time.Hour)
	entries, total, err = audit.Query(ctx, models.AuditQuery{TaskID: &source.ID, Since: &future})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, entries)

	past := time.Now().Add(-time.Hour)
	entries, _, err = audit.Query(ctx, models.AuditQuery{TaskID: &source.ID, Since: &past, Until: &future})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Test tenant isolation
	otherTenantCtx := getTestContext(uuid.New())
	entries, total, err = audit.Query(otherTenantCtx, models.AuditQuery{TaskID: &source.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, entries)
}

func TestAuditRepository_SurvivesEdgeDeletion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	tasks := repositories.NewTaskRepository(db, logger)
	deps := repositories.NewDependencyRepository(db, logger)
	audit := repositories.NewAuditRepository(db, logger)
	ctx := getTestContext(uuid.New())

	source := createTask(t, tasks, ctx, "Sign contract", models.TaskStatusPending)
	target := createTask(t, tasks, ctx, "Start engagement", models.TaskStatusPending)
	edge := createEdge(t, deps, ctx, source.ID, target.ID, true)

	appendEntry(t, audit, ctx, edge, models.AuditActionCreated)

	_, err := deps.Delete(ctx, edge.ID)
	require.NoError(t, err)

	// The entry outlives the edge; its edge reference just goes null while
	// the task pair stays queryable
	entries, total, err := audit.Query(ctx, models.AuditQuery{TaskID: &source.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].EdgeID)
	assert.Equal(t, source.ID, entries[0].SourceTaskID)
	assert.Equal(t, target.ID, entries[0].TargetTaskID)

	entries, _, err = audit.Query(ctx, models.AuditQuery{EdgeID: &edge.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditRepository_TenantRequired(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	audit := repositories.NewAuditRepository(db, logger)

	// Context without tenant ID
	ctx := context.Background()

	err := audit.Append(ctx, &models.AuditEntry{
		SourceTaskID: uuid.New(),
		TargetTaskID: uuid.New(),
		Action:       models.AuditActionCreated,
		Actor:        "test-user",
	})
	assertUnauthorized(t, err)
}
