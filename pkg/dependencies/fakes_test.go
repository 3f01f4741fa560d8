package dependencies

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/depgraph"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/models"
)

// memState backs the in-memory repositories. Blocked derivation mirrors the
// SQL the real task repository runs.
type memState struct {
	tasks map[uuid.UUID]*models.Task
	deps  map[uuid.UUID]*models.Dependency
	audit []*models.AuditEntry
	seq   int64
}

func newMemState() *memState {
	return &memState{
		tasks: map[uuid.UUID]*models.Task{},
		deps:  map[uuid.UUID]*models.Dependency{},
	}
}

func (st *memState) deriveBlocked(taskID uuid.UUID) bool {
	for _, d := range st.deps {
		if d.TargetTaskID != taskID || !d.IsActiveBlock() {
			continue
		}
		src, ok := st.tasks[d.SourceTaskID]
		if !ok || src.DeletedAt != nil || src.IsComplete() {
			continue
		}
		return true
	}
	return false
}

type memTaskRepo struct{ st *memState }

func (r *memTaskRepo) Upsert(ctx context.Context, task *models.Task) error {
	stored := *task
	r.st.tasks[task.ID] = &stored
	return nil
}

func (r *memTaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	task, ok := r.st.tasks[id]
	if !ok || task.DeletedAt != nil {
		return nil, deperr.TaskNotFound(id)
	}
	copied := *task
	return &copied, nil
}

func (r *memTaskRepo) List(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	for _, task := range r.st.tasks {
		if task.DeletedAt == nil {
			tasks = append(tasks, *task)
		}
	}
	return tasks, nil
}

func (r *memTaskRepo) RecomputeBlocked(ctx context.Context, taskID uuid.UUID) (bool, error) {
	task, ok := r.st.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return false, deperr.TaskNotFound(taskID)
	}
	task.Blocked = r.st.deriveBlocked(taskID)
	return task.Blocked, nil
}

func (r *memTaskRepo) SoftDelete(ctx context.Context, taskID uuid.UUID) error {
	task, ok := r.st.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return deperr.TaskNotFound(taskID)
	}
	now := time.Now().UTC()
	task.DeletedAt = &now
	return nil
}

func (r *memTaskRepo) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var removed int64
	for id, task := range r.st.tasks {
		if task.TenantID == tenantID {
			delete(r.st.tasks, id)
			removed++
		}
	}
	return removed, nil
}

type memDepRepo struct{ st *memState }

func (r *memDepRepo) Create(ctx context.Context, dep *models.Dependency) error {
	for _, existing := range r.st.deps {
		if existing.SourceTaskID == dep.SourceTaskID && existing.TargetTaskID == dep.TargetTaskID {
			return deperr.DuplicateEdge(dep.SourceTaskID, dep.TargetTaskID)
		}
	}
	if dep.ID == uuid.Nil {
		dep.ID = uuid.New()
	}
	now := time.Now().UTC()
	dep.CreatedAt = now
	dep.UpdatedAt = now
	stored := *dep
	r.st.deps[dep.ID] = &stored
	return nil
}

func (r *memDepRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Dependency, error) {
	dep, ok := r.st.deps[id]
	if !ok {
		return nil, deperr.EdgeNotFound(id)
	}
	copied := *dep
	return &copied, nil
}

func (r *memDepRepo) Delete(ctx context.Context, id uuid.UUID) (*models.Dependency, error) {
	dep, ok := r.st.deps[id]
	if !ok {
		return nil, deperr.EdgeNotFound(id)
	}
	delete(r.st.deps, id)
	// Mirror the ON DELETE SET NULL action on audit entries.
	for _, entry := range r.st.audit {
		if entry.EdgeID != nil && *entry.EdgeID == id {
			entry.EdgeID = nil
		}
	}
	copied := *dep
	return &copied, nil
}

func (r *memDepRepo) List(ctx context.Context) ([]models.Dependency, error) {
	var deps []models.Dependency
	for _, dep := range r.st.deps {
		deps = append(deps, *dep)
	}
	return deps, nil
}

func (r *memDepRepo) ListBySource(ctx context.Context, taskID uuid.UUID) ([]models.Dependency, error) {
	var deps []models.Dependency
	for _, dep := range r.st.deps {
		if dep.SourceTaskID == taskID {
			deps = append(deps, *dep)
		}
	}
	return deps, nil
}

func (r *memDepRepo) ListByTarget(ctx context.Context, taskID uuid.UUID) ([]models.Dependency, error) {
	var deps []models.Dependency
	for _, dep := range r.st.deps {
		if dep.TargetTaskID == taskID {
			deps = append(deps, *dep)
		}
	}
	return deps, nil
}

func (r *memDepRepo) SnapshotBlocks(ctx context.Context) (*depgraph.Graph, error) {
	var edges []depgraph.Edge
	for _, dep := range r.st.deps {
		if dep.DependencyType == models.DependencyTypeBlocks {
			edges = append(edges, depgraph.Edge{ID: dep.ID, Source: dep.SourceTaskID, Target: dep.TargetTaskID})
		}
	}
	return depgraph.New(edges), nil
}

func (r *memDepRepo) ListDependentTaskIDs(ctx context.Context, sourceTaskID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, dep := range r.st.deps {
		if dep.SourceTaskID == sourceTaskID && dep.DependencyType == models.DependencyTypeBlocks {
			ids = append(ids, dep.TargetTaskID)
		}
	}
	return ids, nil
}

func (r *memDepRepo) ListActiveBlocking(ctx context.Context) ([]repositories.BlockingEdge, error) {
	var rows []repositories.BlockingEdge
	for _, dep := range r.st.deps {
		if !dep.IsActiveBlock() {
			continue
		}
		src, ok := r.st.tasks[dep.SourceTaskID]
		if !ok || src.DeletedAt != nil || src.IsComplete() {
			continue
		}
		rows = append(rows, repositories.BlockingEdge{
			Dependency:    *dep,
			SourceTitle:   src.Title,
			SourceStatus:  src.Status,
			SourceBlocked: src.Blocked,
		})
	}
	return rows, nil
}

func (r *memDepRepo) ApplyOverride(ctx context.Context, edgeID uuid.UUID, actor, reason string) (*models.Dependency, error) {
	dep, ok := r.st.deps[edgeID]
	if !ok || !dep.IsActiveBlock() {
		return nil, sql.ErrNoRows
	}
	now := time.Now().UTC()
	dep.EmergencyOverride = true
	dep.OverrideReason = &reason
	dep.OverrideBy = &actor
	dep.OverrideAt = &now
	dep.UpdatedAt = now
	copied := *dep
	return &copied, nil
}

func (r *memDepRepo) RevokeOverride(ctx context.Context, edgeID uuid.UUID) (*models.Dependency, error) {
	dep, ok := r.st.deps[edgeID]
	if !ok || !dep.EmergencyOverride {
		return nil, sql.ErrNoRows
	}
	dep.EmergencyOverride = false
	dep.OverrideReason = nil
	dep.OverrideBy = nil
	dep.OverrideAt = nil
	dep.UpdatedAt = time.Now().UTC()
	copied := *dep
	return &copied, nil
}

func (r *memDepRepo) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var removed int64
	for id, dep := range r.st.deps {
		if dep.TenantID == tenantID {
			delete(r.st.deps, id)
			removed++
		}
	}
	return removed, nil
}

type memAuditRepo struct{ st *memState }

func (r *memAuditRepo) Append(ctx context.Context, entry *models.AuditEntry) error {
	r.st.seq++
	entry.Seq = r.st.seq
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.OccurredAt = time.Now().UTC()
	stored := *entry
	r.st.audit = append(r.st.audit, &stored)
	return nil
}

func (r *memAuditRepo) Query(ctx context.Context, q models.AuditQuery) ([]models.AuditEntry, int, error) {
	var matched []models.AuditEntry
	for _, entry := range r.st.audit {
		if q.EdgeID != nil && (entry.EdgeID == nil || *entry.EdgeID != *q.EdgeID) {
			continue
		}
		if q.TaskID != nil && entry.SourceTaskID != *q.TaskID && entry.TargetTaskID != *q.TaskID {
			continue
		}
		if q.Since != nil && entry.OccurredAt.Before(*q.Since) {
			continue
		}
		if q.Until != nil && entry.OccurredAt.After(*q.Until) {
			continue
		}
		matched = append(matched, *entry)
	}
	return matched, len(matched), nil
}

type fakeLocker struct {
	calls int
	keys  []string
	err   error
}

func (l *fakeLocker) WithLock(ctx context.Context, key string, ttl, timeout time.Duration, fn func() error) error {
	l.calls++
	l.keys = append(l.keys, key)
	if l.err != nil {
		return l.err
	}
	return fn()
}

type fakeEmitter struct {
	created     []*models.Dependency
	removed     []*models.Dependency
	transitions []map[uuid.UUID]bool
}

func (e *fakeEmitter) EmitDependencyCreated(ctx context.Context, dep *models.Dependency) {
	e.created = append(e.created, dep)
}

func (e *fakeEmitter) EmitDependencyRemoved(ctx context.Context, dep *models.Dependency, actor string) {
	e.removed = append(e.removed, dep)
}

func (e *fakeEmitter) EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool) {
	if len(transitions) > 0 {
		e.transitions = append(e.transitions, transitions)
	}
}

// fakeTx satisfies database.Tx for the methods the services touch. The
// repositories above never use the handle, so the embedded interface stays nil.
type fakeTx struct {
	database.Tx
	db   *fakeDB
	open bool
}

func (t *fakeTx) IsOpen() bool { return t.open }

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.open {
		t.open = false
		t.db.commits++
	}
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.open {
		t.open = false
		t.db.rollbacks++
	}
	return nil
}

type fakeDB struct {
	commits   int
	rollbacks int
	beginErr  error
}

func (d *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	if d.beginErr != nil {
		return ctx, nil, d.beginErr
	}
	return ctx, &fakeTx{db: d, open: true}, nil
}
