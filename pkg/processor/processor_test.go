package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/trellis/config"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/kafka"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/redis"
)

type memStore struct {
	tasks map[uuid.UUID]*models.Task
	deps  map[uuid.UUID]*models.Dependency
}

func (st *memStore) deriveBlocked(taskID uuid.UUID) bool {
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

type memTasks struct{ st *memStore }

// Upsert mirrors the ON CONFLICT behavior of the real repository: conflicts
// keep the stored blocked flag and resurrect soft-deleted rows.
func (r *memTasks) Upsert(ctx context.Context, task *models.Task) error {
	if existing, ok := r.st.tasks[task.ID]; ok {
		existing.Title = task.Title
		existing.Status = task.Status
		existing.DeletedAt = nil
		task.Blocked = existing.Blocked
		return nil
	}
	task.Blocked = false
	stored := *task
	r.st.tasks[task.ID] = &stored
	return nil
}

func (r *memTasks) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	task, ok := r.st.tasks[id]
	if !ok || task.DeletedAt != nil {
		return nil, deperr.TaskNotFound(id)
	}
	copied := *task
	return &copied, nil
}

func (r *memTasks) RecomputeBlocked(ctx context.Context, taskID uuid.UUID) (bool, error) {
	task, ok := r.st.tasks[taskID]
	if !ok {
		return false, deperr.TaskNotFound(taskID)
	}
	task.Blocked = r.st.deriveBlocked(taskID)
	return task.Blocked, nil
}

func (r *memTasks) SoftDelete(ctx context.Context, taskID uuid.UUID) error {
	task, ok := r.st.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return deperr.TaskNotFound(taskID)
	}
	now := time.Now().UTC()
	task.DeletedAt = &now
	return nil
}

type memDeps struct{ st *memStore }

func (r *memDeps) ListDependentTaskIDs(ctx context.Context, sourceTaskID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, dep := range r.st.deps {
		if dep.SourceTaskID == sourceTaskID && dep.DependencyType == models.DependencyTypeBlocks {
			ids = append(ids, dep.TargetTaskID)
		}
	}
	return ids, nil
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
	transitions []map[uuid.UUID]bool
}

func (e *fakeEmitter) EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool) {
	if len(transitions) > 0 {
		e.transitions = append(e.transitions, transitions)
	}
}

type fakeProjector struct {
	upserts []*models.Task
	deletes []uuid.UUID
}

func (p *fakeProjector) UpsertTask(ctx context.Context, task *models.Task) error {
	p.upserts = append(p.upserts, task)
	return nil
}

func (p *fakeProjector) DeleteTask(ctx context.Context, tenantID, taskID uuid.UUID) error {
	p.deletes = append(p.deletes, taskID)
	return nil
}

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
}

func (d *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &fakeTx{db: d, open: true}, nil
}

type fixture struct {
	st        *memStore
	db        *fakeDB
	locker    *fakeLocker
	emitter   *fakeEmitter
	projector *fakeProjector
	proc      *Processor
	tenant    uuid.UUID
	ctx       context.Context
}

func newFixture() *fixture {
	st := &memStore{
		tasks: map[uuid.UUID]*models.Task{},
		deps:  map[uuid.UUID]*models.Dependency{},
	}
	db := &fakeDB{}
	locker := &fakeLocker{}
	emitter := &fakeEmitter{}
	projector := &fakeProjector{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg := config.Config{
		GraphLockTTL:            5 * time.Second,
		GraphLockAcquireTimeout: time.Second,
	}
	proc := NewProcessor(cfg, db, &memTasks{st}, &memDeps{st}, locker, emitter, projector, logger)

	return &fixture{
		st:        st,
		db:        db,
		locker:    locker,
		emitter:   emitter,
		projector: projector,
		proc:      proc,
		tenant:    uuid.New(),
		ctx:       context.Background(),
	}
}

func (f *fixture) addTask(title string, status models.TaskStatus) *models.Task {
	task := &models.Task{
		ID:       uuid.New(),
		TenantID: f.tenant,
		Title:    title,
		Status:   status,
	}
	f.st.tasks[task.ID] = task
	return task
}

func (f *fixture) addBlocksEdge(source, target uuid.UUID) *models.Dependency {
	dep := &models.Dependency{
		ID:             uuid.New(),
		TenantID:       f.tenant,
		SourceTaskID:   source,
		TargetTaskID:   target,
		DependencyType: models.DependencyTypeBlocks,
		HardBlock:      true,
	}
	f.st.deps[dep.ID] = dep
	f.st.tasks[target].Blocked = f.st.deriveBlocked(target)
	return dep
}

// message runs the event through the same parsing the consumer does.
func (f *fixture) message(t *testing.T, event kafka.TaskEvent) *kafka.IncomingMessage {
	t.Helper()
	if event.TenantID == "" {
		event.TenantID = f.tenant.String()
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	msg := &kafka.IncomingMessage{Value: payload, Topic: "task-events"}
	require.NoError(t, msg.ParseTaskEvent())
	return msg
}

func TestHandleMessageCreatedMirrorsTask(t *testing.T) {
	f := newFixture()
	taskID := uuid.New()

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventCreated,
		TaskID:    taskID.String(),
		Title:     "ship release notes",
		Status:    string(models.TaskStatusPending),
	}))
	require.NoError(t, err)

	task := f.st.tasks[taskID]
	require.NotNil(t, task)
	assert.Equal(t, "ship release notes", task.Title)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.False(t, task.Blocked)
	assert.Equal(t, f.tenant, task.TenantID)

	assert.Equal(t, 1, f.db.commits)
	require.Len(t, f.locker.keys, 1)
	assert.Equal(t, "graph:"+f.tenant.String(), f.locker.keys[0])
	assert.Empty(t, f.emitter.transitions)
	require.Len(t, f.projector.upserts, 1)
	assert.Equal(t, taskID, f.projector.upserts[0].ID)
}

func TestHandleMessageCompletedSourceUnblocksDependents(t *testing.T) {
	f := newFixture()
	source := f.addTask("write docs", models.TaskStatusInProgress)
	target := f.addTask("publish docs", models.TaskStatusPending)
	f.addBlocksEdge(source.ID, target.ID)
	require.True(t, f.st.tasks[target.ID].Blocked)

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventStatusChanged,
		TaskID:    source.ID.String(),
		Status:    string(models.TaskStatusCompleted),
	}))
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, f.st.tasks[source.ID].Status)
	assert.Equal(t, "write docs", f.st.tasks[source.ID].Title, "status events omit the title, the stored one stays")
	assert.False(t, f.st.tasks[target.ID].Blocked)

	require.Len(t, f.emitter.transitions, 1)
	assert.Equal(t, map[uuid.UUID]bool{target.ID: false}, f.emitter.transitions[0])
}

func TestHandleMessageRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	source := f.addTask("write docs", models.TaskStatusInProgress)
	target := f.addTask("publish docs", models.TaskStatusPending)
	f.addBlocksEdge(source.ID, target.ID)

	msg := f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventStatusChanged,
		TaskID:    source.ID.String(),
		Status:    string(models.TaskStatusCompleted),
	})
	require.NoError(t, f.proc.HandleMessage(f.ctx, msg))
	require.NoError(t, f.proc.HandleMessage(f.ctx, msg))

	assert.False(t, f.st.tasks[target.ID].Blocked)
	assert.Len(t, f.emitter.transitions, 1, "the replay changes nothing, so nothing is emitted")
	assert.Equal(t, 2, f.db.commits)
}

func TestHandleMessageReopenedSourceReblocks(t *testing.T) {
	f := newFixture()
	source := f.addTask("write docs", models.TaskStatusCompleted)
	target := f.addTask("publish docs", models.TaskStatusPending)
	f.addBlocksEdge(source.ID, target.ID)
	require.False(t, f.st.tasks[target.ID].Blocked)

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventStatusChanged,
		TaskID:    source.ID.String(),
		Status:    string(models.TaskStatusInProgress),
	}))
	require.NoError(t, err)

	assert.True(t, f.st.tasks[target.ID].Blocked)
	require.Len(t, f.emitter.transitions, 1)
	assert.Equal(t, map[uuid.UUID]bool{target.ID: true}, f.emitter.transitions[0])
}

func TestHandleMessageDeletedSourceUnblocksDependents(t *testing.T) {
	f := newFixture()
	source := f.addTask("write docs", models.TaskStatusInProgress)
	target := f.addTask("publish docs", models.TaskStatusPending)
	f.addBlocksEdge(source.ID, target.ID)

	msg := f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventDeleted,
		TaskID:    source.ID.String(),
	})
	require.NoError(t, f.proc.HandleMessage(f.ctx, msg))

	assert.NotNil(t, f.st.tasks[source.ID].DeletedAt)
	assert.False(t, f.st.tasks[target.ID].Blocked)
	require.Len(t, f.emitter.transitions, 1)
	assert.Equal(t, map[uuid.UUID]bool{target.ID: false}, f.emitter.transitions[0])
	assert.Equal(t, []uuid.UUID{source.ID}, f.projector.deletes)

	// Redelivered deletes are a no-op.
	require.NoError(t, f.proc.HandleMessage(f.ctx, msg))
	assert.Len(t, f.emitter.transitions, 1)
}

func TestHandleMessageResurrectedSourceReblocks(t *testing.T) {
	f := newFixture()
	source := f.addTask("write docs", models.TaskStatusInProgress)
	target := f.addTask("publish docs", models.TaskStatusPending)
	f.addBlocksEdge(source.ID, target.ID)

	require.NoError(t, f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventDeleted,
		TaskID:    source.ID.String(),
	})))
	require.False(t, f.st.tasks[target.ID].Blocked)

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventCreated,
		TaskID:    source.ID.String(),
		Title:     "write docs",
		Status:    string(models.TaskStatusInProgress),
	}))
	require.NoError(t, err)

	assert.Nil(t, f.st.tasks[source.ID].DeletedAt)
	assert.True(t, f.st.tasks[target.ID].Blocked, "edges survive a soft delete, so the returning source blocks again")
}

func TestHandleMessageMalformedIdentifiersSkipped(t *testing.T) {
	f := newFixture()

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventCreated,
		TenantID:  "not-a-uuid",
		TaskID:    uuid.New().String(),
	}))
	require.NoError(t, err, "unusable events are skipped so the consumer can commit")

	err = f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventCreated,
		TaskID:    "not-a-uuid",
	}))
	require.NoError(t, err)

	assert.Zero(t, f.locker.calls)
	assert.Zero(t, f.db.commits)
}

func TestHandleMessageUnknownEventTypeSkipped(t *testing.T) {
	f := newFixture()

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: "task.archived",
		TaskID:    uuid.New().String(),
	}))
	require.NoError(t, err)
	assert.Zero(t, f.locker.calls)
}

func TestHandleMessageUnknownStatusSkipped(t *testing.T) {
	f := newFixture()

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventStatusChanged,
		TaskID:    uuid.New().String(),
		Status:    "paused",
	}))
	require.NoError(t, err)
	assert.Zero(t, f.locker.calls)
}

func TestHandleMessageLockTimeoutRetried(t *testing.T) {
	f := newFixture()
	f.locker.err = redis.ErrLockNotAcquired
	task := f.addTask("write docs", models.TaskStatusPending)

	err := f.proc.HandleMessage(f.ctx, f.message(t, kafka.TaskEvent{
		EventType: kafka.TaskEventUpdated,
		TaskID:    task.ID.String(),
		Title:     "write docs",
		Status:    string(models.TaskStatusPending),
	}))
	require.Error(t, err, "lock contention must surface so the offset is not committed")
	assert.Equal(t, http.StatusServiceUnavailable, httperror.GetStatusCode(err))
}
