// Package integration contains end-to-end API tests. The suite starts
// PostgreSQL and Redis in containers, runs the migrations and serves the
// full route surface in process. Task lifecycle events are fed straight to
// the processor, standing in for the Kafka topic.
//
// Run with: go test -v ./test/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/trellis/config"
	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/dependencies"
	"github.com/Ramsey-B/trellis/pkg/kafka"
	"github.com/Ramsey-B/trellis/pkg/middleware"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/override"
	"github.com/Ramsey-B/trellis/pkg/processor"
	"github.com/Ramsey-B/trellis/pkg/redis"
	auditroutes "github.com/Ramsey-B/trellis/pkg/routes/audit"
	dependencyroutes "github.com/Ramsey-B/trellis/pkg/routes/dependencies"
	"github.com/Ramsey-B/trellis/pkg/routes/health"
	taskroutes "github.com/Ramsey-B/trellis/pkg/routes/tasks"
)

var (
	testServer *httptest.Server
	proc       *processor.Processor
	emitted    *captureEmitter
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	ctx := context.Background()

	pg, pgURL, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start PostgreSQL: %v\n", err)
		os.Exit(1)
	}

	red, redisHost, redisPort, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start Redis: %v\n", err)
		_ = pg.Terminate(ctx)
		os.Exit(1)
	}

	code, err := run(ctx, m, pgURL, redisHost, redisPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up test server: %v\n", err)
		code = 1
	}

	_ = red.Terminate(ctx)
	_ = pg.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "trellis",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, "", err
	}

	url := fmt.Sprintf("postgres://user:password@%s:%s/trellis?sslmode=disable", host, port.Port())
	return container, url, nil
}

func startRedis(ctx context.Context) (testcontainers.Container, string, int, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", 0, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", 0, err
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return nil, "", 0, err
	}

	return container, host, port.Int(), nil
}

func run(ctx context.Context, m *testing.M, pgURL, redisHost string, redisPort int) (int, error) {
	migrator, err := migrate.New("file://../../db/pg", pgURL)
	if err != nil {
		return 1, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return 1, fmt.Errorf("failed to apply migrations: %w", err)
	}

	sqlxDB, err := sqlx.Connect("postgres", pgURL)
	if err != nil {
		return 1, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer sqlxDB.Close()

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db := database.NewDatabaseInstance(sqlxDB, logger)

	redisClient, err := redis.NewClient(redis.Config{Host: redisHost, Port: redisPort}, logger)
	if err != nil {
		return 1, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, "trellis-test:")

	cfg := config.Config{
		GraphLockTTL:            5 * time.Second,
		GraphLockAcquireTimeout: 3 * time.Second,
	}

	taskRepo := repositories.NewTaskRepository(db, logger)
	depRepo := repositories.NewDependencyRepository(db, logger)
	auditRepo := repositories.NewAuditRepository(db, logger)

	emitted = &captureEmitter{}
	depService := dependencies.NewService(cfg, db, taskRepo, depRepo, auditRepo, locker, emitted, nil, logger)
	overrideService := override.NewService(cfg, db, taskRepo, depRepo, auditRepo, locker, emitted, nil, logger)
	proc = processor.NewProcessor(cfg, db, taskRepo, depRepo, locker, emitted, nil, logger)

	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return 1, err
	}
	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return 1, err
	}
	if err := ectoinject.RegisterInstance[*repositories.TaskRepository](container, taskRepo); err != nil {
		return 1, err
	}
	if err := ectoinject.RegisterInstance[*repositories.AuditRepository](container, auditRepo); err != nil {
		return 1, err
	}
	if err := ectoinject.RegisterInstance[*dependencies.Service](container, depService); err != nil {
		return 1, err
	}
	if err := ectoinject.RegisterInstance[*override.Service](container, overrideService); err != nil {
		return 1, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context())

	checker := health.NewChecker(db, redisClient, nil, nil, "test")
	checker.RegisterRoutes(e)
	checker.SetReady(true)

	api := e.Group("/api/v1")
	dependencyroutes.Register(api.Group("/dependencies"))
	taskroutes.Register(api.Group("/tasks"))
	auditroutes.Register(api.Group("/audit"))

	testServer = httptest.NewServer(e)
	defer testServer.Close()

	return m.Run(), nil
}

// blockTransition is one observed blocked flag flip.
type blockTransition struct {
	TaskID  uuid.UUID
	Blocked bool
}

// captureEmitter records emitted events instead of publishing them.
type captureEmitter struct {
	mu          sync.Mutex
	events      []string
	transitions []blockTransition
}

func (c *captureEmitter) EmitDependencyCreated(ctx context.Context, dep *models.Dependency) {
	c.record("dependency.created")
}

func (c *captureEmitter) EmitDependencyRemoved(ctx context.Context, dep *models.Dependency, actor string) {
	c.record("dependency.removed")
}

func (c *captureEmitter) EmitOverrideApplied(ctx context.Context, dep *models.Dependency, actor, reason string) {
	c.record("dependency.override_applied")
}

func (c *captureEmitter) EmitOverrideRevoked(ctx context.Context, dep *models.Dependency, actor, reason string) {
	c.record("dependency.override_revoked")
}

func (c *captureEmitter) EmitBlockTransitions(ctx context.Context, tenantID uuid.UUID, transitions map[uuid.UUID]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for taskID, blocked := range transitions {
		c.transitions = append(c.transitions, blockTransition{TaskID: taskID, Blocked: blocked})
	}
}

func (c *captureEmitter) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// transitionsFor returns the observed transitions of one task in order.
func (c *captureEmitter) transitionsFor(taskID uuid.UUID) []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bool
	for _, tr := range c.transitions {
		if tr.TaskID == taskID {
			out = append(out, tr.Blocked)
		}
	}
	return out
}

// TestClient wraps http.Client with the tenant and user headers every
// request needs
type TestClient struct {
	*http.Client
	baseURL  string
	tenantID string
	userID   string
}

// newClient returns a client bound to a fresh tenant so tests never see each
// other's data.
func newClient(t *testing.T) *TestClient {
	t.Helper()
	require.NotNil(t, testServer, "test server not running")
	return &TestClient{
		Client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  testServer.URL + "/api/v1",
		tenantID: uuid.New().String(),
		userID:   "it-user",
	}
}

func (c *TestClient) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	return c.Client.Do(req)
}

func (c *TestClient) Get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *TestClient) Post(path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.PostRaw(path, data)
}

func (c *TestClient) PostRaw(path string, data []byte) (*http.Response, error) {
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *TestClient) Delete(path string) (*http.Response, error) {
	req, err := http.NewRequest("DELETE", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *TestClient) DeleteWithBody(path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("DELETE", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func parseResponse(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read response body")
	if target != nil {
		require.NoError(t, json.Unmarshal(body, target), "failed to parse response: %s", string(body))
	}
}

// errorCode pulls the domain code out of an error response
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Message string         `json:"message"`
		Meta    map[string]any `json:"meta"`
	}
	parseResponse(t, resp, &body)
	code, _ := body.Meta["code"].(string)
	return code
}

// seedTask mirrors a task into the local store by feeding the processor the
// lifecycle event the task service would publish.
func seedTask(t *testing.T, c *TestClient, title string, status models.TaskStatus) uuid.UUID {
	t.Helper()
	taskID := uuid.New()
	applyEvent(t, c, kafka.TaskEvent{
		EventType: kafka.TaskEventCreated,
		TaskID:    taskID.String(),
		Title:     title,
		Status:    string(status),
	})
	return taskID
}

func setTaskStatus(t *testing.T, c *TestClient, taskID uuid.UUID, status models.TaskStatus) {
	t.Helper()
	applyEvent(t, c, kafka.TaskEvent{
		EventType: kafka.TaskEventStatusChanged,
		TaskID:    taskID.String(),
		Status:    string(status),
	})
}

func deleteTask(t *testing.T, c *TestClient, taskID uuid.UUID) {
	t.Helper()
	applyEvent(t, c, kafka.TaskEvent{
		EventType: kafka.TaskEventDeleted,
		TaskID:    taskID.String(),
	})
}

func applyEvent(t *testing.T, c *TestClient, event kafka.TaskEvent) {
	t.Helper()
	event.TenantID = c.tenantID
	event.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(event)
	require.NoError(t, err)

	msg := &kafka.IncomingMessage{
		Key:       event.TaskID,
		Value:     payload,
		Topic:     "task-events",
		Timestamp: event.Timestamp,
	}
	require.NoError(t, msg.ParseTaskEvent())
	require.NoError(t, proc.HandleMessage(context.Background(), msg))
}

// createDependency creates an edge and returns it, failing the test on any
// non-201 response.
func createDependency(t *testing.T, c *TestClient, source, target uuid.UUID, depType models.DependencyType, hardBlock *bool) models.Dependency {
	t.Helper()
	resp, err := c.Post("/dependencies", models.CreateDependencyRequest{
		SourceTaskID:   source,
		TargetTaskID:   target,
		DependencyType: depType,
		HardBlock:      hardBlock,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var dep models.Dependency
	parseResponse(t, resp, &dep)
	return dep
}

// getTask fetches the mirrored task, failing the test on any non-200.
func getTask(t *testing.T, c *TestClient, taskID uuid.UUID) models.Task {
	t.Helper()
	resp, err := c.Get("/tasks/" + taskID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var task models.Task
	parseResponse(t, resp, &task)
	return task
}
