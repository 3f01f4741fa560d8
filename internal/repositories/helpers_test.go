package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/trellis/internal/repositories"
	appctx "github.com/Ramsey-B/trellis/pkg/context"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/deperr"
	"github.com/Ramsey-B/trellis/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	// Use environment variables or defaults for test DB
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "coordinator"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "trellis"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

// getTestContext returns a context scoped to a tenant. Tests use a fresh
// tenant each so audit entries, which are append-only, never collide.
func getTestContext(tenantID uuid.UUID) context.Context {
	ctx := context.Background()
	return appctx.SetTenantID(ctx, tenantID.String())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

// assertUnauthorized asserts that err is an HTTP 401 error
func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err), "expected 401, got: %d", httperror.GetStatusCode(err))
}

// assertCode asserts that err carries the given domain error code
func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, deperr.IsCode(err, code), "expected code %q, got: %v", code, err)
}

func createTask(t *testing.T, repo *repositories.TaskRepository, ctx context.Context, title string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:     uuid.New(),
		Title:  title,
		Status: status,
	}
	require.NoError(t, repo.Upsert(ctx, task))
	return task
}

func createEdge(t *testing.T, repo *repositories.DependencyRepository, ctx context.Context, source, target uuid.UUID, hardBlock bool) *models.Dependency {
	t.Helper()
	dep := &models.Dependency{
		SourceTaskID:   source,
		TargetTaskID:   target,
		DependencyType: models.DependencyTypeBlocks,
		HardBlock:      hardBlock,
		CreatedBy:      "test-user",
	}
	require.NoError(t, repo.Create(ctx, dep))
	return dep
}
