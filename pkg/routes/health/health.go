package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/trellis/pkg/database"
)

// Pinger is anything that answers a round-trip check, like the Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectivityChecker is the graph database client surface the checker needs.
type ConnectivityChecker interface {
	VerifyConnectivity(ctx context.Context) error
}

// HealthReporter reports a component's own view of its health, like the
// Kafka consumer.
type HealthReporter interface {
	Health() bool
}

// Checker handles health check endpoints
type Checker struct {
	db        database.DB
	redis     Pinger
	kafka     HealthReporter
	graph     ConnectivityChecker
	version   string
	startTime time.Time
	ready     atomic.Bool
}

// NewChecker creates a new health checker. Optional components may be nil and
// are then left out of the report.
func NewChecker(db database.DB, redis Pinger, kafka HealthReporter, graph ConnectivityChecker, version string) *Checker {
	return &Checker{
		db:        db,
		redis:     redis,
		kafka:     kafka,
		graph:     graph,
		version:   version,
		startTime: time.Now(),
	}
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

// CheckResult represents an individual check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health returns the overall health status
func (c *Checker) Health(ctx echo.Context) error {
	reqCtx := ctx.Request().Context()

	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult),
		ReportedAt: time.Now(),
	}

	if c.db != nil {
		status.Checks["database"] = c.timedCheck(func() error {
			return c.db.PingContext(reqCtx)
		})
	} else {
		status.Checks["database"] = &CheckResult{
			Status:  "unhealthy",
			Message: "database not configured",
		}
	}

	if c.redis != nil {
		status.Checks["redis"] = c.timedCheck(func() error {
			return c.redis.Ping(reqCtx)
		})
	}

	if c.graph != nil {
		status.Checks["graph"] = c.timedCheck(func() error {
			return c.graph.VerifyConnectivity(reqCtx)
		})
	}

	if c.kafka != nil {
		result := &CheckResult{Status: "healthy"}
		if !c.kafka.Health() {
			result.Status = "unhealthy"
			result.Message = "consumer not running"
		}
		status.Checks["kafka"] = result
	}

	httpStatus := http.StatusOK
	for _, check := range status.Checks {
		if check.Status == "unhealthy" {
			status.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	return ctx.JSON(httpStatus, status)
}

// Live returns the liveness status (is the service running)
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready returns the readiness status (is the service ready to accept traffic)
func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready.Load() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (c *Checker) timedCheck(fn func() error) *CheckResult {
	start := time.Now()
	err := fn()
	latency := time.Since(start)

	if err != nil {
		return &CheckResult{Status: "unhealthy", Message: err.Error()}
	}
	return &CheckResult{Status: "healthy", Latency: latency.String()}
}
