package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/trellis/config"
	"github.com/Ramsey-B/trellis/internal/repositories"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/dependencies"
	"github.com/Ramsey-B/trellis/pkg/events"
	"github.com/Ramsey-B/trellis/pkg/graph"
	"github.com/Ramsey-B/trellis/pkg/kafka"
	"github.com/Ramsey-B/trellis/pkg/middleware"
	"github.com/Ramsey-B/trellis/pkg/override"
	"github.com/Ramsey-B/trellis/pkg/processor"
	"github.com/Ramsey-B/trellis/pkg/redis"
	auditroutes "github.com/Ramsey-B/trellis/pkg/routes/audit"
	dependencyroutes "github.com/Ramsey-B/trellis/pkg/routes/dependencies"
	"github.com/Ramsey-B/trellis/pkg/routes/health"
	taskroutes "github.com/Ramsey-B/trellis/pkg/routes/tasks"
	"github.com/Ramsey-B/trellis/pkg/startup"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, flush, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer flush()

	ctx := context.Background()

	if cfg.TracingEnabled {
		shutdown, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
			ServiceName: cfg.AppName,
			Endpoint:    cfg.TracingEndpoint,
			Protocol:    cfg.TracingProtocol,
			Insecure:    cfg.TracingInsecure,
		})
		if err != nil {
			fatal(logger, err, "failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	db, err := database.Connect(ctx, database.ConnectConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		UserName:        cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
		RetryAttempts:   cfg.DatabaseRetryAttempts,
	}, logger)
	if err != nil {
		fatal(logger, err, "failed to connect to database")
	}
	defer db.Close()

	if err := runMigrations(cfg, db, logger); err != nil {
		fatal(logger, err, "failed to run migrations")
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		fatal(logger, err, "failed to connect to redis")
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, "trellis:")

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()
	emitter := events.NewEmitter(producer, cfg.KafkaOutputTopic, logger)

	// Projection into the graph mirror is optional. When disabled the
	// services get nil interfaces and skip it.
	var graphClient *graph.Client
	var depProjector dependencies.GraphProjector
	var ovrProjector override.GraphProjector
	var procProjector processor.GraphProjector
	if cfg.GraphDBEnabled {
		graphClient, err = graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			fatal(logger, err, "failed to create graph client")
		}
		projection := graph.NewProjectionService(graphClient, logger)
		depProjector = projection
		ovrProjector = projection
		procProjector = projection
	}

	taskRepo := repositories.NewTaskRepository(db, logger)
	depRepo := repositories.NewDependencyRepository(db, logger)
	auditRepo := repositories.NewAuditRepository(db, logger)

	depService := dependencies.NewService(cfg, db, taskRepo, depRepo, auditRepo, locker, emitter, depProjector, logger)
	overrideService := override.NewService(cfg, db, taskRepo, depRepo, auditRepo, locker, emitter, ovrProjector, logger)

	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		proc := processor.NewProcessor(cfg, db, taskRepo, depRepo, locker, emitter, procProjector, logger)
		consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaTaskTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, proc.HandleMessage)
	}

	if err := buildContainer(logger, taskRepo, auditRepo, depService, overrideService); err != nil {
		fatal(logger, err, "failed to build DI container")
	}

	checker := health.NewChecker(db, redisClient, consumerOrNil(consumer), graphOrNil(graphClient), version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.Recover())
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	checker.RegisterRoutes(e)

	api := e.Group("/api/v1")
	dependencyroutes.Register(api.Group("/dependencies"))
	taskroutes.Register(api.Group("/tasks"))
	auditroutes.Register(api.Group("/audit"))

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	if graphClient != nil {
		boot.AddDependency(&component{
			name:  "graph-mirror",
			start: graphClient.VerifyConnectivity,
			stop:  graphClient.Close,
		})
	}
	if consumer != nil {
		var dependsOn []string
		if graphClient != nil {
			dependsOn = append(dependsOn, "graph-mirror")
		}
		boot.AddDependency(&component{
			name:      "kafka-consumer",
			dependsOn: dependsOn,
			start:     consumer.Start,
			stop:      func(context.Context) error { return consumer.Stop() },
		})
	}
	if err := boot.Start(ctx); err != nil {
		fatal(logger, err, "startup failed")
	}
	checker.SetReady(true)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.WithField("addr", addr).Infof("%s listening on %s", cfg.AppName, addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, err, "http server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down http server cleanly")
	}
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop components cleanly")
	}
}

func buildLogger(cfg config.Config) (ectologger.Logger, func(), error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, err
	}

	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}

func runMigrations(cfg config.Config, db database.DB, logger ectologger.Logger) error {
	driver, err := migratepg.WithInstance(db.Unsafe().DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	return database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	}).Migrate(cfg.DatabaseName, driver)
}

// buildContainer registers everything the route handlers resolve at request
// time.
func buildContainer(logger ectologger.Logger, taskRepo *repositories.TaskRepository,
	auditRepo *repositories.AuditRepository, depService *dependencies.Service,
	overrideService *override.Service) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*repositories.TaskRepository](container, taskRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*repositories.AuditRepository](container, auditRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*dependencies.Service](container, depService); err != nil {
		return err
	}
	return ectoinject.RegisterInstance[*override.Service](container, overrideService)
}

// component adapts a start/stop pair to the startup orchestrator.
type component struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (c *component) GetName() string { return c.name }

func (c *component) DependsOn() []string { return c.dependsOn }

func (c *component) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c *component) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

// consumerOrNil avoids handing the checker a typed nil.
func consumerOrNil(c *kafka.Consumer) health.HealthReporter {
	if c == nil {
		return nil
	}
	return c
}

func graphOrNil(c *graph.Client) health.ConnectivityChecker {
	if c == nil {
		return nil
	}
	return c
}

func fatal(logger ectologger.Logger, err error, msg string) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}
