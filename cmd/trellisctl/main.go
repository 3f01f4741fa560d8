package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/trellis/config"
	"github.com/Ramsey-B/trellis/internal/repositories"
	appctx "github.com/Ramsey-B/trellis/pkg/context"
	"github.com/Ramsey-B/trellis/pkg/database"
	"github.com/Ramsey-B/trellis/pkg/graph"
	"github.com/Ramsey-B/trellis/pkg/models"
)

var version = "dev"

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:     "trellisctl",
		Short:   "Operational tooling for the trellis dependency service",
		Version: version,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Info level logging")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	var target uint
	var force int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			db, err := connectDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			driver, err := migratepg.WithInstance(db.Unsafe().DB, &migratepg.Config{})
			if err != nil {
				return err
			}

			if target == 0 {
				target = uint(cfg.DatabaseMigrationVersion)
			}
			if force == 0 {
				force = cfg.DatabaseMigrationForce
			}

			err = database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             target,
				Force:               force,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			}).Migrate(cfg.DatabaseName, driver)
			if err != nil {
				return err
			}

			fmt.Println("Migrations applied")
			return nil
		},
	}

	cmd.Flags().UintVar(&target, "target", 0, "Migrate to this schema version (0 means latest)")
	cmd.Flags().IntVar(&force, "force", 0, "Force the schema version before migrating")

	return cmd
}

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Graph mirror operations",
	}
	cmd.AddCommand(graphRebuildCmd())
	return cmd
}

func graphRebuildCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild a tenant's graph mirror from PostgreSQL",
		Long: `Drops the tenant's subgraph in the graph mirror and reprojects every task
and dependency edge from PostgreSQL. Use this after the mirror has drifted,
for example when it was down while writes kept flowing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx := appctx.SetTenantID(cmd.Context(), tenantID.String())
			db, err := connectDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			graphClient, err := graph.NewClient(graph.Config{
				Host:     cfg.GraphDBHost,
				Port:     cfg.GraphDBPort,
				Username: cfg.GraphDBUser,
				Password: cfg.GraphDBPassword,
			}, logger)
			if err != nil {
				return err
			}
			defer graphClient.Close(ctx)
			if err := graphClient.VerifyConnectivity(ctx); err != nil {
				return fmt.Errorf("graph database unreachable: %w", err)
			}

			tasks, err := repositories.NewTaskRepository(db, logger).List(ctx)
			if err != nil {
				return err
			}
			deps, err := repositories.NewDependencyRepository(db, logger).List(ctx)
			if err != nil {
				return err
			}

			if err := graph.NewProjectionService(graphClient, logger).Rebuild(ctx, tenantID, tasks, deps); err != nil {
				return err
			}

			fmt.Printf("Rebuilt graph mirror for tenant %s: %d tasks, %d edges\n", tenantID, len(tasks), len(deps))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func auditCmd() *cobra.Command {
	var tenant, task, edge string
	var page, limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print audit entries for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			q := models.AuditQuery{Page: page, PageSize: limit}
			if task != "" {
				id, err := uuid.Parse(task)
				if err != nil {
					return fmt.Errorf("invalid task id: %w", err)
				}
				q.TaskID = &id
			}
			if edge != "" {
				id, err := uuid.Parse(edge)
				if err != nil {
					return fmt.Errorf("invalid edge id: %w", err)
				}
				q.EdgeID = &id
			}
			q.Normalize()

			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx := appctx.SetTenantID(cmd.Context(), tenantID.String())
			db, err := connectDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, total, err := repositories.NewAuditRepository(db, logger).Query(ctx, q)
			if err != nil {
				return err
			}

			for _, e := range entries {
				edgeID := "-"
				if e.EdgeID != nil {
					edgeID = e.EdgeID.String()
				}
				fmt.Printf("%6d  %s  %-16s  %s -> %s  edge=%s  actor=%s",
					e.Seq, e.OccurredAt.Format(time.RFC3339), e.Action,
					e.SourceTaskID, e.TargetTaskID, edgeID, e.Actor)
				if e.Reason != "" {
					fmt.Printf("  reason=%q", e.Reason)
				}
				fmt.Println()
			}
			fmt.Printf("%d of %d entries (page %d)\n", len(entries), total, q.Page)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&task, "task", "", "Filter by task id (either side of the edge)")
	cmd.Flags().StringVar(&edge, "edge", "", "Filter by edge id")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", models.DefaultAuditPageSize, "Entries per page")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func setup() (config.Config, ectologger.Logger, error) {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return cfg, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Commands print to stdout, so keep the logger quiet unless asked.
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.InfoLevel
		if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return cfg, nil, err
	}

	return cfg, zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func connectDB(ctx context.Context, cfg config.Config, logger ectologger.Logger) (database.DB, error) {
	return database.Connect(ctx, database.ConnectConfig{
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
}
