package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/trellis/pkg/metrics"
	"github.com/Ramsey-B/trellis/pkg/models"
	"github.com/Ramsey-B/trellis/pkg/tracing"
)

// ProjectionService mirrors tasks and dependency edges into the graph
// database. Tasks become (:Task) nodes, edges become [:DEPENDS_ON]
// relationships keyed by edge_id.
type ProjectionService struct {
	client *Client
	logger ectologger.Logger
}

// NewProjectionService creates a new projection service
func NewProjectionService(client *Client, logger ectologger.Logger) *ProjectionService {
	return &ProjectionService{
		client: client,
		logger: logger,
	}
}

// UpsertTask creates or updates a task node
func (s *ProjectionService) UpsertTask(ctx context.Context, task *models.Task) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.UpsertTask")
	defer span.End()

	cypher := `
		MERGE (t:Task {id: $id, tenant_id: $tenant_id})
		SET t.title = $title, t.status = $status, t.blocked = $blocked
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        task.ID.String(),
			"tenant_id": task.TenantID.String(),
			"title":     task.Title,
			"status":    string(task.Status),
			"blocked":   task.Blocked,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	s.record("upsert_task", err)

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": task.ID,
		}).Error("Failed to project task into graph")
		return fmt.Errorf("failed to project task into graph: %w", err)
	}

	return nil
}

// UpsertEdge creates or updates a dependency edge between two task nodes,
// creating the nodes if the task events have not arrived yet.
func (s *ProjectionService) UpsertEdge(ctx context.Context, dep *models.Dependency) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.UpsertEdge")
	defer span.End()

	cypher := `
		MERGE (from:Task {id: $source_id, tenant_id: $tenant_id})
		MERGE (to:Task {id: $target_id, tenant_id: $tenant_id})
		MERGE (from)-[r:DEPENDS_ON {edge_id: $edge_id, tenant_id: $tenant_id}]->(to)
		SET r.dependency_type = $dependency_type,
		    r.hard_block = $hard_block,
		    r.emergency_override = $emergency_override
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"edge_id":            dep.ID.String(),
			"tenant_id":          dep.TenantID.String(),
			"source_id":          dep.SourceTaskID.String(),
			"target_id":          dep.TargetTaskID.String(),
			"dependency_type":    string(dep.DependencyType),
			"hard_block":         dep.HardBlock,
			"emergency_override": dep.EmergencyOverride,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	s.record("upsert_edge", err)

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_id": dep.ID,
		}).Error("Failed to project edge into graph")
		return fmt.Errorf("failed to project edge into graph: %w", err)
	}

	return nil
}

// DeleteTask removes a task node and its edges from the mirror
func (s *ProjectionService) DeleteTask(ctx context.Context, tenantID, taskID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.DeleteTask")
	defer span.End()

	cypher := `
		MATCH (t:Task {id: $id, tenant_id: $tenant_id})
		DETACH DELETE t
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        taskID.String(),
			"tenant_id": tenantID.String(),
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	s.record("delete_task", err)

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"task_id": taskID,
		}).Error("Failed to delete task from graph")
		return fmt.Errorf("failed to delete task from graph: %w", err)
	}

	return nil
}

// DeleteEdge removes a dependency edge from the mirror
func (s *ProjectionService) DeleteEdge(ctx context.Context, tenantID, edgeID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.DeleteEdge")
	defer span.End()

	cypher := `
		MATCH ()-[r:DEPENDS_ON {edge_id: $edge_id, tenant_id: $tenant_id}]->()
		DELETE r
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"edge_id":   edgeID.String(),
			"tenant_id": tenantID.String(),
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	s.record("delete_edge", err)

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_id": edgeID,
		}).Error("Failed to delete edge from graph")
		return fmt.Errorf("failed to delete edge from graph: %w", err)
	}

	return nil
}

// Rebuild wipes a tenant's mirror and reprojects it from the given tasks and
// edges. Used by the rebuild command when the mirror drifts from Postgres.
func (s *ProjectionService) Rebuild(ctx context.Context, tenantID uuid.UUID, tasks []models.Task, deps []models.Dependency) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ProjectionService.Rebuild")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"tasks":     len(tasks),
		"edges":     len(deps),
	})

	taskBatch := make([]map[string]any, len(tasks))
	for i, task := range tasks {
		taskBatch[i] = map[string]any{
			"id":      task.ID.String(),
			"title":   task.Title,
			"status":  string(task.Status),
			"blocked": task.Blocked,
		}
	}

	edgeBatch := make([]map[string]any, len(deps))
	for i, dep := range deps {
		edgeBatch[i] = map[string]any{
			"edge_id":            dep.ID.String(),
			"source_id":          dep.SourceTaskID.String(),
			"target_id":          dep.TargetTaskID.String(),
			"dependency_type":    string(dep.DependencyType),
			"hard_block":         dep.HardBlock,
			"emergency_override": dep.EmergencyOverride,
		}
	}

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (t:Task {tenant_id: $tenant_id})
			DETACH DELETE t
		`, map[string]any{"tenant_id": tenantID.String()}); err != nil {
			return nil, err
		}

		if len(taskBatch) > 0 {
			if _, err := tx.Run(ctx, `
				UNWIND $batch AS data
				MERGE (t:Task {id: data.id, tenant_id: $tenant_id})
				SET t.title = data.title, t.status = data.status, t.blocked = data.blocked
			`, map[string]any{"batch": taskBatch, "tenant_id": tenantID.String()}); err != nil {
				return nil, err
			}
		}

		if len(edgeBatch) > 0 {
			if _, err := tx.Run(ctx, `
				UNWIND $batch AS data
				MERGE (from:Task {id: data.source_id, tenant_id: $tenant_id})
				MERGE (to:Task {id: data.target_id, tenant_id: $tenant_id})
				MERGE (from)-[r:DEPENDS_ON {edge_id: data.edge_id, tenant_id: $tenant_id}]->(to)
				SET r.dependency_type = data.dependency_type,
				    r.hard_block = data.hard_block,
				    r.emergency_override = data.emergency_override
			`, map[string]any{"batch": edgeBatch, "tenant_id": tenantID.String()}); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})
	s.record("rebuild", err)

	if err != nil {
		log.WithError(err).Error("Failed to rebuild graph mirror")
		return fmt.Errorf("failed to rebuild graph mirror: %w", err)
	}

	log.Info("Rebuilt graph mirror")
	return nil
}

func (s *ProjectionService) record(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordGraphProjection(operation, status)
}
