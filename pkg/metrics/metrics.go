// Package metrics provides Prometheus metrics for the Trellis service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DependencyMutationsTotal tracks edge mutations by action and outcome
	DependencyMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "graph",
			Name:      "dependency_mutations_total",
			Help:      "Total number of dependency edge mutations by action and status",
		},
		[]string{"tenant_id", "action", "status"},
	)

	// CycleRejectionsTotal tracks mutations rejected by the cycle check
	CycleRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "graph",
			Name:      "cycle_rejections_total",
			Help:      "Total number of edge insertions rejected because they would create a cycle",
		},
		[]string{"tenant_id"},
	)

	// CycleCheckDuration tracks how long the cycle check takes
	CycleCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "graph",
			Name:      "cycle_check_duration_seconds",
			Help:      "Duration of the would-create-cycle check in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	// BlockingChainDuration tracks blocking chain query duration
	BlockingChainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "graph",
			Name:      "blocking_chain_duration_seconds",
			Help:      "Duration of blocking chain computations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// OverridesTotal tracks emergency override operations
	OverridesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "override",
			Name:      "operations_total",
			Help:      "Total number of emergency override operations by action and status",
		},
		[]string{"tenant_id", "action", "status"},
	)

	// TasksBlocked tracks tasks flipped into or out of the blocked state
	TasksBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "graph",
			Name:      "task_block_transitions_total",
			Help:      "Total number of derived blocked flag transitions",
		},
		[]string{"tenant_id", "blocked"},
	)

	// GraphLockWaitTime tracks time spent waiting for the tenant graph lock
	GraphLockWaitTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "graph",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring the tenant graph lock in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		},
	)

	// TaskEventsProcessed tracks task events consumed from Kafka
	TaskEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "consumer",
			Name:      "task_events_total",
			Help:      "Total number of task events processed by type and status",
		},
		[]string{"event_type", "status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// GraphProjectionsTotal tracks graph database projection writes
	GraphProjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "projection",
			Name:      "writes_total",
			Help:      "Total number of graph database projection writes by status",
		},
		[]string{"operation", "status"},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordDependencyMutation records an edge mutation outcome
func RecordDependencyMutation(tenantID, action, status string) {
	DependencyMutationsTotal.WithLabelValues(tenantID, action, status).Inc()
}

// RecordCycleRejection records an insertion rejected by the cycle check
func RecordCycleRejection(tenantID string) {
	CycleRejectionsTotal.WithLabelValues(tenantID).Inc()
}

// RecordOverride records an emergency override operation
func RecordOverride(tenantID, action, status string) {
	OverridesTotal.WithLabelValues(tenantID, action, status).Inc()
}

// RecordBlockTransition records a derived blocked flag change
func RecordBlockTransition(tenantID string, blocked bool) {
	label := "false"
	if blocked {
		label = "true"
	}
	TasksBlocked.WithLabelValues(tenantID, label).Inc()
}

// RecordTaskEvent records a consumed task event
func RecordTaskEvent(eventType, status string) {
	TaskEventsProcessed.WithLabelValues(eventType, status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// RecordGraphProjection records a projection write to the graph database
func RecordGraphProjection(operation, status string) {
	GraphProjectionsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveQuery times one database operation: defer ObserveQuery("op")()
func ObserveQuery(operation string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
