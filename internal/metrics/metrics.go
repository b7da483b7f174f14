package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RubricRevisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rubric_revisions_total",
			Help: "Total number of rubric edits applied",
		},
		[]string{"kind", "change"},
	)

	TaskClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marking_task_claims_total",
			Help: "Task claim attempts by outcome",
		},
		[]string{"outcome"},
	)

	TaskTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marking_task_transitions_total",
			Help: "Task state transitions by type",
		},
		[]string{"transition"},
	)

	StaleTasksReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marking_stale_tasks_released_total",
			Help: "OUT tasks returned to the pool by the sweeper",
		},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)
