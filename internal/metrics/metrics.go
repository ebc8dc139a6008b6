package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"task_type"},
	)

	TasksDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_dispatched_total",
			Help: "Total number of tasks assigned to polling workers",
		},
		[]string{"task_type"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_completed_total",
			Help: "Total number of tasks reported completed",
		},
		[]string{"task_type"},
	)

	TasksFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_failed_total",
			Help: "Total number of tasks terminally failed (retry budget exhausted)",
		},
		[]string{"task_type"},
	)

	TasksRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_requeued_total",
			Help: "Total number of failed attempts re-enqueued for retry",
		},
		[]string{"task_type"},
	)

	TasksReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_reclaimed_total",
			Help: "Total number of stale processing tasks reclaimed by the sweeper",
		},
	)

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatchd_queue_length",
			Help: "Current number of pending tasks per queue",
		},
		[]string{"task_type"},
	)

	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatchd_task_duration_seconds",
			Help:    "Reported task processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"task_type"},
	)
)
