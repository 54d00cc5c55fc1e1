// Package metrics holds the Prometheus collectors shared by the scheduler
// daemon and the HTTP front end.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Scheduler ───────────────────────────────────────────────────────────────

	TasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintflow",
		Subsystem: "scheduler",
		Name:      "tasks_scheduled_total",
		Help:      "Tasks accepted by the scheduler, labelled by worker.",
	}, []string{"worker"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintflow",
		Subsystem: "scheduler",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal state, labelled by worker and status.",
	}, []string{"worker", "status"})

	TasksWaiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "maintflow",
		Subsystem: "scheduler",
		Name:      "tasks_waiting",
		Help:      "Tasks waiting in the scheduler, by worker and state (scheduled or queued).",
	}, []string{"worker", "state"})

	TasksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "maintflow",
		Subsystem: "scheduler",
		Name:      "tasks_purged_total",
		Help:      "Terminal tasks removed after their retention elapsed.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "maintflow",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"worker"})

	WorkerDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "maintflow",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
	}, []string{"worker"})

	WorkerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintflow",
		Subsystem: "worker",
		Name:      "panics_total",
		Help:      "Handler panics recovered by the pool.",
	}, []string{"worker"})

	// ─── IPC ─────────────────────────────────────────────────────────────────────

	IPCMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maintflow",
		Subsystem: "ipc",
		Name:      "messages_total",
		Help:      "IPC messages handled, labelled by type and result code.",
	}, []string{"type", "code"})

	// ─── HTTP front end ──────────────────────────────────────────────────────────

	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "maintflow",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the front-end rate limiter.",
	})
)
