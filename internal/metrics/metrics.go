// Package metrics defines the Prometheus collectors shared across the three
// services, generalizing the teacher's worker/main.go histogram/counter
// trio (worker_task_duration_seconds, worker_tasks_completed_total,
// worker_tasks_failed_total) to the job pipeline's dispatch/report/socket
// surfaces.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Worker Pool (C4)
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "worker_dispatch_duration_seconds",
		Help: "Time taken for one generator dispatch call.",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_completed_total",
		Help: "Total number of jobs completed successfully.",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_failed_total",
		Help: "Total number of jobs that reached a terminal failed state.",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_retried_total",
		Help: "Total number of retry re-enqueues.",
	})
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_jobs_dead_lettered_total",
		Help: "Total number of jobs appended to the dead-letter stream.",
	})

	// Submission API (C3)
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "api_jobs_submitted_total",
		Help: "Total number of jobs accepted by the Submission API.",
	})
	ReportsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_reports_received_total",
		Help: "Total number of accepted Report calls, by type.",
	}, []string{"type"})

	// Notification Gateway (C5)
	ConnectedSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connected_sockets",
		Help: "Number of currently connected websocket clients.",
	})
	EventsPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_pushed_total",
		Help: "Total number of events pushed to subscribed sockets, by event type.",
	}, []string{"event"})
)

// RegisterWorker registers the Worker Pool's collectors.
func RegisterWorker(reg prometheus.Registerer) {
	reg.MustRegister(DispatchDuration, JobsCompleted, JobsFailed, JobsRetried, DeadLettered)
}

// RegisterAPI registers the Submission API's collectors.
func RegisterAPI(reg prometheus.Registerer) {
	reg.MustRegister(JobsSubmitted, ReportsReceived)
}

// RegisterGateway registers the Notification Gateway's collectors.
func RegisterGateway(reg prometheus.Registerer) {
	reg.MustRegister(ConnectedSockets, EventsPushed)
}
