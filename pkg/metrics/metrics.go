package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_scheduler_events_total",
			Help: "Total number of node/retry events consumed by the scheduler",
		},
		[]string{"channel"},
	)

	SchedulerMatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kci_scheduler_match_duration_seconds",
			Help:    "Time taken to match an event against the job catalog",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_jobs_submitted_total",
			Help: "Total number of jobs submitted by job name and runtime",
		},
		[]string{"job", "runtime"},
	)

	JobsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_jobs_skipped_total",
			Help: "Total number of candidate jobs skipped, by reason",
		},
		[]string{"reason"},
	)

	JobGenerationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_job_generation_errors_total",
			Help: "Total number of job generation/submission failures by error_code",
		},
		[]string{"error_code"},
	)

	WatchdogStaleChannelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kci_scheduler_watchdog_stale_total",
			Help: "Total number of times the watchdog detected a stale consumer heartbeat",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kci_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation sweep, by mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_reconciliation_cycles_total",
			Help: "Total number of reconciliation sweeps completed, by mode",
		},
		[]string{"mode"},
	)

	NodesTransitionedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_nodes_transitioned_total",
			Help: "Total number of nodes moved to a new state by a reconciler",
		},
		[]string{"mode", "state"},
	)

	// Ingester metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_ingester_http_requests_total",
			Help: "Total number of HTTP requests received by the ingester, by path and status",
		},
		[]string{"path", "status"},
	)

	CallbackAuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kci_ingester_callback_auth_failures_total",
			Help: "Total number of lab-callback requests rejected for bad/missing bearer token",
		},
	)

	CallbackLateFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kci_ingester_callback_late_failures_total",
			Help: "Total number of callback failures discovered after the 202 response was sent",
		},
	)

	WorkerPoolQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kci_ingester_worker_queue_depth",
			Help: "Current number of callback jobs queued for the worker pool",
		},
	)

	// Logspec metrics
	LogspecParsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_logspec_parses_total",
			Help: "Total number of logspec parses, by parser id and outcome",
		},
		[]string{"parser", "outcome"},
	)

	LogspecErrorsFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kci_logspec_errors_found_total",
			Help: "Total number of structured errors extracted from logs, by error_type",
		},
		[]string{"error_type"},
	)

	// Telemetry emitter metrics
	TelemetryEventsBufferedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kci_telemetry_events_buffered_total",
			Help: "Total number of telemetry events accepted into the buffer",
		},
	)

	TelemetryFlushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kci_telemetry_flush_failures_total",
			Help: "Total number of telemetry flushes that fell back to the JSONL file",
		},
	)
)

func init() {
	prometheus.MustRegister(SchedulerEventsTotal)
	prometheus.MustRegister(SchedulerMatchDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsSkippedTotal)
	prometheus.MustRegister(JobGenerationErrorsTotal)
	prometheus.MustRegister(WatchdogStaleChannelsTotal)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(NodesTransitionedTotal)

	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(CallbackAuthFailuresTotal)
	prometheus.MustRegister(CallbackLateFailuresTotal)
	prometheus.MustRegister(WorkerPoolQueueDepth)

	prometheus.MustRegister(LogspecParsesTotal)
	prometheus.MustRegister(LogspecErrorsFoundTotal)

	prometheus.MustRegister(TelemetryEventsBufferedTotal)
	prometheus.MustRegister(TelemetryFlushFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
