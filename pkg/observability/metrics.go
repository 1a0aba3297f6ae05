package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_queue_job_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"queue", "type", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalforge_queue_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "type"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evalforge_queue_depth",
			Help: "Number of waiting jobs per queue",
		},
		[]string{"queue"},
	)

	// Agent metrics
	agentExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent", "status"},
	)

	agentExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalforge_agent_execution_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Workflow metrics
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_workflows_total",
			Help: "Total number of workflows by terminal status",
		},
		[]string{"status"},
	)

	// Error handler metrics
	errorsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalforge_errors_handled_total",
			Help: "Total number of classified errors",
		},
		[]string{"category", "severity"},
	)

	circuitBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evalforge_circuit_breaker_open",
			Help: "Whether the circuit breaker for an agent key is open (1) or closed (0)",
		},
		[]string{"key"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			jobTransitionsTotal,
			jobDuration,
			queueDepth,
			agentExecutionsTotal,
			agentExecutionDuration,
			workflowsTotal,
			errorsHandledTotal,
			circuitBreakerOpen,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordJobStateChange records a queue job state transition.
func RecordJobStateChange(queue, jobType, status string) {
	jobTransitionsTotal.WithLabelValues(queue, jobType, status).Inc()
}

// RecordJobDuration records a finished handler run.
func RecordJobDuration(queue, jobType string, duration time.Duration) {
	jobDuration.WithLabelValues(queue, jobType).Observe(duration.Seconds())
}

// SetQueueDepth sets the waiting-job gauge for a queue.
func SetQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordAgentExecution records one agent execution outcome.
func RecordAgentExecution(agent, status string, duration time.Duration) {
	agentExecutionsTotal.WithLabelValues(agent, status).Inc()
	agentExecutionDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordWorkflow records a workflow reaching a terminal status.
func RecordWorkflow(status string) {
	workflowsTotal.WithLabelValues(status).Inc()
}

// RecordErrorHandled records a classified error.
func RecordErrorHandled(category, severity string) {
	errorsHandledTotal.WithLabelValues(category, severity).Inc()
}

// SetCircuitBreakerOpen records circuit-breaker state for an agent key.
func SetCircuitBreakerOpen(key string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	circuitBreakerOpen.WithLabelValues(key).Set(v)
}
