package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the orchestrator exports,
// registered on a caller-supplied registry rather than the global one, so
// tests can construct a private registry and assert on it without
// clobbering process-global state. The composition root registers them on
// the registry served at /metrics; no component (job manager, registry,
// router, transport) holds the struct or updates these collectors.
type Metrics struct {
	JobsSubmittedTotal *prometheus.CounterVec
	JobsOutcomeTotal   *prometheus.CounterVec
	JobDispatchLatency *prometheus.HistogramVec
	JobRetryTotal      *prometheus.CounterVec

	RoutableWorkers *prometheus.GaugeVec
	RouteDecisions  *prometheus.CounterVec

	WorkerCircuitState *prometheus.GaugeVec
}

// New registers every collector against reg and returns the bundle.
// Both the tests and cmd/orchestrator pass a private prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "jobs_submitted_total",
			Help:      "Total work requests submitted to the job manager, by task kind.",
		}, []string{"task_kind"}),

		JobsOutcomeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "jobs_outcome_total",
			Help:      "Total jobs reaching a terminal state, by task kind and outcome.",
		}, []string{"task_kind", "outcome"}),

		JobDispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "job_dispatch_latency_seconds",
			Help:      "Time from dispatch attempt start to a synchronous response or async acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_kind", "worker_id"}),

		JobRetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "job_retry_total",
			Help:      "Total retry attempts, by task kind and failure reason.",
		}, []string{"task_kind", "reason"}),

		RoutableWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "routable_workers",
			Help:      "Number of registered workers eligible for routing, by task kind and health.",
		}, []string{"task_kind", "health"}),

		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "route_decisions_total",
			Help:      "Total routing decisions made, by task kind and chosen worker.",
		}, []string{"task_kind", "worker_id"}),

		WorkerCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "worker_circuit_state",
			Help:      "Circuit breaker state per worker: 0=closed, 1=half-open, 2=open.",
		}, []string{"worker_id"}),
	}

	reg.MustRegister(
		m.JobsSubmittedTotal,
		m.JobsOutcomeTotal,
		m.JobDispatchLatency,
		m.JobRetryTotal,
		m.RoutableWorkers,
		m.RouteDecisions,
		m.WorkerCircuitState,
	)

	return m
}
