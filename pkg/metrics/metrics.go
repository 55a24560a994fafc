package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeployDurationSeconds tracks how long machine deploy operations take,
	// from the start of the image build to the container passing its grace
	// window. Labels allow aggregation globally and per domain.
	DeployDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberforge_deploy_duration_seconds",
			Help:    "Duration of machine deploy operations in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"domain"},
	)

	// TerminateDurationSeconds tracks how long machine terminate operations take.
	TerminateDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberforge_terminate_duration_seconds",
			Help:    "Duration of machine terminate operations in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120},
		},
		[]string{"domain"},
	)

	// DeployOpsTotal counts completed deploy operations by domain and outcome.
	// result label is "success" or "error".
	DeployOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberforge_deploy_ops_total",
			Help: "Total number of completed machine deploy operations by domain and result",
		},
		[]string{"domain", "result"},
	)

	// TerminateOpsTotal counts completed terminate operations by domain and outcome.
	// result label is "success" or "error".
	TerminateOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberforge_terminate_ops_total",
			Help: "Total number of completed machine terminate operations by domain and result",
		},
		[]string{"domain", "result"},
	)

	// PortAllocationFailuresTotal counts allocations that exhausted the attempt
	// limit or could not verify container port bindings.
	PortAllocationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cyberforge_port_allocation_failures_total",
			Help: "Total number of failed host port allocations",
		},
	)

	// MachinesSolvedTotal counts full-machine completions by domain.
	MachinesSolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberforge_machines_solved_total",
			Help: "Total number of machines fully solved by a user",
		},
		[]string{"domain"},
	)

	// JobRetriesTotal counts worker job retries due to transient errors.
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberforge_job_retries_total",
			Help: "Total number of worker job retries due to transient errors",
		},
		[]string{"job_type"},
	)

	// JobPermanentFailuresTotal counts jobs that failed permanently (exhausted retries or non-transient error).
	JobPermanentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberforge_job_permanent_failures_total",
			Help: "Total number of worker jobs that failed permanently",
		},
		[]string{"job_type"},
	)

	// MachineLifetimeSeconds tracks the total time a machine was alive, from
	// creation to termination. Buckets are in seconds.
	MachineLifetimeSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberforge_machine_lifetime_seconds",
			Help:    "Total lifetime of a machine from creation to termination",
			Buckets: []float64{5 * 60, 15 * 60, 30 * 60, 60 * 60, 2 * 3600, 4 * 3600, 8 * 3600, 24 * 3600},
		},
		[]string{"domain"},
	)

	// JobQueueWaitSeconds tracks how long jobs wait in the Redis queue before
	// being picked up by a worker. Only meaningful when Redis is configured.
	JobQueueWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberforge_job_queue_wait_seconds",
			Help:    "Time jobs spend waiting in the Redis queue before processing",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job_type"},
	)

	// ModulesIndexed reports how many vulnerability modules are currently indexed
	// per domain. Reset and re-set on every BuildIndex call so removed modules disappear.
	ModulesIndexed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyberforge_modules_indexed",
			Help: "Number of vulnerability modules currently indexed per domain",
		},
		[]string{"domain"},
	)
)

// SetModulesIndexed resets and repopulates the ModulesIndexed gauge from a
// domain → count map. Call this after every BuildIndex to keep it current.
func SetModulesIndexed(domainCounts map[string]int) {
	ModulesIndexed.Reset()
	for domain, count := range domainCounts {
		ModulesIndexed.WithLabelValues(domain).Set(float64(count))
	}
}
