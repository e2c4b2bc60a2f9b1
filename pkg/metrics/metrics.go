package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step and adapter work runs for seconds to minutes, so the duration
// histograms use wider buckets than prometheus.DefBuckets.
var stepBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800}

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_executions_total",
			Help: "Total number of executions by state",
		},
		[]string{"state"},
	)

	ExecutionsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_executions_settled_total",
			Help: "Total number of executions settled by terminal state",
		},
		[]string{"state"},
	)

	StepsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_steps_total",
			Help: "Total number of steps by state",
		},
		[]string{"state"},
	)

	StepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_step_retries_total",
			Help: "Total number of step retry attempts",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_step_duration_seconds",
			Help:    "Step execution duration in seconds by action class",
			Buckets: stepBuckets,
		},
		[]string{"action_class"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_run_duration_seconds",
			Help:    "Duration of one leased execution run in seconds",
			Buckets: stepBuckets,
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Number of queue items ready or waiting for lease",
		},
	)

	QueueLeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_queue_leases_held",
			Help: "Number of queue items currently leased by workers",
		},
	)

	QueueLeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_queue_leases_expired_total",
			Help: "Total number of queue leases reclaimed by the reaper",
		},
	)

	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_dlq_size",
			Help: "Number of items parked in the dead letter queue",
		},
	)

	DLQRoutedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_dlq_routed_total",
			Help: "Total number of queue items routed to the dead letter queue",
		},
	)

	// Mutex metrics
	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_asset_locks_held",
			Help: "Number of live asset locks",
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_asset_lock_wait_seconds",
			Help:    "Time spent waiting to acquire asset locks in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LocksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_asset_locks_reaped_total",
			Help: "Total number of stale asset locks released by the reaper",
		},
	)

	// Worker metrics
	WorkersAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_workers_alive",
			Help: "Number of worker goroutines currently running",
		},
	)

	WorkerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_worker_panics_total",
			Help: "Total number of panics recovered in workers",
		},
	)

	// Adapter metrics
	AdapterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_adapter_request_duration_seconds",
			Help:    "Adapter round trip duration in seconds by adapter kind",
			Buckets: stepBuckets,
		},
		[]string{"adapter"},
	)

	AdapterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_adapter_transport_retries_total",
			Help: "Total number of transport level adapter retries by adapter kind",
		},
		[]string{"adapter"},
	)

	// RBAC metrics
	RBACCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_rbac_cache_hits_total",
			Help: "Total number of RBAC decisions served from cache",
		},
	)

	RBACCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_rbac_cache_misses_total",
			Help: "Total number of RBAC decisions fetched from the oracle",
		},
	)

	RBACDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_rbac_denied_total",
			Help: "Total number of denied RBAC checks",
		},
	)

	// Masking metrics
	MaskHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_mask_hits_total",
			Help: "Total number of strings redacted before a durable write",
		},
	)

	// Approval and cancellation metrics
	ApprovalsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_approvals_expired_total",
			Help: "Total number of approvals expired by the sweeper",
		},
	)

	CancellationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_cancellations_total",
			Help: "Total number of cancellation requests accepted",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Sweep metrics
	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_sweep_duration_seconds",
			Help:    "Background sweep duration in seconds by sweep name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	SweepCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_sweep_cycles_total",
			Help: "Total number of background sweep cycles by sweep name",
		},
		[]string{"sweep"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionsSettledTotal)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(StepRetriesTotal)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueLeasesHeld)
	prometheus.MustRegister(QueueLeasesExpiredTotal)
	prometheus.MustRegister(DLQSize)
	prometheus.MustRegister(DLQRoutedTotal)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LocksReapedTotal)
	prometheus.MustRegister(WorkersAlive)
	prometheus.MustRegister(WorkerPanicsTotal)
	prometheus.MustRegister(AdapterRequestDuration)
	prometheus.MustRegister(AdapterRetriesTotal)
	prometheus.MustRegister(RBACCacheHitsTotal)
	prometheus.MustRegister(RBACCacheMissesTotal)
	prometheus.MustRegister(RBACDeniedTotal)
	prometheus.MustRegister(MaskHitsTotal)
	prometheus.MustRegister(ApprovalsExpiredTotal)
	prometheus.MustRegister(CancellationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
