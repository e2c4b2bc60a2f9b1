/*
Package metrics provides Prometheus metrics collection and exposition for
the execution engine.

All metrics are defined here, registered at package init on the default
registry, and exposed through promhttp on the admin server's /metrics
endpoint. Hot-path components (engine, queue, mutex service, adapters,
RBAC validator, masking) update counters and histograms inline; slower
state gauges are kept current by a Collector that polls the store.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry               │           │
	│  │  - Global DefaultRegistry                  │           │
	│  │  - MustRegister at package init            │           │
	│  │  - Automatic Go runtime metrics            │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Update Paths                      │           │
	│  │                                            │           │
	│  │  Inline: engine, queue, locks, adapters,   │           │
	│  │          rbac, masking, api middleware     │           │
	│  │  Polled: Collector → state gauges          │           │
	│  │          (executions, queue depth, DLQ,    │           │
	│  │           locks held)                      │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │        Admin Server Endpoints              │           │
	│  │  /metrics  promhttp exposition             │           │
	│  │  /healthz  liveness + component health     │           │
	│  │  /readyz   readiness gate                  │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Metrics Catalog

Execution lifecycle:

	engine_executions_total{status}            gauge      executions by state
	engine_executions_settled_total{status}    counter    terminal settlements
	engine_steps_total{status}                 gauge      steps by state
	engine_step_retries_total                  counter    step retry grants
	engine_step_duration_seconds{action_class} histogram  step wall time
	engine_run_duration_seconds                histogram  one queue delivery

Work queue:

	engine_queue_depth                         gauge      available items
	engine_queue_leases_held                   gauge      live leases
	engine_queue_leases_expired_total          counter    reaped leases
	engine_dlq_size                            gauge      unrequeued DLQ rows
	engine_dlq_routed_total                    counter    DLQ arrivals

Asset mutexes:

	engine_asset_locks_held                    gauge      live locks
	engine_asset_lock_wait_seconds             histogram  acquire wait
	engine_asset_locks_reaped_total            counter    expired locks reaped

Workers and egress:

	engine_workers_alive                              gauge
	engine_worker_panics_total                        counter
	engine_adapter_request_duration_seconds{adapter}  histogram
	engine_adapter_transport_retries_total{adapter}   counter

Validation and safety:

	engine_rbac_cache_hits_total               counter
	engine_rbac_cache_misses_total             counter
	engine_rbac_denied_total                   counter
	engine_mask_hits_total                     counter    redactions applied

Gates and sweeps:

	engine_approvals_expired_total             counter
	engine_cancellations_total                 counter
	engine_sweep_duration_seconds{sweep}       histogram
	engine_sweep_cycles_total{sweep}           counter

Admin API:

	engine_api_requests_total{method, status}   counter
	engine_api_request_duration_seconds{method} histogram

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RunDuration)

Timing with labels:

	timer := metrics.NewTimer()
	// ... adapter round trip ...
	timer.ObserveDurationVec(metrics.AdapterRequestDuration, "automation")

Keeping state gauges current:

	col := metrics.NewCollector(store)
	col.Start()
	defer col.Stop()

# Health Registry

The package also carries the component health registry behind /healthz
and /readyz. Long-lived components register once at startup and flip
their status as conditions change:

	metrics.RegisterComponent("queue", true, "")
	metrics.UpdateComponent("queue", false, "store compacting")

GetHealth reports every component; GetReadiness reports unhealthy only
for components that gate traffic.

# Label Discipline

Labels stay cardinality-bounded: statuses, action classes, adapter and
sweep names, API routes. Execution and step IDs never appear as label
values; those belong in the event trail.
*/
package metrics
