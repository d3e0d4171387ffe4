/*
Package metrics exposes burrow's Prometheus metrics and component health.

All collectors are registered on the default registry at init and served by
Handler on /metrics. Families are prefixed burrow_:

  - clusters and nodes by status and role (refreshed by the manager collector)
  - workflow counts, durations and per-step durations
  - retries, circuit breaker state, failovers and recoveries
  - worker pool queue depth and saturation
  - reconciliation cycles
  - container CPU and memory, sampled by Collector from the runtime driver
  - API requests by route and status

Timer measures a duration and observes it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkflowDuration, "create")

Components tracks the health of named process components (store, runtime,
reconciler). Critical components gate readiness; watchers are notified when a
component flips, which the API uses to keep the gRPC health service in sync.
*/
package metrics
