/*
Package metrics provides Prometheus metrics collection and exposition for the
package manager.

The metrics package defines and registers all package-manager metrics using
the Prometheus client library, providing observability into the tracked-
expectation table, the evaluation loop, the worker-selection protocol, the
Workforce registry, and status publication. Metrics are exposed via HTTP
endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Expectations: by state, error count        │          │
	│  │  Evaluation: cycle duration, transitions    │          │
	│  │  Selection: probes, assignments, duration   │          │
	│  │  Publication: queue depth, flush outcome    │          │
	│  │  Workforce: connected parties, heartbeats   │          │
	│  │  Containers: cron run outcomes              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

pkgmanager_expectations_total{state}:
  - Type: Gauge
  - Description: Tracked expectations by state (NEW/WAITING/READY/WORKING/
    FULFILLED/REMOVED/RESTARTED/ABORTED)

pkgmanager_expectation_error_count:
  - Type: Histogram
  - Description: Distribution of per-expectation errorCount, sampled each
    collection interval

pkgmanager_containers_total:
  - Type: Gauge
  - Description: Total tracked package containers

pkgmanager_evaluation_cycles_total:
  - Type: Counter
  - Description: Total evaluation-loop ticks completed

pkgmanager_evaluation_cycle_duration_seconds:
  - Type: Histogram
  - Description: Wall-clock time for one tick across all due expectations

pkgmanager_expectation_evaluation_duration_seconds{state}:
  - Type: Histogram
  - Description: Time to evaluate one expectation, labeled by the state it
    was evaluated in

pkgmanager_transitions_total{from, to}:
  - Type: Counter
  - Description: State transitions observed by the evaluator

pkgmanager_worker_probes_total{result}:
  - Type: Counter
  - Description: doYouSupportExpectation probes issued, by result
    (support/unsupported)

pkgmanager_worker_selection_duration_seconds:
  - Type: Histogram
  - Description: Time to select a worker for an expectation (fast path or
    probe slow path)

pkgmanager_workers_connected:
  - Type: Gauge
  - Description: Workers currently connected to this manager

pkgmanager_worker_assignments{worker_id}:
  - Type: Gauge
  - Description: Expectations currently assigned per worker

pkgmanager_publication_queue_depth:
  - Type: Gauge
  - Description: Distinct ids pending publication upstream

pkgmanager_publication_flushes_total{outcome}:
  - Type: Counter
  - Description: Publication flushes, by outcome (success/failure)

pkgmanager_publication_flush_duration_seconds:
  - Type: Histogram
  - Description: Time to publish one coalesced batch upstream

pkgmanager_workforce_managers_connected / pkgmanager_workforce_workers_connected:
  - Type: Gauge
  - Description: Parties currently registered with the Workforce

pkgmanager_workforce_heartbeats_total{kind} / pkgmanager_workforce_disconnects_total{kind}:
  - Type: Counter
  - Description: Heartbeats received and disconnects declared, by party
    kind (manager/worker)

pkgmanager_container_cron_runs_total{job, outcome}:
  - Type: Counter
  - Description: Container cron job invocations, by job name and outcome

# Usage

	import "github.com/cuemby/packman/pkg/metrics"

	metrics.ExpectationsTotal.WithLabelValues("WORKING").Set(12)

	timer := metrics.NewTimer()
	// ... evaluate expectation ...
	timer.ObserveDurationVec(metrics.ExpectationEvaluationDuration, "WAITING")

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/evaluator: expectation counts by state, cycle duration, transition counts
  - Collector (this package): error-count distribution
  - pkg/selection: probe and selection-duration metrics
  - pkg/publish: queue depth and flush outcome
  - pkg/workforce: connected-party gauges and heartbeat/disconnect counters
  - pkg/evaluator (container cron pass): container cron outcomes
  - Prometheus: scrapes /metrics

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so metrics are available before main() runs

Label Discipline:
  - Labels are state names, outcomes, and worker ids — bounded or
    operator-controlled cardinality, never expectation ids or timestamps

Timer Pattern:
  - Create a Timer at operation start, call ObserveDuration(Vec) at the end

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
