/*
Package metrics provides Prometheus metrics collection and exposition for Foundry.

The metrics package defines and registers all Foundry metrics using the
Prometheus client library, providing observability into build throughput,
scheduler behavior, worker fleet health, and log pipeline pressure. Metrics
are exposed on the RPC listener's /metrics endpoint for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                             │
	│  ┌────────────────────────────────────────────┐            │
	│  │          Prometheus Registry                │            │
	│  │  - Global DefaultRegistry                   │            │
	│  │  - MustRegister at package init             │            │
	│  │  - Automatic Go runtime metrics             │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │              Sources                        │            │
	│  │                                             │            │
	│  │  Collector: polls store counts (gauges)     │            │
	│  │  Actors: inline counters at the call sites  │            │
	│  │  RPC middleware: request count + duration   │            │
	│  └──────────────────┬─────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼─────────────────────────┐            │
	│  │          GET /metrics (promhttp)            │            │
	│  └─────────────────────────────────────────────┘           │
	└─────────────────────────────────────────────────────────────┘

# Metric Categories

Groups and entries (gauges, store-polled):
  - foundry_groups_total{state}
  - foundry_entries_total{state,target}

Workers:
  - foundry_workers_total{state,target} (set by the worker manager)
  - foundry_workers_expired_total

Jobs:
  - foundry_jobs_dispatched_total{target}
  - foundry_jobs_completed_total{result}
  - foundry_jobs_requeued_total
  - foundry_job_duration_seconds{target}

Scheduler:
  - foundry_scheduler_tick_duration_seconds
  - foundry_scheduler_inbox_depth
  - foundry_scheduler_rejected_total

Log pipeline:
  - foundry_log_chunks_total
  - foundry_log_gaps_total
  - foundry_log_archives_total{result}

RPC surface:
  - foundry_rpc_requests_total{op,status}
  - foundry_rpc_request_duration_seconds{op}

# Health Endpoints

The package also hosts the component health registry behind /healthz,
/readyz, and /livez. Components report in at startup and on failure:

	metrics.RegisterComponent("store", true, "")
	metrics.UpdateComponent("store", false, "database unreachable")

Readiness requires the critical set (store, scheduler, workermgr); health
reflects every registered component; liveness only proves the process runs.

# Usage

Timing a scheduler tick:

	timer := metrics.NewTimer()
	s.tick(ctx)
	timer.ObserveDuration(metrics.SchedulerTickDuration)

Counting RPC calls in middleware:

	metrics.RPCRequestsTotal.WithLabelValues(op, status).Inc()
*/
package metrics
