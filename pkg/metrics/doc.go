/*
Package metrics provides Prometheus metrics collection and exposition for Drover.

The metrics package defines and registers all Drover metrics using the Prometheus
client library, providing observability into job throughput, scheduling latency,
worker fleet health, and fanout behavior. Metrics are exposed via HTTP endpoint
for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  State: Pools, workers, jobs, executions    │          │
	│  │  Dispatch: Queue depth, retries, failures   │          │
	│  │  Scheduler: Latency, placement decisions    │          │
	│  │  Stream: Sessions, messages, violations     │          │
	│  │  Fanout: Subscriptions, drops, webhooks     │          │
	│  │  API: Request count, duration               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

State Metrics (refreshed by the engine's collect loop every 15s):

drover_pools_total{status}:
  - Type: Gauge
  - Description: Resource pools by status (ACTIVE/DRAINING/TERMINATING)

drover_workers_total{status}:
  - Type: Gauge
  - Description: Workers by status (IDLE/BUSY/OFFLINE/...)

drover_jobs_total{status}:
  - Type: Gauge
  - Description: Jobs by status (PENDING/QUEUED/RUNNING/...)

drover_executions_total{state}:
  - Type: Gauge
  - Description: Executions by lifecycle state

Dispatch Metrics:

drover_jobs_submitted_total:
  - Type: Counter
  - Description: Jobs accepted through the submission path

drover_jobs_retried_total:
  - Type: Counter
  - Description: Retry attempts after transient failures

drover_executions_assigned_total:
  - Type: Counter
  - Description: Executions handed to a worker

drover_executions_failed_total:
  - Type: Counter
  - Description: Executions that reached FAILED or TIMEOUT

drover_dispatch_queue_depth:
  - Type: Gauge
  - Description: Executions waiting for dispatch

Scheduler Metrics:

drover_scheduling_latency_seconds:
  - Type: Histogram
  - Description: Time to select a pool for an execution

drover_placement_decisions_total{strategy}:
  - Type: Counter
  - Description: Successful placements by strategy name

drover_placement_failures_total:
  - Type: Counter
  - Description: Placement attempts that found no eligible pool

drover_quota_denials_total:
  - Type: Counter
  - Description: Admission checks denied by pool quotas

Stream Metrics:

drover_stream_sessions_active:
  - Type: Gauge
  - Description: Connected worker sessions

drover_stream_messages_received_total{type} / drover_stream_messages_sent_total{type}:
  - Type: Counter
  - Description: Protocol messages by envelope type

drover_protocol_violations_total:
  - Type: Counter
  - Description: Workers disconnected for protocol violations

drover_workers_evicted_total:
  - Type: Counter
  - Description: Workers evicted after missing heartbeats

Fanout Metrics:

drover_fanout_subscriptions_active:
  - Type: Gauge
  - Description: Active execution update subscriptions

drover_fanout_updates_dropped_total:
  - Type: Counter
  - Description: Updates dropped due to slow subscribers

drover_webhook_deliveries_total{outcome}:
  - Type: Counter
  - Description: Webhook delivery attempts by outcome (ok/failed)

API Metrics:

drover_api_requests_total{method, status}:
  - Type: Counter
  - Description: API requests by route pattern and status code

drover_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds

# Usage

Updating metrics:

	import "github.com/droverhq/drover/pkg/metrics"

	metrics.JobsSubmitted.Inc()
	metrics.PlacementDecisions.WithLabelValues("leastloaded").Inc()

Recording histogram observations with the Timer helper:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.SchedulingLatency)

Serving the scrape endpoint:

	mux.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/engine: Dispatch counters, queue depth, and the entity gauges
  - pkg/scheduler: Scheduling latency and placement counters
  - pkg/stream: Session and message counters
  - pkg/fanout: Subscription and drop counters
  - pkg/httpapi: Request instrumentation and the /metrics route

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (job IDs, execution IDs)
  - Statuses and states are closed enums, safe as labels

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration
  - Supports both simple and vector histograms

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
