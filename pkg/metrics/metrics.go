package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator state metrics
	PoolsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_pools_total",
			Help: "Total number of resource pools by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	ExecutionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_executions_total",
			Help: "Total number of executions by lifecycle state",
		},
		[]string{"state"},
	)

	// Dispatch metrics
	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_jobs_retried_total",
			Help: "Total number of job retry attempts after transient failures",
		},
	)

	ExecutionsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_executions_assigned_total",
			Help: "Total number of executions assigned to workers",
		},
	)

	ExecutionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_executions_failed_total",
			Help: "Total number of failed executions",
		},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_dispatch_queue_depth",
			Help: "Number of executions waiting in the dispatch queue",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_scheduling_latency_seconds",
			Help:    "Time taken to select a pool for an execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlacementDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_placement_decisions_total",
			Help: "Total number of placement decisions by strategy",
		},
		[]string{"strategy"},
	)

	PlacementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_placement_failures_total",
			Help: "Total number of placement attempts that found no eligible pool",
		},
	)

	QuotaDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_quota_denials_total",
			Help: "Total number of admission checks denied by pool quotas",
		},
	)

	// Worker stream metrics
	StreamSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_stream_sessions_active",
			Help: "Number of active worker stream sessions",
		},
	)

	StreamMessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_stream_messages_received_total",
			Help: "Total number of messages received from workers by type",
		},
		[]string{"type"},
	)

	StreamMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_stream_messages_sent_total",
			Help: "Total number of messages sent to workers by type",
		},
		[]string{"type"},
	)

	ProtocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_protocol_violations_total",
			Help: "Total number of worker protocol violations",
		},
	)

	WorkersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_workers_evicted_total",
			Help: "Total number of workers evicted after missing heartbeats",
		},
	)

	// Fanout metrics
	FanoutSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_fanout_subscriptions_active",
			Help: "Number of active execution update subscriptions",
		},
	)

	FanoutUpdatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_fanout_updates_dropped_total",
			Help: "Total number of updates dropped due to slow subscribers",
		},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(ExecutionsAssigned)
	prometheus.MustRegister(ExecutionsFailed)
	prometheus.MustRegister(DispatchQueueDepth)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(PlacementDecisions)
	prometheus.MustRegister(PlacementFailures)
	prometheus.MustRegister(QuotaDenials)
	prometheus.MustRegister(StreamSessionsActive)
	prometheus.MustRegister(StreamMessagesReceived)
	prometheus.MustRegister(StreamMessagesSent)
	prometheus.MustRegister(ProtocolViolations)
	prometheus.MustRegister(WorkersEvicted)
	prometheus.MustRegister(FanoutSubscriptions)
	prometheus.MustRegister(FanoutUpdatesDropped)
	prometheus.MustRegister(WebhookDeliveries)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
