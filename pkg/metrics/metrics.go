package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Group metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_groups_total",
			Help: "Number of job groups by state",
		},
		[]string{"state"},
	)

	EntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_entries_total",
			Help: "Number of job-graph entries by state and target",
		},
		[]string{"state", "target"},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_workers_total",
			Help: "Number of registered workers by state and target",
		},
		[]string{"state", "target"},
	)

	WorkersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_workers_expired_total",
			Help: "Total number of workers removed after heartbeat expiry",
		},
	)

	// Job metrics
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_jobs_dispatched_total",
			Help: "Total number of jobs dispatched by target",
		},
		[]string{"target"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_jobs_completed_total",
			Help: "Total number of finished jobs by result",
		},
		[]string{"result"},
	)

	JobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_jobs_requeued_total",
			Help: "Total number of jobs requeued after worker loss",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_job_duration_seconds",
			Help:    "Wall-clock build time of completed jobs",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"target"},
	)

	// Scheduler metrics
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_scheduler_tick_duration_seconds",
			Help:    "Time taken by one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerInboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_scheduler_inbox_depth",
			Help: "Messages waiting in the scheduler inbox",
		},
	)

	SchedulerRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_scheduler_rejected_total",
			Help: "Messages rejected because the scheduler inbox was full",
		},
	)

	// Log pipeline metrics
	LogChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_log_chunks_total",
			Help: "Total number of log chunks ingested",
		},
	)

	LogGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_log_gaps_total",
			Help: "Total number of log chunks dropped for arriving out of order",
		},
	)

	LogArchives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_log_archives_total",
			Help: "Log archive uploads by result",
		},
		[]string{"result"},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_rpc_requests_total",
			Help: "Total number of RPC envelope requests by operation and status",
		},
		[]string{"op", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkersExpired)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(SchedulerInboxDepth)
	prometheus.MustRegister(SchedulerRejected)
	prometheus.MustRegister(LogChunksTotal)
	prometheus.MustRegister(LogGapsTotal)
	prometheus.MustRegister(LogArchives)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
