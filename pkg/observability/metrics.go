// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring schaubild.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// RunBuckets covers whole generation runs, which chain several LLM calls
// and sandbox executions.
var RunBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schaubild_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: RunBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks active SSE progress streams.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schaubild_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// RunsInFlight tracks generation runs currently executing.
	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schaubild_runs_in_flight",
			Help: "Generation runs in progress",
		},
	)

	// RunsTotal counts finished runs by renderer and terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_runs_total",
			Help: "Finished generation runs",
		},
		[]string{"renderer", "status"},
	)

	// RunDuration records end-to-end run duration in seconds.
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schaubild_run_duration_seconds",
			Help:    "Run duration",
			Buckets: RunBuckets,
		},
		[]string{"renderer"},
	)

	// SandboxExecutionsTotal counts candidate executions by outcome
	// ("success" or a failure kind).
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_sandbox_executions_total",
			Help: "Sandbox executions",
		},
		[]string{"renderer", "outcome"},
	)

	// SandboxDuration records sandbox execution duration in seconds.
	SandboxDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schaubild_sandbox_duration_seconds",
			Help:    "Sandbox execution duration",
			Buckets: LLMBuckets,
		},
		[]string{"renderer"},
	)

	// RepairAttemptsTotal counts repair requests issued to the repairer.
	RepairAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_repair_attempts_total",
			Help: "Repair attempts",
		},
		[]string{"renderer"},
	)

	// LLMRequestsTotal counts LLM calls by backend, role, and status.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_llm_requests_total",
			Help: "LLM requests",
		},
		[]string{"backend", "role", "status"},
	)

	// LLMDuration records LLM call latency in seconds.
	LLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schaubild_llm_duration_seconds",
			Help:    "LLM latency",
			Buckets: LLMBuckets,
		},
		[]string{"backend", "role"},
	)

	// LLMTokensTotal counts tokens by direction (input/output).
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_llm_tokens_total",
			Help: "Token count",
		},
		[]string{"backend", "direction"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schaubild_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		StreamingConnections,
		RunsInFlight,
		RunsTotal,
		RunDuration,
		SandboxExecutionsTotal,
		SandboxDuration,
		RepairAttemptsTotal,
		LLMRequestsTotal,
		LLMDuration,
		LLMTokensTotal,
		RateLimitRejectedTotal,
	)
}
