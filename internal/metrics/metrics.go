package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for lomu
type Metrics struct {
	// Credit metrics
	CreditsReserved     prometheus.Counter
	CreditsConsumed     prometheus.Counter
	CreditsRefunded     prometheus.Counter
	CreditsAdded        *prometheus.CounterVec
	InsufficientCredits prometheus.Counter
	LedgerErrors        *prometheus.CounterVec

	// Approval metrics
	ApprovalsRequested prometheus.Counter
	ApprovalsResolved  *prometheus.CounterVec
	ApprovalsPending   prometheus.Gauge
	ApprovalWait       *prometheus.HistogramVec

	// Stream metrics
	StreamSubscribers prometheus.Gauge
	StreamSends       *prometheus.CounterVec
	MirrorDropped     prometheus.Counter
	MirrorErrors      prometheus.Counter

	// Agent metrics
	AgentRuns        *prometheus.CounterVec
	AgentRunsActive  prometheus.Gauge
	AgentRounds      prometheus.Counter
	AgentRunDuration *prometheus.HistogramVec
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ProviderRequests *prometheus.CounterVec
	ProviderTokens   *prometheus.CounterVec
	ProviderLatency  prometheus.Histogram

	// System metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			// Credit metrics
			CreditsReserved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_credits_reserved_total",
				Help: "Credits placed on hold for agent runs",
			}),
			CreditsConsumed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_credits_consumed_total",
				Help: "Credits settled as consumption",
			}),
			CreditsRefunded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_credits_refunded_total",
				Help: "Reserved credits returned to available balance on reconcile",
			}),
			CreditsAdded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_credits_added_total",
					Help: "Credits added to wallets",
				},
				[]string{"source"},
			),
			InsufficientCredits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_credits_insufficient_total",
				Help: "Reservations rejected for insufficient credits",
			}),
			LedgerErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_ledger_errors_total",
					Help: "Ledger operations that failed at the storage layer",
				},
				[]string{"operation"},
			),

			// Approval metrics
			ApprovalsRequested: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_approvals_requested_total",
				Help: "Approval requests created",
			}),
			ApprovalsResolved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_approvals_resolved_total",
					Help: "Approval requests resolved, by reason",
				},
				[]string{"reason"}, // approved, rejected, timed_out, offline, cancelled
			),
			ApprovalsPending: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "lomu_approvals_pending",
				Help: "Approval requests currently waiting on a human",
			}),
			ApprovalWait: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lomu_approval_wait_seconds",
					Help:    "Time from approval request to resolution",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 11), // 0.5s to 512s
				},
				[]string{"reason"},
			),

			// Stream metrics
			StreamSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "lomu_stream_subscribers",
				Help: "Live realtime connections",
			}),
			StreamSends: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_stream_sends_total",
					Help: "Stream messages sent to users",
				},
				[]string{"type", "delivered"},
			),
			MirrorDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_stream_mirror_dropped_total",
				Help: "Stream messages not mirrored because the outbound buffer was full",
			}),
			MirrorErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_stream_mirror_errors_total",
				Help: "Stream messages that failed to publish to NATS",
			}),

			// Agent metrics
			AgentRuns: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_agent_runs_total",
					Help: "Agent runs finished, by terminal phase",
				},
				[]string{"phase"},
			),
			AgentRunsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "lomu_agent_runs_active",
				Help: "Agent runs currently executing",
			}),
			AgentRounds: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lomu_agent_rounds_total",
				Help: "Model rounds executed",
			}),
			AgentRunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lomu_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to 68min
				},
				[]string{"phase"},
			),
			ToolExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_tool_executions_total",
					Help: "Tool invocations, by tool and status",
				},
				[]string{"tool", "status"},
			),
			ToolDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lomu_tool_duration_seconds",
					Help:    "Tool execution time in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to 82s
				},
				[]string{"tool"},
			),
			ProviderRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_provider_requests_total",
					Help: "Total number of model provider requests",
				},
				[]string{"success"},
			),
			ProviderTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_provider_tokens_total",
					Help: "Total tokens processed by provider",
				},
				[]string{"type"}, // type: input, output
			),
			ProviderLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "lomu_provider_request_duration_seconds",
				Help:    "Provider API request duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to 51s
			}),

			// System metrics
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lomu_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lomu_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordProviderRequest records a model provider call
func (m *Metrics) RecordProviderRequest(success bool, latencySeconds float64, inputTokens, outputTokens int) {
	m.ProviderRequests.WithLabelValues(boolLabel(success)).Inc()
	m.ProviderLatency.Observe(latencySeconds)
	if inputTokens > 0 {
		m.ProviderTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}

// RecordStreamSend records one broadcaster send
func (m *Metrics) RecordStreamSend(msgType string, delivered bool) {
	m.StreamSends.WithLabelValues(msgType, boolLabel(delivered)).Inc()
}

// RecordApprovalResolved records how an approval ended and how long it waited
func (m *Metrics) RecordApprovalResolved(reason string, waitSeconds float64) {
	m.ApprovalsResolved.WithLabelValues(reason).Inc()
	m.ApprovalWait.WithLabelValues(reason).Observe(waitSeconds)
}

// RecordToolExecution records a tool invocation
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
