package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics, built on Prometheus. It tracks call volume, turn latency, tool
// execution outcomes, LLM request duration/retries, WebSocket connection
// age, and managed-AV session counts.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.CallStarted("telephony")
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
type Metrics struct {
	// CallsTotal counts calls by transport and outcome.
	// Labels: transport (telephony|managed_av), outcome (completed|hangup|error)
	CallsTotal *prometheus.CounterVec

	// ActiveCalls is a gauge tracking current in-progress calls.
	// Labels: transport (telephony|managed_av)
	ActiveCalls *prometheus.GaugeVec

	// CallDuration measures call lifetime in seconds.
	// Labels: transport
	// Buckets: 10s, 30s, 60s, 300s, 600s, 1800s, 3300s (governor deadline)
	CallDuration *prometheus.HistogramVec

	// TurnDuration measures one full turn (LLM stream + tool dispatch) in
	// seconds. Labels: transport
	TurnDuration *prometheus.HistogramVec

	// ReconnectsTotal counts Connection Lifetime Governor reconnects.
	ReconnectsTotal prometheus.Counter

	// LLMRequestDuration measures LLM provider completion latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and outcome.
	// Labels: provider, model, status (success|error|retry)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error kind.
	// Labels: component (voiceloop|managedav|llm|tooling|conversation), error_kind
	ErrorCounter *prometheus.CounterVec

	// WSConnectionAge measures WebSocket connection lifetime at close, in
	// seconds. No labels — telephony is the WebSocket's only transport.
	WSConnectionAge prometheus.Histogram

	// ManagedAVSessionsTotal counts managed-AV sessions created, by device
	// registration decision (approved|pending|denied never reaches this —
	// only approved/default-allowed devices create a session).
	ManagedAVSessionsTotal prometheus.Counter

	// HTTPRequestDuration measures managed-AV HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts managed-AV HTTP API requests.
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; all metrics register with the default registry and are served
// at GET /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_calls_total",
				Help: "Total number of calls by transport and outcome",
			},
			[]string{"transport", "outcome"},
		),

		ActiveCalls: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ringdown_active_calls",
				Help: "Current number of in-progress calls by transport",
			},
			[]string{"transport"},
		),

		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_call_duration_seconds",
				Help:    "Duration of calls in seconds",
				Buckets: []float64{10, 30, 60, 300, 600, 1800, 3300},
			},
			[]string{"transport"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_turn_duration_seconds",
				Help:    "Duration of one turn (LLM stream + tool dispatch) in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"transport"},
		),

		ReconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ringdown_reconnects_total",
				Help: "Total number of Connection Lifetime Governor reconnects",
			},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "error_kind"},
		),

		WSConnectionAge: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ringdown_ws_connection_age_seconds",
				Help:    "Age of a telephony WebSocket connection at close, in seconds",
				Buckets: []float64{10, 60, 300, 900, 1800, 3300, 3600},
			},
		),

		ManagedAVSessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ringdown_managed_av_sessions_total",
				Help: "Total number of managed-AV sessions created",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_http_request_duration_seconds",
				Help:    "Duration of managed-AV HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_http_requests_total",
				Help: "Total number of managed-AV HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// CallStarted increments the active-calls gauge for transport.
func (m *Metrics) CallStarted(transport string) {
	m.ActiveCalls.WithLabelValues(transport).Inc()
}

// CallEnded decrements the active-calls gauge, records call duration, and
// counts the call by outcome.
func (m *Metrics) CallEnded(transport, outcome string, durationSeconds float64) {
	m.ActiveCalls.WithLabelValues(transport).Dec()
	m.CallDuration.WithLabelValues(transport).Observe(durationSeconds)
	m.CallsTotal.WithLabelValues(transport, outcome).Inc()
}

// RecordTurn records one turn's duration for transport.
func (m *Metrics) RecordTurn(transport string, durationSeconds float64) {
	m.TurnDuration.WithLabelValues(transport).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM provider request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error kind.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}

// RecordWSConnectionClosed records the age of a closed telephony WebSocket
// connection.
func (m *Metrics) RecordWSConnectionClosed(ageSeconds float64) {
	m.WSConnectionAge.Observe(ageSeconds)
}

// RecordReconnect records a Connection Lifetime Governor reconnect.
func (m *Metrics) RecordReconnect() {
	m.ReconnectsTotal.Inc()
}

// RecordManagedAVSessionCreated records a new managed-AV session.
func (m *Metrics) RecordManagedAVSessionCreated() {
	m.ManagedAVSessionsTotal.Inc()
}

// RecordHTTPRequest records metrics for a managed-AV HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
