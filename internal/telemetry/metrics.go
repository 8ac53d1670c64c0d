package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a Prometheus metrics set scoped to this runtime's domain:
// LLM requests (C5), tool executions (C7), tool-cache hit rate (C2), and
// agent iterations (C8).
//
// Grounded on the teacher repo's internal/observability.Metrics: the
// promauto-registered CounterVec/HistogramVec shape and naming
// convention are kept; the teacher's channel/webhook/HTTP/database
// metrics are dropped since this runtime has none of those surfaces.
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency.
	// Labels: provider, model, status (success|error)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM requests by provider, model, status.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMTokensTotal tracks token consumption.
	// Labels: provider, model, kind (prompt|completion)
	LLMTokensTotal *prometheus.CounterVec

	// LLMFallbacksTotal counts model-fallback substitutions (§4.5).
	// Labels: from_model, to_model
	LLMFallbacksTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool dispatches by name and outcome.
	// Labels: tool, outcome (success|timeout|error)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolCacheEventsTotal counts cache lookups.
	// Labels: outcome (hit|miss)
	ToolCacheEventsTotal *prometheus.CounterVec

	// AgentIterationsTotal counts think/act iterations across all runs.
	AgentIterationsTotal prometheus.Counter
}

// NewMetrics constructs and registers a Metrics set against reg. Passing
// a fresh prometheus.NewRegistry() (rather than the global default
// registry) lets tests and multiple Runtime instances avoid
// "duplicate metrics collector registration" panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrun_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status.",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_llm_tokens_total",
				Help: "Total tokens used by provider, model, and kind.",
			},
			[]string{"provider", "model", "kind"},
		),
		LLMFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_llm_fallbacks_total",
				Help: "Total model-fallback substitutions.",
			},
			[]string{"from_model", "to_model"},
		),
		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tool_executions_total",
				Help: "Total tool executions by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrun_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 180},
			},
			[]string{"tool"},
		),
		ToolCacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tool_cache_events_total",
				Help: "Total tool-cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
		AgentIterationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrun_agent_iterations_total",
				Help: "Total think/act iterations across all agent runs.",
			},
		),
	}
}
