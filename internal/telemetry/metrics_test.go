package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.LLMRequestsTotal.WithLabelValues("openai", "gpt-4o", "success").Inc()
	m.LLMRequestDuration.WithLabelValues("openai", "gpt-4o", "success").Observe(0.25)
	m.LLMTokensTotal.WithLabelValues("openai", "gpt-4o", "prompt").Add(10)
	m.LLMFallbacksTotal.WithLabelValues("gpt-4o", "gpt-4o-mini").Inc()
	m.ToolExecutionsTotal.WithLabelValues("echo", "success").Inc()
	m.ToolExecutionDuration.WithLabelValues("echo").Observe(0.01)
	m.ToolCacheEventsTotal.WithLabelValues("hit").Inc()
	m.AgentIterationsTotal.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"agentrun_llm_requests_total",
		"agentrun_tool_executions_total",
		"agentrun_agent_iterations_total",
	} {
		if !names[want] {
			t.Errorf("expected metric family %q to be registered, got %v", want, names)
		}
	}
}

func TestNewMetricsPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected registering the same metric names twice to panic")
		}
	}()
	NewMetrics(reg)
}
