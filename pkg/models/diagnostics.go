package models

import "time"

// Severity classifies a DiagnosticRecord entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorEntry is one row in a DiagnosticRecord's error log.
type ErrorEntry struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Code      string         `json:"code,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LLMRequestSummary is the last-request snapshot surfaced in diagnostics.
type LLMRequestSummary struct {
	Model           string        `json:"model"`
	LatencyMS       int64         `json:"latency_ms"`
	PromptTokens    int           `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	FallbackAttempts int          `json:"fallback_attempts"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ToolExecutionSummary is the last tool-execution snapshot surfaced in
// diagnostics.
type ToolExecutionSummary struct {
	ToolName   string        `json:"tool_name"`
	DurationMS int64         `json:"duration_ms"`
	CacheHit   bool          `json:"cache_hit"`
	Success    bool          `json:"success"`
	Timestamp  time.Time     `json:"timestamp"`
}

// DiagnosticRecord accumulates the introspectable state of a single run:
// its error log plus the last LLM request and tool execution summaries.
type DiagnosticRecord struct {
	Errors      []ErrorEntry          `json:"errors"`
	LastRequest *LLMRequestSummary    `json:"last_request,omitempty"`
	LastTool    *ToolExecutionSummary `json:"last_tool,omitempty"`
}

// AddError appends an error entry, stamping the current time.
func (d *DiagnosticRecord) AddError(kind, message string, sev Severity, code string, ctx map[string]any) {
	d.Errors = append(d.Errors, ErrorEntry{
		Kind:      kind,
		Message:   message,
		Severity:  sev,
		Code:      code,
		Context:   ctx,
		Timestamp: time.Now(),
	})
}
