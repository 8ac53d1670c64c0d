// Package agentloop implements the think/act agent loop state machine
// (C8): IDLE -> THINKING -> EXECUTING -> THINKING -> ... -> DONE | ERROR.
//
// Grounded on internal/agent/loop.go's AgenticLoop in the teacher repo —
// the phase-tagged state struct, one function per phase (think/act
// here), and per-phase error wrapping are kept; the teacher's branch-aware
// session storage, approval-policy gate, async job queue and steering
// queue have no equivalent here (§4.8 has no such concepts), so Run
// is a single linear think/act cycle over C4/C5/C7 instead of the
// teacher's channel-streamed, policy-gated one.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-agent/runtime/internal/agenterr"
	"github.com/nexus-agent/runtime/internal/executor"
	"github.com/nexus-agent/runtime/internal/llm"
	"github.com/nexus-agent/runtime/internal/memory"
	"github.com/nexus-agent/runtime/internal/registry"
	"github.com/nexus-agent/runtime/internal/sanitize"
	"github.com/nexus-agent/runtime/internal/telemetry"
	"github.com/nexus-agent/runtime/pkg/models"
)

// defaultCanonicalName is substituted for third-party model self-
// references when Config.Sanitize is enabled and CanonicalName is unset.
const defaultCanonicalName = "the assistant"

// Phase is one state in the §4.8 state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseThinking  Phase = "thinking"
	PhaseExecuting Phase = "executing"
	PhaseDone      Phase = "done"
	PhaseError     Phase = "error"
)

// ExecutionMode controls how pending tool calls are run within EXECUTING
// (§5 "current_execution_mode").
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// Config tunes one Agent's loop behaviour (§6 agent.*).
type Config struct {
	MaxIterations      int
	ExecutionMode      ExecutionMode
	DuplicateThreshold int
	ToolChoice         llm.ToolChoice
	Timeout            time.Duration
	SystemPrompt       string
	Model              string
	Temperature        float64
	MaxTokens          int

	// Sanitize enables C6 identity normalisation on assistant output
	// before it is stored or returned (§6 CLI flag "--no-sanitize"
	// disables this).
	Sanitize      bool
	CanonicalName string

	// Metrics, when set, counts think/act iterations to Prometheus. Nil
	// disables instrumentation.
	Metrics *telemetry.Metrics

	// Tracer, when set, opens a span around every think/act iteration
	// (C8). Nil disables tracing.
	Tracer *telemetry.Tracer
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      20,
		ExecutionMode:      ModeSequential,
		DuplicateThreshold: 2,
		ToolChoice:         llm.ToolChoiceAuto,
		Sanitize:           true,
	}
}

// Result is the public outcome of a run (§4.8's Output / §6's RunResult).
type Result struct {
	Response       string
	ToolCalls      []models.ToolCall
	ToolResults    []models.ToolResponse
	ConversationID string
	Diagnostic     models.DiagnosticRecord
}

// Agent is a single think/act loop over a Memory, an LLM client, a tool
// registry and an executor. It owns its Memory and diagnostics (§5:
// "each agent owns its Memory/Diagnostics").
type Agent struct {
	mu sync.Mutex

	mem      *memory.Memory
	client   *llm.Client
	reg      *registry.Registry
	exec     *executor.Executor
	cfg      Config
	convID   string
	phase    Phase
	recentAssistant []string
}

// New builds an Agent. conversationID identifies the run in Result and
// diagnostics; it does not have to match any session store key.
func New(mem *memory.Memory, client *llm.Client, reg *registry.Registry, exec *executor.Executor, cfg Config, conversationID string) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = ModeSequential
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = DefaultConfig().DuplicateThreshold
	}
	if cfg.ToolChoice == "" {
		cfg.ToolChoice = llm.ToolChoiceAuto
	}
	return &Agent{
		mem:    mem,
		client: client,
		reg:    reg,
		exec:   exec,
		cfg:    cfg,
		convID: conversationID,
		phase:  PhaseIdle,
	}
}

// ApplyOverrides sets per-call model/temperature/max-tokens overrides
// used by subsequent THINKING steps, leaving any zero-valued argument at
// its previously configured value (§6 CLI flags --model, --temperature,
// --max-tokens).
func (a *Agent) ApplyOverrides(model string, temperature float64, maxTokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if model != "" {
		a.cfg.Model = model
	}
	if temperature != 0 {
		a.cfg.Temperature = temperature
	}
	if maxTokens != 0 {
		a.cfg.MaxTokens = maxTokens
	}
}

// Phase reports the loop's current state.
func (a *Agent) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Messages returns the agent's current conversation memory, for
// persistence by the session store (C10).
func (a *Agent) Messages() []models.Message {
	return a.mem.Messages()
}

// Run executes one full think/act cycle for prompt (§4.8 "run(prompt)").
// It clears per-run transient state (pending tool calls, duplicate
// tracking) but not Memory, which persists across runs on the same
// Agent.
func (a *Agent) Run(ctx context.Context, prompt string) (Result, error) {
	a.mu.Lock()
	a.phase = PhaseThinking
	a.recentAssistant = nil
	a.mu.Unlock()

	diag := models.DiagnosticRecord{}

	runCtx := ctx
	var cancel context.CancelFunc
	if a.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	a.mem.Add(models.Message{Role: models.RoleUser, Content: prompt}, nil)

	result := Result{ConversationID: a.convID}

	var allToolCalls []models.ToolCall
	var allToolResults []models.ToolResponse

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.AgentIterationsTotal.Inc()
		}
		select {
		case <-runCtx.Done():
			a.setPhase(PhaseError)
			diag.AddError("deadline", "run deadline exceeded", models.SeverityCritical, "", nil)
			result.Response = a.fallbackSummary(allToolCalls, allToolResults)
			result.ToolCalls, result.ToolResults, result.Diagnostic = allToolCalls, allToolResults, diag
			return result, agenterr.New(agenterr.KindDeadline, "", runCtx.Err())
		default:
		}

		iterCtx, endIterSpan := a.startIterationSpan(runCtx, iteration)

		assistant, toolCalls, err := a.think(iterCtx, &diag)
		if err != nil {
			endIterSpan(err)
			a.setPhase(PhaseError)
			result.Response = a.fallbackSummary(allToolCalls, allToolResults)
			result.ToolCalls, result.ToolResults, result.Diagnostic = allToolCalls, allToolResults, diag
			return result, err
		}

		if len(toolCalls) == 0 {
			endIterSpan(nil)
			a.setPhase(PhaseDone)
			result.Response = assistant.Content
			result.ToolCalls, result.ToolResults, result.Diagnostic = allToolCalls, allToolResults, diag
			return result, nil
		}

		a.setPhase(PhaseExecuting)
		toolResults := a.act(iterCtx, toolCalls, &diag)
		allToolCalls = append(allToolCalls, toolCalls...)
		allToolResults = append(allToolResults, toolResults...)
		endIterSpan(nil)

		a.setPhase(PhaseThinking)
	}

	a.setPhase(PhaseDone)
	diag.AddError("iteration_cap", fmt.Sprintf("reached max iterations: %d", a.cfg.MaxIterations), models.SeverityWarning, "", nil)
	result.Response = a.fallbackSummary(allToolCalls, allToolResults)
	result.ToolCalls, result.ToolResults, result.Diagnostic = allToolCalls, allToolResults, diag
	return result, nil
}

// startIterationSpan opens a C8 agent-iteration span when the Agent was
// configured with a Tracer, returning the context to run think/act under
// and a function that closes the span, recording err if non-nil. A nil
// Tracer makes both a no-op.
func (a *Agent) startIterationSpan(ctx context.Context, iteration int) (context.Context, func(error)) {
	if a.cfg.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := a.cfg.Tracer.TraceAgentIteration(ctx, a.convID, iteration)
	return spanCtx, func(err error) {
		if err != nil {
			a.cfg.Tracer.RecordError(span, err)
		}
		span.End()
	}
}

func (a *Agent) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

// think performs one THINKING step: compose messages, invoke C5, append
// the assistant message to memory, and apply duplicate-response
// detection before returning.
func (a *Agent) think(ctx context.Context, diag *models.DiagnosticRecord) (models.Message, []models.ToolCall, error) {
	messages := a.composeMessages()
	tools := a.toolDefinitions()

	opts := llm.Options{
		Model:       a.cfg.Model,
		ToolChoice:  a.cfg.ToolChoice,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}

	start := time.Now()
	raw, meta, err := a.client.ChatWithTools(ctx, messages, tools, opts)
	if err != nil {
		diag.AddError("llm", err.Error(), models.SeverityCritical, "", nil)
		return models.Message{}, nil, err
	}
	diag.LastRequest = &models.LLMRequestSummary{
		Model:            meta.Model,
		LatencyMS:        time.Since(start).Milliseconds(),
		PromptTokens:     meta.Usage.PromptTokens,
		CompletionTokens: meta.Usage.CompletionTokens,
		Timestamp:        time.Now(),
	}

	if a.cfg.Sanitize && raw.Content != "" {
		name := a.cfg.CanonicalName
		if name == "" {
			name = defaultCanonicalName
		}
		raw.Content = sanitize.NormaliseIdentity(raw.Content, name)
	}

	a.mem.Add(raw, nil)

	if raw.Content != "" {
		a.trackDuplicate(raw.Content, diag)
	}

	return raw, raw.ToolCalls, nil
}

// act performs one EXECUTING step: dispatch every pending ToolCall to
// C7 (sequentially or in parallel per configuration) and append a tool
// Message for each result, in ToolCall order (§5's ordering guarantee
// holds even when calls complete out of order in parallel mode).
func (a *Agent) act(ctx context.Context, calls []models.ToolCall, diag *models.DiagnosticRecord) []models.ToolResponse {
	responses := make([]models.ToolResponse, len(calls))

	switch a.cfg.ExecutionMode {
	case ModeParallel:
		var wg sync.WaitGroup
		wg.Add(len(calls))
		for i, call := range calls {
			go func(i int, call models.ToolCall) {
				defer wg.Done()
				resp, summary := a.exec.Execute(ctx, call)
				responses[i] = resp
				a.recordToolSummary(diag, summary, resp.Success)
			}(i, call)
		}
		wg.Wait()
	default:
		for i, call := range calls {
			resp, summary := a.exec.Execute(ctx, call)
			responses[i] = resp
			a.recordToolSummary(diag, summary, resp.Success)
		}
	}

	for _, resp := range responses {
		a.mem.Add(models.Message{
			Role:       models.RoleTool,
			Content:    resp.StringContent(),
			ToolCallID: resp.ToolCallID,
			Name:       resp.ToolName,
		}, nil)
	}

	return responses
}

func (a *Agent) recordToolSummary(diag *models.DiagnosticRecord, summary executor.Summary, success bool) {
	diag.LastTool = &models.ToolExecutionSummary{
		ToolName:   summary.ToolName,
		DurationMS: summary.Duration.Milliseconds(),
		CacheHit:   summary.CacheHit,
		Success:    success,
		Timestamp:  time.Now(),
	}
}

// composeMessages prepends the system prompt (if configured) to the
// current memory window (§4.8 THINKING).
func (a *Agent) composeMessages() []models.Message {
	msgs := a.mem.Messages()
	if a.cfg.SystemPrompt == "" {
		return msgs
	}
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		return msgs
	}
	out := make([]models.Message, 0, len(msgs)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: a.cfg.SystemPrompt})
	out = append(out, msgs...)
	return out
}

func (a *Agent) toolDefinitions() []llm.ToolDefinition {
	tools := a.reg.List()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.ToolFunctionSchema{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  rawParameters(tool.Parameters()),
			},
		})
	}
	return defs
}

func rawParameters(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return json.RawMessage(raw)
}

// trackDuplicate implements §4.8's duplicate-response detection: once the
// last assistant content repeats >= DuplicateThreshold times, a
// stuck-prompt note is added to memory as a user-role message ahead of
// the next THINKING step.
func (a *Agent) trackDuplicate(content string, diag *models.DiagnosticRecord) {
	a.recentAssistant = append(a.recentAssistant, content)
	count := 0
	for _, c := range a.recentAssistant {
		if c == content {
			count++
		}
	}
	if count >= a.cfg.DuplicateThreshold {
		diag.AddError("duplicate_response", "repeated assistant response detected", models.SeverityWarning, "", nil)
		// RoleUser, not RoleSystem: memory.Add routes RoleSystem into the
		// single reserved system slot, which would overwrite cfg.SystemPrompt
		// and make composeMessages stop prepending it on every later
		// THINKING step.
		nudge := models.PriorityHigh
		a.mem.Add(models.Message{
			Role:    models.RoleUser,
			Content: "[automated note] Your last response repeated a previous one without making progress. Change your approach before continuing.",
		}, &nudge)
	}
}

// fallbackSummary produces the non-empty response §4.8 guarantees even
// when the loop terminates via the iteration cap or an outer deadline.
func (a *Agent) fallbackSummary(calls []models.ToolCall, results []models.ToolResponse) string {
	if len(calls) == 0 {
		return "No final response was produced before the run ended."
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	return fmt.Sprintf("Run ended before a final answer was produced. %d tool call(s) were made, %d succeeded.", len(calls), succeeded)
}
