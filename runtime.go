// Package runtime is the public Agent API (§6 "Agent public API"): a
// single façade over the token-budgeted memory (C4), the tool registry
// and executor (C3/C7), the LLM client (C5), the think/act agent loop
// (C8), the planning flow (C9), and per-session persistence (C10/C11).
//
// Grounded on the teacher repo's internal/agent.Agent/AgenticRuntime
// pair, which plays the same "one object library callers drive" role;
// the wiring here is authored fresh since the teacher's Agent is built
// around its own branch/channel/job-queue machinery this runtime's
// components don't share.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexus-agent/runtime/internal/agentloop"
	"github.com/nexus-agent/runtime/internal/audit"
	"github.com/nexus-agent/runtime/internal/config"
	"github.com/nexus-agent/runtime/internal/executor"
	"github.com/nexus-agent/runtime/internal/llm"
	"github.com/nexus-agent/runtime/internal/memory"
	"github.com/nexus-agent/runtime/internal/planning"
	"github.com/nexus-agent/runtime/internal/registry"
	"github.com/nexus-agent/runtime/internal/sessions"
	"github.com/nexus-agent/runtime/internal/telemetry"
	"github.com/nexus-agent/runtime/internal/toolcache"
	"github.com/nexus-agent/runtime/pkg/models"
)

// Mode selects between a single think/act cycle and the multi-step
// planning flow (§6: "run(prompt, session_id?, mode in {act, plan})").
type Mode string

const (
	ModeAct  Mode = "act"
	ModePlan Mode = "plan"
)

const defaultSessionID = "default"

// RunResult is the return value of Run, covering both Mode variants.
type RunResult struct {
	SessionID      string
	Mode           Mode
	Response       string
	ToolCalls      []models.ToolCall
	ToolResults    []models.ToolResponse
	Plan           *models.Plan
	Diagnostic     models.DiagnosticRecord
}

// Options configures a Runtime at construction time.
type Options struct {
	Config        *config.Config
	Provider      llm.Provider
	SessionsDir   string
	Tracer        *telemetry.Tracer
	SystemPrompt  string

	// Sanitize enables C6 identity normalisation on assistant responses.
	// Nil defaults to enabled; pass a pointer to false for the CLI's
	// --no-sanitize flag.
	Sanitize      *bool
	CanonicalName string

	// MetricsRegisterer, when set, registers Prometheus metrics for LLM
	// requests, tool executions, cache events, and agent iterations
	// against it. Nil disables instrumentation. Pass a fresh
	// prometheus.NewRegistry() per Runtime to avoid duplicate-collector
	// panics across multiple instances in the same process.
	MetricsRegisterer prometheus.Registerer
	// ProviderName labels LLM metrics (e.g. "openai", "anthropic").
	ProviderName string

	// AuditDBPath, when set, opens (or creates) a SQLite audit trail of
	// every completed run at this path ("" disables it; ":memory:" keeps
	// it in-process only).
	AuditDBPath string
}

// Runtime is the Agent public API surface.
type Runtime struct {
	mu sync.Mutex

	cfg      *config.Config
	client   *llm.Client
	reg      *registry.Registry
	cache    *toolcache.Layered
	exec     *executor.Executor
	sessions *sessions.Manager
	tracer   *telemetry.Tracer

	sessionsDir   string
	systemPrompt  string
	sanitize      bool
	canonicalName string

	// agents holds one agentloop.Agent (with its own bounded Memory) per
	// session id, so that concurrent sessions never share conversation
	// state (§5: "Messages from a single agent are totally ordered").
	agents map[string]*agentloop.Agent

	metrics      *telemetry.Metrics
	providerName string
	audit        *audit.Store

	diagnostics models.DiagnosticRecord
}

// New builds a Runtime from opts. A nil opts.Config falls back to
// config.Default(), which has no usable active_llm backend configured;
// callers normally load one via config.Load first.
func New(opts Options) *Runtime {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	globalCache := toolcache.New()

	sanitize := true
	if opts.Sanitize != nil {
		sanitize = *opts.Sanitize
	}

	var metrics *telemetry.Metrics
	if opts.MetricsRegisterer != nil {
		metrics = telemetry.NewMetrics(opts.MetricsRegisterer)
	}

	var auditStore *audit.Store
	if opts.AuditDBPath != "" {
		// An audit-log failure is an ambient instrumentation concern, not
		// a reason to refuse to start the runtime.
		if store, err := audit.Open(opts.AuditDBPath); err == nil {
			auditStore = store
		}
	}

	rt := &Runtime{
		cfg:           cfg,
		client:        llm.New(opts.Provider, llmConfigFromBackend(cfg, metrics, opts.Tracer, opts.ProviderName)),
		reg:           registry.New(),
		cache:         toolcache.NewLayered(toolcache.New(), globalCache),
		sessions:      sessions.NewManager(0),
		tracer:        opts.Tracer,
		sessionsDir:   opts.SessionsDir,
		systemPrompt:  opts.SystemPrompt,
		sanitize:      sanitize,
		canonicalName: opts.CanonicalName,
		agents:        make(map[string]*agentloop.Agent),
		metrics:       metrics,
		providerName:  opts.ProviderName,
		audit:         auditStore,
	}
	rt.exec = executor.New(rt.reg, rt.cache, executor.Config{
		DefaultTimeout:  cfg.Tool.DefaultTimeout,
		DefaultCacheTTL: cfg.Tool.DefaultCacheTTL,
		EnableCaching:   cfg.Tool.EnableCaching,
		Metrics:         metrics,
		Tracer:          opts.Tracer,
	})
	return rt
}

func llmConfigFromBackend(cfg *config.Config, metrics *telemetry.Metrics, tracer *telemetry.Tracer, providerName string) llm.Config {
	out := llm.DefaultConfig()
	out.Metrics = metrics
	out.Tracer = tracer
	out.ProviderName = providerName
	backend, ok := cfg.Backends[cfg.ActiveLLM]
	if !ok {
		return out
	}
	if backend.MaxRetries > 0 {
		out.MaxRetries = backend.MaxRetries
	}
	if backend.Timeout > 0 {
		out.MaxBackoff = backend.Timeout
	}
	if backend.FallbackModel != "" {
		out.FallbackModels = []string{backend.FallbackModel}
	}
	return out
}

// RegisterTools adds tools to the registry (§6: "register_tools([Tool])").
// Registration failures (duplicate name, invalid schema) are returned so
// the caller can decide whether a partial registration is acceptable.
func (rt *Runtime) RegisterTools(tools ...registry.Tool) error {
	for _, t := range tools {
		if err := rt.reg.Register(t); err != nil {
			return fmt.Errorf("register tool %q: %w", t.Name(), err)
		}
	}
	return nil
}

// RunOptions carries per-call overrides for Run (§6 CLI flags --model,
// --temperature, --max-tokens).
type RunOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Run drives one prompt through the agent loop (ModeAct) or the planning
// flow (ModePlan) for the given session, creating the session on first
// use (§6: "run(prompt, session_id?, mode) -> RunResult").
func (rt *Runtime) Run(ctx context.Context, prompt string, sessionID string, mode Mode) (RunResult, error) {
	return rt.RunWithOptions(ctx, prompt, sessionID, mode, RunOptions{})
}

// RunWithOptions is Run with per-call model/temperature/max-tokens
// overrides applied on top of the active backend's configured defaults.
func (rt *Runtime) RunWithOptions(ctx context.Context, prompt string, sessionID string, mode Mode, overrides RunOptions) (RunResult, error) {
	if sessionID == "" {
		sessionID = defaultSessionID
	}
	if mode == "" {
		mode = ModeAct
	}

	startedAt := time.Now()
	agent := rt.agentFor(sessionID)
	agent.ApplyOverrides(overrides.Model, overrides.Temperature, overrides.MaxTokens)

	if rt.sessions != nil {
		if _, err := rt.sessions.Get(sessionID, false); err != nil {
			rt.sessions.Create(sessionID)
		}
		_ = rt.sessions.AddToHistory(sessionID, models.Message{Role: models.RoleUser, Content: prompt, CreatedAt: time.Now()})
	}

	switch mode {
	case ModePlan:
		planCfg := planning.DefaultConfig()
		planCfg.ContinueOnFailure = rt.cfg.Planning.ContinueOnFailure
		planCfg.Tracer = rt.tracer
		flow := planning.New(rt.client, planCfg)
		outcome, err := flow.Run(ctx, agent, prompt)
		if err != nil {
			return RunResult{}, fmt.Errorf("planning run: %w", err)
		}
		rt.recordDiagnostic(sessionID, outcome.Summary)
		result := RunResult{
			SessionID: sessionID,
			Mode:      ModePlan,
			Response:  outcome.Summary,
			Plan:      &outcome.Plan,
		}
		rt.persistSession(sessionID, agent)
		rt.recordAudit(sessionID, string(ModePlan), prompt, result.Response, len(outcome.Plan.Steps), true, startedAt)
		return result, nil
	default:
		res, err := agent.Run(ctx, prompt)
		if err != nil {
			return RunResult{}, fmt.Errorf("agent run: %w", err)
		}
		rt.recordDiagnostic(sessionID, res.Response)
		result := RunResult{
			SessionID:   sessionID,
			Mode:        ModeAct,
			Response:    res.Response,
			ToolCalls:   res.ToolCalls,
			ToolResults: res.ToolResults,
			Diagnostic:  res.Diagnostic,
		}
		rt.persistSession(sessionID, agent)
		rt.recordAudit(sessionID, string(ModeAct), prompt, result.Response, len(res.ToolCalls), result.Response != "", startedAt)
		return result, nil
	}
}

// recordAudit writes one completed run to the audit trail (§1's SQLite
// audit log, additional to and independent of the C10 JSON snapshot).
// A nil audit store (the default) makes this a no-op.
func (rt *Runtime) recordAudit(sessionID, mode, prompt, response string, toolCallCount int, success bool, startedAt time.Time) {
	if rt.audit == nil {
		return
	}
	_ = rt.audit.Record(context.Background(), audit.Record{
		SessionID:     sessionID,
		Mode:          mode,
		Prompt:        prompt,
		Response:      response,
		ToolCallCount: toolCallCount,
		Success:       success,
		StartedAt:     startedAt,
		Duration:      time.Since(startedAt),
	})
}

// ExecuteTool dispatches a single named tool call outside the agent loop
// (§6: "execute_tool(name, params) -> any"), going through the same C7
// executor (validation, timeout, caching, recovery) a loop-driven call
// would.
func (rt *Runtime) ExecuteTool(ctx context.Context, name string, params map[string]any) (any, error) {
	args, err := encodeArguments(params)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	call := models.ToolCall{ID: name + "-direct", Type: "function", Name: name, Arguments: args}
	resp, _ := rt.exec.Execute(ctx, call)
	if !resp.Success {
		return nil, fmt.Errorf("tool %q failed: %s", name, resp.Error)
	}
	return resp.Result, nil
}

// Cleanup scans for expired session state (§6: "cleanup(session_id?)").
// With a non-empty sessionID it clears just that session's conversation
// memory; with an empty one it sweeps every session past its idle
// timeout, mirroring C4's cleanup() semantics at the session-manager
// layer.
func (rt *Runtime) Cleanup(sessionID string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if sessionID != "" {
		delete(rt.agents, sessionID)
		_ = rt.sessions.Clear(sessionID)
		return []string{sessionID}
	}
	removed := rt.sessions.CleanupExpired()
	for _, id := range removed {
		delete(rt.agents, id)
	}
	return removed
}

// GetDiagnosticReport returns the accumulated diagnostic record (§6:
// "get_diagnostic_report()").
func (rt *Runtime) GetDiagnosticReport() models.DiagnosticRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.diagnostics
}

func (rt *Runtime) agentFor(sessionID string) *agentloop.Agent {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if agent, ok := rt.agents[sessionID]; ok {
		return agent
	}

	mem := memory.New(memory.Config{
		MaxTokens:                rt.cfg.Memory.MaxTokens,
		PreserveSystemPrompt:     rt.cfg.Memory.PreserveSystemPrompt,
		PreserveFirstUserMessage: rt.cfg.Memory.PreserveFirstUserMessage,
	})

	if rt.sessionsDir != "" {
		store := sessions.NewStore(filepath.Join(rt.sessionsDir, sessionID+".json"))
		if snap, err := store.Load(); err == nil {
			for _, msg := range snap.Messages {
				mem.Add(msg, nil)
			}
		}
	}

	agent := agentloop.New(mem, rt.client, rt.reg, rt.exec, agentloop.Config{
		MaxIterations:      rt.cfg.Agent.MaxIterations,
		ExecutionMode:      agentloop.ExecutionMode(rt.cfg.Agent.ExecutionMode),
		DuplicateThreshold: rt.cfg.Agent.DuplicateThreshold,
		SystemPrompt:       rt.systemPrompt,
		Sanitize:           rt.sanitize,
		CanonicalName:      rt.canonicalName,
		Metrics:            rt.metrics,
		Tracer:             rt.tracer,
	}, sessionID)

	rt.agents[sessionID] = agent
	return agent
}

func (rt *Runtime) persistSession(sessionID string, agent *agentloop.Agent) {
	if rt.sessionsDir == "" {
		return
	}
	store := sessions.NewStore(filepath.Join(rt.sessionsDir, sessionID+".json"))
	_ = store.Save(models.SessionSnapshot{
		Messages:     agent.Messages(),
		Mode:         string(agent.Phase()),
		SystemPrompt: rt.systemPrompt,
	})
}

func (rt *Runtime) recordDiagnostic(sessionID, response string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if response == "" {
		rt.diagnostics.AddError("empty_response", fmt.Sprintf("session %s produced an empty response", sessionID), models.SeverityWarning, "", nil)
	}
}

func encodeArguments(params map[string]any) ([]byte, error) {
	if params == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(params)
}
