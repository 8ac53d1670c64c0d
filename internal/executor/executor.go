// Package executor implements the tool executor (C7): resolves one
// ToolCall, validates its arguments, computes an adaptive per-call
// timeout, consults the cache, runs the tool, and applies a
// timeout/error recovery ladder before surfacing a final ToolResponse.
//
// Grounded on internal/agent/executor.go and internal/agent/tool_exec.go
// of the teacher repo: the semaphore-free single-call shape and panic
// recovery inside a timeout goroutine are kept (the executor has no
// backoff loop of its own); the adaptive-timeout formula, cache-then-execute
// ordering, and the argument-simplification/type-coercion recovery ladder
// are authored fresh against §4.7 (the teacher always uses a fixed
// per-tool timeout and has no equivalent recovery step).
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexus-agent/runtime/internal/agenterr"
	"github.com/nexus-agent/runtime/internal/registry"
	"github.com/nexus-agent/runtime/internal/telemetry"
	"github.com/nexus-agent/runtime/internal/toolcache"
	"github.com/nexus-agent/runtime/pkg/models"
)

// Timeout bounds per §4.7 step 4.
const (
	minTimeout     = 5 * time.Second
	maxTimeout     = 180 * time.Second
	defaultTimeout = 30 * time.Second
)

// Config tunes the executor (§6 tool.*).
type Config struct {
	DefaultTimeout time.Duration
	DefaultCacheTTL time.Duration
	EnableCaching  bool

	// Metrics, when set, records per-tool execution counts and durations
	// and cache hit/miss counts to Prometheus. Nil disables instrumentation.
	Metrics *telemetry.Metrics

	// Tracer, when set, opens a span around every tool dispatch (C7). Nil
	// disables tracing.
	Tracer *telemetry.Tracer
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  defaultTimeout,
		DefaultCacheTTL: 5 * time.Minute,
		EnableCaching:   true,
	}
}

// Summary is the per-call diagnostic the agent loop (C8) folds into its
// DiagnosticRecord.
type Summary struct {
	ToolName    string
	ToolCallID  string
	Duration    time.Duration
	Timeout     time.Duration
	CacheHit    bool
	Recovered   bool
	Attempts    int
}

// Executor is the C7 tool executor.
type Executor struct {
	registry *registry.Registry
	cache    *toolcache.Layered
	cfg      Config

	schemas schemaCache
}

// New creates an Executor over registry, consulting cache for tool
// results (instance cache first, then global, per §3 ownership rules).
func New(reg *registry.Registry, cache *toolcache.Layered, cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = 5 * time.Minute
	}
	return &Executor{registry: reg, cache: cache, cfg: cfg, schemas: newSchemaCache()}
}

// Execute runs call to completion, returning a ToolResponse that is
// always success=true or success=false with a populated Error — callers
// never need to distinguish a "failed to execute" case from a "tool
// returned an error" case (§9: failures are result variants).
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) (models.ToolResponse, Summary) {
	summary := Summary{ToolName: call.Name, ToolCallID: call.ID}
	start := time.Now()

	tool, err := e.registry.Get(call.Name)
	if err != nil {
		summary.Duration = time.Since(start)
		return failResponse(call, err), summary
	}

	args, err := decodeArguments(call)
	if err != nil {
		summary.Duration = time.Since(start)
		return failResponse(call, agenterr.New(agenterr.KindValidation, call.Name, err).WithToolCallID(call.ID)), summary
	}

	if err := e.validateArgs(tool, args); err != nil {
		summary.Duration = time.Since(start)
		return failResponse(call, agenterr.New(agenterr.KindValidation, call.Name, err).WithToolCallID(call.ID)), summary
	}

	timeout := e.effectiveTimeout(tool, args)
	summary.Timeout = timeout

	if e.cfg.EnableCaching {
		if hit, value := e.cache.Get(call.Name, args); hit {
			summary.CacheHit = true
			summary.Duration = time.Since(start)
			e.recordCacheEvent("hit")
			e.recordExecution(call.Name, summary.Duration, "success")
			return successResponse(call, value), summary
		}
		e.recordCacheEvent("miss")
	}

	spanCtx, endSpan := e.startToolSpan(ctx, call.Name)
	result, execErr := e.run(spanCtx, tool, args, timeout)
	summary.Attempts = 1

	if execErr != nil {
		kind := agenterr.Classify(execErr)
		if kind == agenterr.KindToolTimeout {
			result, execErr = e.recoverFromTimeout(spanCtx, tool, args, timeout, execErr)
		} else {
			result, execErr = e.recoverFromError(spanCtx, tool, args, execErr)
		}
		if execErr == nil {
			summary.Recovered = true
			summary.Attempts = 2
		}
	}
	endSpan(execErr)

	summary.Duration = time.Since(start)

	if execErr != nil {
		outcome := "error"
		if agenterr.Classify(execErr) == agenterr.KindToolTimeout {
			outcome = "timeout"
		}
		e.recordExecution(call.Name, summary.Duration, outcome)
		return failResponse(call, execErr), summary
	}

	if e.cfg.EnableCaching {
		ttl := e.cfg.DefaultCacheTTL
		e.cache.Set(call.Name, args, result, ttl)
	}
	e.registry.RecordExecution(call.Name, summary.Duration)
	e.recordExecution(call.Name, summary.Duration, "success")

	return successResponse(call, result), summary
}

func (e *Executor) recordExecution(toolName string, d time.Duration, outcome string) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.ToolExecutionsTotal.WithLabelValues(toolName, outcome).Inc()
	e.cfg.Metrics.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

func (e *Executor) recordCacheEvent(outcome string) {
	if e.cfg.Metrics == nil {
		return
	}
	e.cfg.Metrics.ToolCacheEventsTotal.WithLabelValues(outcome).Inc()
}

// startToolSpan opens a C7 tool-execution span for toolName when the
// executor was configured with a Tracer, returning the context to run the
// call (and any recovery attempts) under and a function that closes the
// span, recording err if non-nil. A nil Tracer makes both a no-op.
func (e *Executor) startToolSpan(ctx context.Context, toolName string) (context.Context, func(error)) {
	if e.cfg.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := e.cfg.Tracer.TraceToolExecution(ctx, toolName)
	return spanCtx, func(err error) {
		if err != nil {
			e.cfg.Tracer.RecordError(span, err)
		}
		span.End()
	}
}

func decodeArguments(call models.ToolCall) (map[string]any, error) {
	return call.DecodeArguments()
}

func (e *Executor) validateArgs(tool registry.Tool, args map[string]any) error {
	schema, err := e.schemas.get(tool.Name(), tool.Parameters())
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(toAny(args))
}

// toAny round-trips args through JSON so jsonschema sees plain
// map[string]interface{}/[]interface{}/float64 values, the shape it
// expects rather than Go-native types that happen to satisfy `any`.
func toAny(args map[string]any) any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return args
	}
	return v
}

// effectiveTimeout implements §4.7 step 4's adaptive timeout formula.
func (e *Executor) effectiveTimeout(tool registry.Tool, args map[string]any) time.Duration {
	base := tool.Timeout()
	if base <= 0 {
		base = e.cfg.DefaultTimeout
	}

	target := base
	if avg := e.registry.AvgExecutionTime(tool.Name()); avg > 0 {
		lower := base / 2
		upper := base * 3 / 2
		if twice := 2 * avg; twice < upper {
			upper = twice
		}
		target = upper
		if target < lower {
			target = lower
		}
		if target > base {
			target = base
		}
	}

	target = applyComplexityHeuristics(target, base, args)

	if target < minTimeout {
		target = minTimeout
	}
	if target > maxTimeout {
		target = maxTimeout
	}
	return roundToTenth(target)
}

func applyComplexityHeuristics(target, base time.Duration, args map[string]any) time.Duration {
	size := argsByteSize(args)
	depth := argsDepth(args)
	maxStringLen := argsMaxStringLength(args)

	multiplier := 1.0
	if size > 1000 {
		extra := float64(size-1000) / 1000
		if extra > 1.0 {
			extra = 1.0
		}
		multiplier += extra
	}
	if depth > 3 {
		levels := depth - 3
		extra := 0.2 * float64(levels)
		if extra > 1.0 {
			extra = 1.0
		}
		multiplier += extra
	}
	if maxStringLen > 5000 {
		extra := float64(maxStringLen-5000) / 5000
		if extra > 0.5 {
			extra = 0.5
		}
		multiplier += extra
	}

	if multiplier <= 1.0 {
		return target
	}
	adjusted := time.Duration(float64(target) * multiplier)
	ceiling := base * 2
	if adjusted > ceiling {
		adjusted = ceiling
	}
	return adjusted
}

func argsByteSize(args map[string]any) int {
	b, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(b)
}

func argsDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		maxChild := 0
		for _, child := range t {
			if d := argsDepth(child); d > maxChild {
				maxChild = d
			}
		}
		return 1 + maxChild
	case []any:
		maxChild := 0
		for _, child := range t {
			if d := argsDepth(child); d > maxChild {
				maxChild = d
			}
		}
		return 1 + maxChild
	default:
		return 0
	}
}

func argsMaxStringLength(v any) int {
	max := 0
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if l := argsMaxStringLength(child); l > max {
				max = l
			}
		}
	case []any:
		for _, child := range t {
			if l := argsMaxStringLength(child); l > max {
				max = l
			}
		}
	case string:
		max = len(t)
	}
	return max
}

func roundToTenth(d time.Duration) time.Duration {
	tenths := math.Round(float64(d) / float64(100*time.Millisecond))
	return time.Duration(tenths) * 100 * time.Millisecond
}

// run executes tool.Run under a timeout, recovering from panics the same
// way the teacher's executeWithTimeout does.
func (e *Executor) run(ctx context.Context, tool registry.Tool, args map[string]any, timeout time.Duration) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: agenterr.New(agenterr.KindPanic, tool.Name(), fmt.Errorf("panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		value, err := tool.Run(execCtx, args)
		if err != nil {
			ch <- outcome{err: agenterr.New(agenterr.Classify(err), tool.Name(), err)}
			return
		}
		ch <- outcome{value: value}
	}()

	select {
	case res := <-ch:
		return res.value, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, agenterr.New(agenterr.KindDeadline, tool.Name(), ctx.Err())
		}
		return nil, agenterr.New(agenterr.KindToolTimeout, tool.Name(), agenterr.ErrToolTimeout).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

// recoverFromTimeout implements §4.7 step 7.
func (e *Executor) recoverFromTimeout(ctx context.Context, tool registry.Tool, args map[string]any, originalTimeout time.Duration, cause error) (any, error) {
	if recoverer, ok := tool.(registry.Recoverer); ok {
		value, err := recoverer.RecoverFromTimeout(ctx, args)
		if err == nil {
			return value, nil
		}
	}
	simplified := simplifyArguments(args)
	retryTimeout := time.Duration(float64(originalTimeout) * 0.75)
	if retryTimeout < minTimeout {
		retryTimeout = minTimeout
	}
	value, err := e.run(ctx, tool, simplified, retryTimeout)
	if err == nil {
		return value, nil
	}
	return nil, cause
}

// recoverFromError implements §4.7 step 8.
func (e *Executor) recoverFromError(ctx context.Context, tool registry.Tool, args map[string]any, cause error) (any, error) {
	if recoverer, ok := tool.(registry.Recoverer); ok {
		value, err := recoverer.RecoverFromError(ctx, args, cause)
		if err == nil {
			return value, nil
		}
	}

	kind := agenterr.Classify(cause)
	switch kind {
	case agenterr.KindNetwork, agenterr.KindToolTimeout:
		value, err := e.run(ctx, tool, args, 60*time.Second)
		if err == nil {
			return value, nil
		}
	case agenterr.KindValidation:
		fixed := coerceArgumentTypes(args)
		value, err := e.run(ctx, tool, fixed, e.cfg.DefaultTimeout)
		if err == nil {
			return value, nil
		}
	}
	return nil, cause
}

// simplifyArguments applies §4.7 step 7's truncation rules: strings over
// 1000 chars truncated to 1000, lists capped at 5 elements, and
// limit/max_results/size/count integer fields capped at 5.
func simplifyArguments(args map[string]any) map[string]any {
	cappedFields := map[string]bool{"limit": true, "max_results": true, "size": true, "count": true}
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch t := v.(type) {
		case string:
			if len(t) > 1000 {
				out[k] = t[:1000]
			} else {
				out[k] = t
			}
		case []any:
			if len(t) > 5 {
				out[k] = t[:5]
			} else {
				out[k] = t
			}
		case float64:
			if cappedFields[k] && t > 5 {
				out[k] = float64(5)
			} else {
				out[k] = t
			}
		case int:
			if cappedFields[k] && t > 5 {
				out[k] = 5
			} else {
				out[k] = t
			}
		default:
			out[k] = v
		}
	}
	return out
}

// coerceArgumentTypes applies §4.7 step 8's lightweight argument-type
// fixes: a string-of-digits becomes an int; every other value, including
// an empty string, is passed through unchanged. Required fields that are
// missing from args are not filled in.
func coerceArgumentTypes(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			if s == "" {
				out[k] = ""
				continue
			}
			if n, err := strconv.Atoi(s); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}

func failResponse(call models.ToolCall, err error) models.ToolResponse {
	return models.ToolResponse{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Success:    false,
		Error:      err.Error(),
	}
}

func successResponse(call models.ToolCall, value any) models.ToolResponse {
	return models.ToolResponse{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Success:    true,
		Result:     value,
	}
}

// schemaCache compiles each tool's JSON-Schema parameters once and reuses
// the compiled validator across calls. Safe for concurrent use, since
// parallel tool-execution mode (§5) may validate several tools' args at
// once.
type schemaCache struct {
	mu       *sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() schemaCache {
	return schemaCache{mu: &sync.Mutex{}, compiled: make(map[string]*jsonschema.Schema)}
}

func (c schemaCache) get(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.compiled[name]; ok {
		return s, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	uri := "tool://" + name
	if err := compiler.AddResource(uri, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(uri)
	if err != nil {
		return nil, err
	}
	c.compiled[name] = schema
	return schema, nil
}
