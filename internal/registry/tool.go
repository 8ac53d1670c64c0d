// Package registry implements the tool registry and dispatch contract
// (C3): a thread-safe registry of named Tool instances with registration
// validation and per-tool metrics.
//
// Grounded on internal/agent/tool_registry.go's mutex-guarded map shape in
// the teacher repo; the required-capability set, duplicate/not-found
// errors and per-call metrics tracking are authored per §4.3 and the §9
// design note replacing dynamic execute/run attribute checks with a
// single required Run capability.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexus-agent/runtime/internal/agenterr"
)

// Tool is a registered capability: a unique name, a human-readable
// description, a JSON-Schema parameter spec, and an async Run function.
// Resetter is an optional additional capability a Tool may implement.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the tool's JSON-Schema for its input parameters.
	Parameters() json.RawMessage
	// Run executes the tool. args has already been decoded and validated
	// against Parameters() by the tool executor (C7) before Run is called.
	Run(ctx context.Context, args map[string]any) (any, error)
	// Timeout returns the tool's declared default timeout, or 0 to use
	// the executor's configured default (30s).
	Timeout() time.Duration
}

// Resetter is implemented by stateful tools that need to clear state
// between sessions (§5 "stateful tools expose reset").
type Resetter interface {
	Reset(ctx context.Context) error
}

// Recoverer lets a tool supply its own timeout/error recovery instead of
// the executor's default ladder (§4.7 steps 7-8).
type Recoverer interface {
	RecoverFromTimeout(ctx context.Context, args map[string]any) (any, error)
	RecoverFromError(ctx context.Context, args map[string]any, cause error) (any, error)
}

// Metrics is the derived, per-tool metrics snapshot (§4.3).
type Metrics struct {
	Name               string        `json:"name"`
	CallCount          int64         `json:"call_count"`
	LastUsed           time.Time     `json:"last_used"`
	AvgExecutionTime   time.Duration `json:"avg_execution_time"`
	RegistrationTime   time.Time     `json:"registration_time"`
}

// entry wraps a Tool with its registration time and live metrics.
type entry struct {
	tool     Tool
	regTime  time.Time
	mu       sync.Mutex
	calls    int64
	lastUsed time.Time
	avgNanos float64
}

func (e *entry) record(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastUsed = time.Now()
	// incremental mean update, avoids retaining every sample
	e.avgNanos += (float64(d) - e.avgNanos) / float64(e.calls)
}

func (e *entry) snapshot() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Metrics{
		CallCount:        e.calls,
		LastUsed:         e.lastUsed,
		AvgExecutionTime: time.Duration(e.avgNanos),
		RegistrationTime: e.regTime,
	}
}

// AvgExecutionTime returns the tool's current running average execution
// time, or 0 if it has never been called. The tool executor (C7) reads
// this to seed the adaptive timeout formula (§4.7 step 4).
func (e *entry) AvgExecutionTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.avgNanos)
}

// Registry is the thread-safe tool registry. All operations run under a
// single mutex (§4.3).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds tool under its Name(). Fails with a KindDuplicateTool
// error if the name already exists, or KindValidation if the tool lacks
// a name, description, parameters, or produces parameters that are not a
// valid JSON-Schema document.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return agenterr.New(agenterr.KindValidation, "", fmt.Errorf("nil tool")).WithMessage("tool must not be nil")
	}
	name := tool.Name()
	if name == "" {
		return agenterr.New(agenterr.KindValidation, name, fmt.Errorf("missing name")).WithMessage("tool name is required")
	}
	if tool.Description() == "" {
		return agenterr.New(agenterr.KindValidation, name, fmt.Errorf("missing description")).WithMessage("tool description is required")
	}
	params := tool.Parameters()
	if len(params) == 0 {
		return agenterr.New(agenterr.KindValidation, name, fmt.Errorf("missing parameters")).WithMessage("tool parameters schema is required")
	}
	if err := validateSchemaDocument(params); err != nil {
		return agenterr.New(agenterr.KindValidation, name, err).WithMessage("tool parameters is not a valid JSON-Schema document")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return agenterr.New(agenterr.KindDuplicateTool, name, agenterr.ErrDuplicateTool)
	}
	r.entries[name] = &entry{tool: tool, regTime: time.Now()}
	return nil
}

// validateSchemaDocument compiles params as a standalone JSON-Schema
// document to make sure the registry rejects a malformed schema at
// registration time rather than at first tool call.
func validateSchemaDocument(params json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	const resourceURI = "tool-parameters.json"
	if err := compiler.AddResource(resourceURI, bytes.NewReader(params)); err != nil {
		return err
	}
	_, err := compiler.Compile(resourceURI)
	return err
}

// Unregister removes a tool by name; a no-op if it is not registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns the tool registered under name, unwrapped: calling its Run
// does not update the registry's metrics (RecordExecution does).
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, agenterr.New(agenterr.KindToolNotFound, name, agenterr.ErrToolNotFound)
	}
	return e.tool, nil
}

// AvgExecutionTime returns the running average execution time for name,
// or 0 if unknown.
func (r *Registry) AvgExecutionTime(name string) time.Duration {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return e.AvgExecutionTime()
}

// RecordExecution updates call_count/last_used/avg_execution_time for
// name. Called by the tool executor (C7) after every Run, successful or
// not (so average timing reflects real load).
func (r *Registry) RecordExecution(name string, d time.Duration) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		e.record(d)
	}
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		tools = append(tools, e.tool)
	}
	return tools
}

// MetricsFor returns the metrics snapshot for a single tool.
func (r *Registry) MetricsFor(name string) (Metrics, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Metrics{}, false
	}
	m := e.snapshot()
	m.Name = name
	return m, true
}

// Metrics returns the metrics snapshot for every registered tool.
func (r *Registry) Metrics() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metrics, 0, len(r.entries))
	for name, e := range r.entries {
		m := e.snapshot()
		m.Name = name
		out = append(out, m)
	}
	return out
}

// ResetAll invokes Reset on every registered tool that implements
// Resetter, used between sessions for stateful tools (§5).
func (r *Registry) ResetAll(ctx context.Context) []error {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		tools = append(tools, e.tool)
	}
	r.mu.RUnlock()

	var errs []error
	for _, t := range tools {
		if resetter, ok := t.(Resetter); ok {
			if err := resetter.Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("reset %s: %w", t.Name(), err))
			}
		}
	}
	return errs
}
