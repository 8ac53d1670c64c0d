package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexus-agent/runtime/internal/registry"
	"github.com/nexus-agent/runtime/internal/toolcache"
	"github.com/nexus-agent/runtime/pkg/models"
)

type fakeTool struct {
	name    string
	params  json.RawMessage
	timeout time.Duration
	run     func(ctx context.Context, args map[string]any) (any, error)
}

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) Description() string          { return "a fake tool" }
func (f *fakeTool) Parameters() json.RawMessage  { return f.params }
func (f *fakeTool) Timeout() time.Duration       { return f.timeout }
func (f *fakeTool) Run(ctx context.Context, args map[string]any) (any, error) {
	return f.run(ctx, args)
}

func newRegistryWithTool(t *testing.T, tool registry.Tool) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func newExecutor(reg *registry.Registry) *Executor {
	cache := toolcache.NewLayered(toolcache.New(), toolcache.New())
	return New(reg, cache, DefaultConfig())
}

func simpleSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)
}

func TestExecuteSuccessPath(t *testing.T) {
	tool := &fakeTool{
		name:   "echo",
		params: simpleSchema(),
		run: func(ctx context.Context, args map[string]any) (any, error) {
			return args["q"], nil
		},
	}
	reg := newRegistryWithTool(t, tool)
	ex := newExecutor(reg)

	call := models.ToolCall{ID: "1", Type: "function", Name: "echo", Arguments: json.RawMessage(`{"q":"hi"}`)}
	resp, summary := ex.Execute(context.Background(), call)

	if !resp.Success || resp.Result != "hi" {
		t.Fatalf("expected success with result 'hi', got %+v", resp)
	}
	if summary.CacheHit {
		t.Fatal("expected first call to be a cache miss")
	}
}

func TestExecuteCachesResult(t *testing.T) {
	calls := 0
	tool := &fakeTool{
		name:   "echo",
		params: simpleSchema(),
		run: func(ctx context.Context, args map[string]any) (any, error) {
			calls++
			return "result", nil
		},
	}
	reg := newRegistryWithTool(t, tool)
	ex := newExecutor(reg)

	call := models.ToolCall{ID: "1", Type: "function", Name: "echo", Arguments: json.RawMessage(`{"q":"hi"}`)}
	ex.Execute(context.Background(), call)
	_, summary := ex.Execute(context.Background(), call)

	if !summary.CacheHit {
		t.Fatal("expected second identical call to hit the cache")
	}
	if calls != 1 {
		t.Fatalf("expected tool to run exactly once, ran %d times", calls)
	}
}

func TestExecuteToolNotFound(t *testing.T) {
	reg := registry.New()
	ex := newExecutor(reg)

	call := models.ToolCall{ID: "1", Type: "function", Name: "missing", Arguments: json.RawMessage(`{}`)}
	resp, _ := ex.Execute(context.Background(), call)

	if resp.Success {
		t.Fatal("expected failure for unregistered tool")
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	tool := &fakeTool{
		name:   "typed",
		params: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
		run: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	}
	reg := newRegistryWithTool(t, tool)
	ex := newExecutor(reg)

	call := models.ToolCall{ID: "1", Type: "function", Name: "typed", Arguments: json.RawMessage(`{"n":"not a number"}`)}
	resp, _ := ex.Execute(context.Background(), call)

	if resp.Success {
		t.Fatal("expected schema validation to reject a string where an integer is required")
	}
}

func TestExecuteTimeoutRecoversWithSimplifiedArgs(t *testing.T) {
	attempt := 0
	tool := &fakeTool{
		name:    "slow",
		params:  simpleSchema(),
		timeout: 200 * time.Millisecond,
		run: func(ctx context.Context, args map[string]any) (any, error) {
			attempt++
			if attempt == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return "recovered", nil
		},
	}
	reg := newRegistryWithTool(t, tool)
	ex := newExecutor(reg)

	call := models.ToolCall{ID: "1", Type: "function", Name: "slow", Arguments: json.RawMessage(`{"q":"hi"}`)}
	resp, summary := ex.Execute(context.Background(), call)

	if !resp.Success || resp.Result != "recovered" {
		t.Fatalf("expected recovery to succeed on retry, got %+v", resp)
	}
	if !summary.Recovered {
		t.Fatal("expected summary to record a recovery")
	}
}

func TestSimplifyArgumentsTruncatesAndCaps(t *testing.T) {
	longString := make([]byte, 2000)
	for i := range longString {
		longString[i] = 'a'
	}
	args := map[string]any{
		"text":  string(longString),
		"items": []any{1, 2, 3, 4, 5, 6, 7},
		"limit": float64(50),
	}
	out := simplifyArguments(args)

	if len(out["text"].(string)) != 1000 {
		t.Fatalf("expected string truncated to 1000 chars, got %d", len(out["text"].(string)))
	}
	if len(out["items"].([]any)) != 5 {
		t.Fatalf("expected list capped at 5, got %d", len(out["items"].([]any)))
	}
	if out["limit"].(float64) != 5 {
		t.Fatalf("expected limit capped at 5, got %v", out["limit"])
	}
}

func TestEffectiveTimeoutClampsToBounds(t *testing.T) {
	reg := registry.New()
	ex := newExecutor(reg)
	tool := &fakeTool{name: "t", params: simpleSchema(), timeout: 1 * time.Millisecond}

	got := ex.effectiveTimeout(tool, map[string]any{})
	if got < minTimeout {
		t.Fatalf("expected timeout clamped to minimum %s, got %s", minTimeout, got)
	}
}
