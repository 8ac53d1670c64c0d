package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexus-agent/runtime/internal/agenterr"
	"github.com/nexus-agent/runtime/internal/retry"
	"github.com/nexus-agent/runtime/internal/telemetry"
	"github.com/nexus-agent/runtime/pkg/models"
)

// Config tunes the Client's retry and fallback behaviour (§4.5, §6
// per-backend config).
type Config struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	FallbackModels    []string
	MaxFallbackAttempts int

	// Metrics, when set, records request latency, token usage, and
	// fallback counts to Prometheus. Nil disables instrumentation.
	Metrics *telemetry.Metrics
	// ProviderName labels emitted metrics (e.g. "openai", "anthropic").
	ProviderName string

	// Tracer, when set, opens a span around every LLM request (C5). Nil
	// disables tracing.
	Tracer *telemetry.Tracer
}

// DefaultConfig matches §4.5's documented defaults: base backoff 1s,
// cap 30s, 3-4 attempts, 3 fallback attempts.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          4,
		InitialBackoff:      time.Second,
		MaxBackoff:          30 * time.Second,
		MaxFallbackAttempts: 3,
	}
}

// unavailableModels is the process-wide cache of models proven
// unavailable ("model_not_found" / "model unloaded"), consulted before
// trying a model and populated when a completion fails that way (§4.5).
var unavailableModels = struct {
	mu    sync.Mutex
	names map[string]time.Time
}{names: make(map[string]time.Time)}

func markModelUnavailable(name string) {
	unavailableModels.mu.Lock()
	defer unavailableModels.mu.Unlock()
	unavailableModels.names[name] = time.Now()
}

func isModelUnavailable(name string) bool {
	unavailableModels.mu.Lock()
	defer unavailableModels.mu.Unlock()
	_, marked := unavailableModels.names[name]
	return marked
}

// ResetModel clears the process-wide unavailable mark for name, making it
// eligible to be tried again (§4.5 "the original model is restorable via
// reset_model").
func ResetModel(name string) {
	unavailableModels.mu.Lock()
	defer unavailableModels.mu.Unlock()
	delete(unavailableModels.names, name)
}

// Client is the C5 LLM client: it wraps one Provider per configured
// backend, applying retry-with-backoff, rate-limit handling, and
// model-name fallback on top of whatever the underlying Provider does.
type Client struct {
	provider Provider
	cfg      Config
}

// New creates a Client over provider.
func New(provider Provider, cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxFallbackAttempts <= 0 {
		cfg.MaxFallbackAttempts = 3
	}
	return &Client{provider: provider, cfg: cfg}
}

func (c *Client) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  c.cfg.MaxRetries,
		InitialDelay: c.cfg.InitialBackoff,
		MaxDelay:     c.cfg.MaxBackoff,
		Factor:       2.0,
		Jitter:       true,
		Predicate:    agenterr.IsRetryable,
	}
}

// candidateModels returns the requested model followed by the configured
// fallback chain, skipping any already proven unavailable, capped at
// MaxFallbackAttempts substitutions.
func (c *Client) candidateModels(requested string) []string {
	candidates := []string{requested}
	candidates = append(candidates, c.cfg.FallbackModels...)

	out := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if m == "" || isModelUnavailable(m) {
			continue
		}
		out = append(out, m)
		if len(out)-1 >= c.cfg.MaxFallbackAttempts {
			break
		}
	}
	if len(out) == 0 && requested != "" {
		// every candidate is marked unavailable; try the original anyway
		// rather than failing before even asking the backend.
		out = []string{requested}
	}
	return out
}

// Complete performs a plain completion, retrying transport/server errors
// with exponential backoff and falling back across configured model
// names on model-unavailable errors (§4.5).
func (c *Client) Complete(ctx context.Context, messages []models.Message, opts Options) (string, Metadata, error) {
	models_ := c.candidateModels(opts.Model)
	var lastErr error
	totalAttempts := 0
	fellBack := false

	for i, model := range models_ {
		opts.Model = model
		start := time.Now()

		spanCtx, endSpan := c.startRequestSpan(ctx, model)
		content, meta, result := c.completeOnce(spanCtx, messages, opts)
		endSpan(result.Err)
		totalAttempts += result.Attempts
		meta.Attempts = totalAttempts
		meta.Latency = time.Since(start)
		meta.FallbackApplied = fellBack

		if result.Err == nil {
			c.recordRequest(model, meta, nil)
			return content, meta, nil
		}
		lastErr = result.Err

		if agenterr.Classify(result.Err) != agenterr.KindModelUnavailable {
			c.recordRequest(model, meta, result.Err)
			return "", meta, result.Err
		}
		c.recordRequest(model, meta, result.Err)
		markModelUnavailable(model)
		c.recordFallback(model, nextModel(models_, i))
		fellBack = true
		if i == len(models_)-1 {
			break
		}
	}

	return "", Metadata{Attempts: totalAttempts, FallbackApplied: fellBack}, agenterr.New(agenterr.KindModelUnavailable, "", lastErr).
		WithMessage(fmt.Sprintf("no available model after trying %d model(s)", len(models_)))
}

// recordRequest emits the LLM request duration/count metrics when the
// client was configured with a Metrics recorder (no-op otherwise).
func (c *Client) recordRequest(model string, meta Metadata, err error) {
	if c.cfg.Metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	provider := c.cfg.ProviderName
	c.cfg.Metrics.LLMRequestDuration.WithLabelValues(provider, model, status).Observe(meta.Latency.Seconds())
	c.cfg.Metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	if meta.Usage.PromptTokens > 0 {
		c.cfg.Metrics.LLMTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(meta.Usage.PromptTokens))
	}
	if meta.Usage.CompletionTokens > 0 {
		c.cfg.Metrics.LLMTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(meta.Usage.CompletionTokens))
	}
}

func (c *Client) recordFallback(from, to string) {
	if c.cfg.Metrics == nil || to == "" {
		return
	}
	c.cfg.Metrics.LLMFallbacksTotal.WithLabelValues(from, to).Inc()
}

// startRequestSpan opens a C5 request span for model when the client was
// configured with a Tracer, returning the context to run the request
// under and a function that closes the span, recording err if non-nil.
// A nil Tracer makes both a no-op.
func (c *Client) startRequestSpan(ctx context.Context, model string) (context.Context, func(error)) {
	if c.cfg.Tracer == nil {
		return ctx, func(error) {}
	}
	spanCtx, span := c.cfg.Tracer.TraceLLMRequest(ctx, c.cfg.ProviderName, model)
	return spanCtx, func(err error) {
		if err != nil {
			c.cfg.Tracer.RecordError(span, err)
		}
		span.End()
	}
}

// nextModel returns the candidate that will be tried after index i, or ""
// if i is the last candidate.
func nextModel(candidates []string, i int) string {
	if i+1 < len(candidates) {
		return candidates[i+1]
	}
	return ""
}

func (c *Client) completeOnce(ctx context.Context, messages []models.Message, opts Options) (string, Metadata, retry.Result) {
	var content string
	var meta Metadata
	result := retry.Do(ctx, c.retryConfig(), func() error {
		var err error
		content, meta, err = c.provider.Complete(ctx, messages, opts)
		return err
	})
	return content, meta, result
}

// ChatWithTools performs a tool-enabled completion and normalises the
// result to an assistant Message per §4.5:
//   - structured tool calls are decoded (arguments JSON-decoded when the
//     backend hands them back as a string; a decode failure keeps the raw
//     string and records arguments_parse_error rather than dropping the
//     call);
//   - free-text tool-call formats embedded in content are extracted into
//     ToolCalls and stripped from the content. No steering note is added
//     to the conversation when any were found.
func (c *Client) ChatWithTools(ctx context.Context, messages []models.Message, tools []ToolDefinition, opts Options) (models.Message, Metadata, error) {
	models_ := c.candidateModels(opts.Model)
	var lastErr error
	totalAttempts := 0
	fellBack := false

	for i, model := range models_ {
		opts.Model = model
		start := time.Now()

		spanCtx, endSpan := c.startRequestSpan(ctx, model)
		raw, meta, result := c.chatWithToolsOnce(spanCtx, messages, tools, opts)
		endSpan(result.Err)
		totalAttempts += result.Attempts
		meta.Attempts = totalAttempts
		meta.Latency = time.Since(start)
		meta.FallbackApplied = fellBack

		if result.Err == nil {
			c.recordRequest(model, meta, nil)
			return normaliseAssistantMessage(raw), meta, nil
		}
		lastErr = result.Err

		if agenterr.Classify(result.Err) != agenterr.KindModelUnavailable {
			c.recordRequest(model, meta, result.Err)
			return models.Message{}, meta, result.Err
		}
		c.recordRequest(model, meta, result.Err)
		markModelUnavailable(model)
		c.recordFallback(model, nextModel(models_, i))
		fellBack = true
		if i == len(models_)-1 {
			break
		}
	}

	return models.Message{}, Metadata{Attempts: totalAttempts, FallbackApplied: fellBack}, agenterr.New(agenterr.KindModelUnavailable, "", lastErr).
		WithMessage(fmt.Sprintf("no available model after trying %d model(s)", len(models_)))
}

func (c *Client) chatWithToolsOnce(ctx context.Context, messages []models.Message, tools []ToolDefinition, opts Options) (RawAssistantMessage, Metadata, retry.Result) {
	var raw RawAssistantMessage
	var meta Metadata
	result := retry.Do(ctx, c.retryConfig(), func() error {
		var err error
		raw, meta, err = c.provider.ChatWithTools(ctx, messages, tools, opts)
		return err
	})
	return raw, meta, result
}

// normaliseAssistantMessage turns a provider's raw reply into a
// models.Message, decoding string-encoded tool-call arguments and
// extracting any free-text tool requests left in content.
func normaliseAssistantMessage(raw RawAssistantMessage) models.Message {
	calls := make([]models.ToolCall, 0, len(raw.ToolCalls))
	for _, tc := range raw.ToolCalls {
		calls = append(calls, decodeToolCallArguments(tc))
	}

	content := raw.Content
	if strings.TrimSpace(content) != "" {
		extracted, stripped := ExtractToolCalls(content)
		if len(extracted) > 0 {
			calls = append(calls, extracted...)
			content = stripped
		}
	}

	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	}
	return msg
}

// decodeToolCallArguments ensures tc.Arguments is valid JSON. Providers
// that hand back arguments as an already-decoded map re-marshal cleanly
// through json.RawMessage; providers that hand back a string attempt a
// JSON decode and, on failure, keep the raw bytes while recording the
// parse error rather than dropping the call (§4.5).
func decodeToolCallArguments(tc models.ToolCall) models.ToolCall {
	if len(tc.Arguments) == 0 {
		tc.Arguments = json.RawMessage("{}")
		return tc
	}
	var probe any
	if err := json.Unmarshal(tc.Arguments, &probe); err != nil {
		tc.ArgumentsParseError = err.Error()
		return tc
	}
	switch probe.(type) {
	case map[string]any:
		return tc
	default:
		// a bare string/number/array isn't a valid argument map; the raw
		// value is kept for diagnostics and the parse error recorded.
		tc.ArgumentsParseError = "decoded arguments are not a JSON object"
		return tc
	}
}

// Embed delegates to the underlying provider's Embed.
func (c *Client) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return c.provider.Embed(ctx, text, model)
}

// Provider exposes the underlying backend, e.g. for Models()/SupportsTools().
func (c *Client) Provider() Provider { return c.provider }
