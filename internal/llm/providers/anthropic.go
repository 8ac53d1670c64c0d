// Package providers implements llm.Provider backends: Anthropic's Claude
// API and an OpenAI-compatible HTTP backend that also serves local
// OpenAI-compatible inference servers (e.g. LM Studio) via a configurable
// base URL.
//
// Grounded on internal/agent/providers/anthropic.go and
// internal/agent/providers/openai.go of the teacher repo: the provider
// shape, exponential-backoff retry classification, and message/tool
// conversion helpers are kept; the teacher's streaming/vision/beta
// computer-use paths are dropped (out of scope — see DESIGN.md) in favour
// of the single blocking Complete/ChatWithTools calls the runtime needs.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nexus-agent/runtime/internal/agenterr"
	"github.com/nexus-agent/runtime/internal/llm"
	"github.com/nexus-agent/runtime/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// AnthropicProvider implements llm.Provider over the Anthropic Messages
// API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider builds a provider from cfg, applying documented
// defaults for DefaultModel ("claude-sonnet-4-20250514") and MaxTokens
// (4096).
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, SupportsTools: true},
		{ID: "claude-opus-4-20250514", ContextWindow: 200000, SupportsTools: true},
		{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, SupportsTools: true},
		{ID: "claude-3-5-haiku-20241022", ContextWindow: 200000, SupportsTools: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) Complete(ctx context.Context, messages []models.Message, opts llm.Options) (string, llm.Metadata, error) {
	raw, meta, err := p.chat(ctx, messages, nil, opts)
	if err != nil {
		return "", meta, err
	}
	return raw.Content, meta, nil
}

func (p *AnthropicProvider) ChatWithTools(ctx context.Context, messages []models.Message, tools []llm.ToolDefinition, opts llm.Options) (llm.RawAssistantMessage, llm.Metadata, error) {
	return p.chat(ctx, messages, tools, opts)
}

func (p *AnthropicProvider) chat(ctx context.Context, messages []models.Message, tools []llm.ToolDefinition, opts llm.Options) (llm.RawAssistantMessage, llm.Metadata, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	system, converted, err := convertMessages(messages)
	if err != nil {
		return llm.RawAssistantMessage{}, llm.Metadata{}, agenterr.New(agenterr.KindValidation, "", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		converted, err := convertTools(tools)
		if err != nil {
			return llm.RawAssistantMessage{}, llm.Metadata{}, agenterr.New(agenterr.KindValidation, "", err)
		}
		params.Tools = converted
		switch opts.ToolChoice {
		case llm.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case llm.ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.RawAssistantMessage{}, llm.Metadata{}, classifyAnthropicError(err, model)
	}

	raw := llm.RawAssistantMessage{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			raw.Content += block.Text
		case "tool_use":
			raw.ToolCalls = append(raw.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Type:      "function",
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}

	meta := llm.Metadata{
		Model: model,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
	return raw, meta, nil
}

func (p *AnthropicProvider) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic: %w", llm.ErrNotSupported)
}

// convertMessages splits out the system prompt (Anthropic carries it
// outside the message array) and converts the remainder to
// anthropic.MessageParam, folding tool-response messages into
// tool_result content blocks on a user turn.
func convertMessages(messages []models.Message) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	var out []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			args, err := tc.DecodeArguments()
			if err != nil {
				return "", nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}

		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return system.String(), out, nil
}

// convertTools converts tool definitions to Anthropic's tool schema.
func convertTools(tools []llm.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schemaBytes, err := json.Marshal(t.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Function.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaBytes, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", t.Function.Name, err)
		}
		tp := anthropic.ToolUnionParamOfTool(schema, t.Function.Name)
		if tp.OfTool != nil {
			tp.OfTool.Description = anthropic.String(t.Function.Description)
		}
		out = append(out, tp)
	}
	return out, nil
}

// classifyAnthropicError maps SDK-level errors onto agenterr kinds so the
// Client's retry/fallback logic can branch on them uniformly across
// backends.
func classifyAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return agenterr.New(agenterr.KindRateLimit, "", err).WithCode("429")
		case 500, 502, 503, 504:
			return agenterr.New(agenterr.KindServer, "", err).WithCode(fmt.Sprintf("%d", apiErr.StatusCode))
		case 401, 403:
			return agenterr.New(agenterr.KindValidation, "", err).WithCode(fmt.Sprintf("%d", apiErr.StatusCode))
		case 404:
			return agenterr.New(agenterr.KindModelUnavailable, model, err).WithCode("404")
		}
	}
	return agenterr.New(agenterr.Classify(err), model, err)
}

// retryBaseDelay and retryMaxDelay mirror the teacher's documented
// defaults; the actual retry loop lives in the llm.Client layer so every
// backend gets identical fallback/backoff semantics.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)
