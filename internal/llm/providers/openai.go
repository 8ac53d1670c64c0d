package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexus-agent/runtime/internal/agenterr"
	"github.com/nexus-agent/runtime/internal/llm"
	"github.com/nexus-agent/runtime/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider. Setting BaseURL targets any
// OpenAI-compatible local inference server (LM Studio, etc.); APIKey may
// then be a placeholder value (§6).
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider implements llm.Provider over the OpenAI chat-completions
// API, or any OpenAI-compatible server reachable at BaseURL.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider builds a provider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required (use a placeholder for local servers)")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gpt-4o", ContextWindow: 128000, SupportsTools: true},
		{ID: "gpt-4o-mini", ContextWindow: 128000, SupportsTools: true},
		{ID: "gpt-4-turbo", ContextWindow: 128000, SupportsTools: true},
		{ID: "gpt-3.5-turbo", ContextWindow: 16385, SupportsTools: true},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

func (p *OpenAIProvider) Complete(ctx context.Context, messages []models.Message, opts llm.Options) (string, llm.Metadata, error) {
	raw, meta, err := p.chat(ctx, messages, nil, opts)
	if err != nil {
		return "", meta, err
	}
	return raw.Content, meta, nil
}

func (p *OpenAIProvider) ChatWithTools(ctx context.Context, messages []models.Message, tools []llm.ToolDefinition, opts llm.Options) (llm.RawAssistantMessage, llm.Metadata, error) {
	return p.chat(ctx, messages, tools, opts)
}

func (p *OpenAIProvider) chat(ctx context.Context, messages []models.Message, tools []llm.ToolDefinition, opts llm.Options) (llm.RawAssistantMessage, llm.Metadata, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(messages),
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if len(tools) > 0 {
		req.Tools = convertOpenAITools(tools)
		switch opts.ToolChoice {
		case llm.ToolChoiceNone:
			req.ToolChoice = "none"
		case llm.ToolChoiceRequired:
			req.ToolChoice = "required"
		case llm.ToolChoiceAuto, "":
			req.ToolChoice = "auto"
		}
		if opts.SpecificTool != "" {
			req.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: opts.SpecificTool},
			}
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return llm.RawAssistantMessage{}, llm.Metadata{}, classifyOpenAIError(err, model)
	}
	if len(resp.Choices) == 0 {
		return llm.RawAssistantMessage{}, llm.Metadata{}, agenterr.New(agenterr.KindContentFormat, "", errors.New("empty choices in completion response"))
	}

	choice := resp.Choices[0]
	raw := llm.RawAssistantMessage{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		raw.ToolCalls = append(raw.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Type:      "function",
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	meta := llm.Metadata{
		Model: model,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return raw, meta, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, classifyOpenAIError(err, model)
	}
	if len(resp.Data) == 0 {
		return nil, agenterr.New(agenterr.KindContentFormat, "", errors.New("empty embedding response"))
	}
	return resp.Data[0].Embedding, nil
}

func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func convertOpenAITools(tools []llm.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

// classifyOpenAIError maps go-openai's APIError onto agenterr kinds.
func classifyOpenAIError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return agenterr.New(agenterr.KindRateLimit, "", err).WithCode("429")
		case 500, 502, 503, 504:
			return agenterr.New(agenterr.KindServer, "", err).WithCode("5xx")
		case 401, 403:
			return agenterr.New(agenterr.KindValidation, "", err).WithCode("auth")
		case 404:
			return agenterr.New(agenterr.KindModelUnavailable, model, err).WithCode("404")
		}
	}
	return agenterr.New(agenterr.Classify(err), model, err)
}
