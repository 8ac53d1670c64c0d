// Package llm implements the chat-completion and tool-calling client (C5):
// a pluggable backend abstraction with retry, rate-limit backoff, model
// fallback, and extraction of tool calls from non-conforming free-text
// responses.
//
// Grounded on the teacher repo's internal/agent provider family
// (providers/anthropic.go, providers/openai.go, failover.go): the
// Provider interface is kept, while the teacher's streaming chunk type and
// circuit breaker are not carried over; model-fallback-by-name and
// free-text tool-call extraction (§4.5) are added fresh since the teacher
// only fails over between whole providers, never between model names
// within one.
package llm

import (
	"context"
	"time"

	"github.com/nexus-agent/runtime/pkg/models"
)

// ToolChoice controls whether/which tool the model must call.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceRequired ToolChoice = "required"
)

// ToolDefinition is the JSON-Schema function definition exposed to the
// model, matching the OpenAI-compatible tool-calling wire shape (§6).
type ToolDefinition struct {
	Type     string             `json:"type"` // always "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the function body of a ToolDefinition.
type ToolFunctionSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// Options carries the per-call tunables a caller may override.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	ToolChoice  ToolChoice
	// SpecificTool names the single tool to force when ToolChoice is
	// neither auto nor none nor required.
	SpecificTool string
}

// Usage reports token accounting for a single completion, when the
// backend supplies it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Metadata accompanies a completion: usage, latency, and the model and
// attempt count actually used (which may differ from the requested model
// after fallback).
type Metadata struct {
	Model           string
	Usage           Usage
	Latency         time.Duration
	Attempts        int
	FallbackApplied bool
}

// Model describes one backend-advertised model.
type Model struct {
	ID            string
	ContextWindow int
	SupportsTools bool
}

// Provider is a single LLM backend (OpenAI-compatible HTTP, a local
// inference server, or an embedded runtime). Complete and ChatWithTools
// return the raw provider-shaped response; the Client layer normalises
// it to models.Message and applies retry/fallback/extraction.
type Provider interface {
	Name() string
	Models() []Model
	SupportsTools() bool

	// Complete performs a plain chat completion.
	Complete(ctx context.Context, messages []models.Message, opts Options) (string, Metadata, error)

	// ChatWithTools performs a chat completion with function/tool
	// definitions attached, returning the raw assistant message content
	// and any structured tool calls the backend reported.
	ChatWithTools(ctx context.Context, messages []models.Message, tools []ToolDefinition, opts Options) (RawAssistantMessage, Metadata, error)

	// Embed returns an embedding vector for text, or an error wrapping
	// ErrNotSupported if the backend has no embeddings endpoint.
	Embed(ctx context.Context, text string, model string) ([]float32, error)
}

// RawAssistantMessage is the provider's unnormalised reply: content text
// plus zero or more structured tool calls as the backend reported them
// (arguments still JSON-encoded exactly as received).
type RawAssistantMessage struct {
	Content   string
	ToolCalls []models.ToolCall
}
