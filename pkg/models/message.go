// Package models holds the wire and in-memory data types shared across the
// agent runtime: messages, tool calls/responses, memory entries, plans,
// sessions, and diagnostics.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// Message is immutable once constructed. Role=assistant may carry ToolCalls;
// role=tool carries ToolCallID and Name identifying the originating call.
type Message struct {
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string     `json:"tool_call_id,omitempty"`
	Name        string     `json:"name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// GetRole, GetContent, GetName and GetToolCallID satisfy
// internal/tokenizer.MessageLike so Message can be counted directly.
func (m Message) GetRole() string       { return string(m.Role) }
func (m Message) GetContent() string    { return m.Content }
func (m Message) GetName() string       { return m.Name }
func (m Message) GetToolCallID() string { return m.ToolCallID }

// ToolCall is the model's structured request to invoke a named tool.
// Arguments is kept as raw JSON as received from the model; callers that
// need the decoded form use DecodeArguments. When the model hands back
// arguments that are not valid JSON, ArgumentsParseError records the
// failure rather than discarding the call (see §4.5 of the runtime design).
type ToolCall struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"` // always "function"
	Name                string          `json:"name"`
	Arguments           json.RawMessage `json:"arguments"`
	ArgumentsParseError string          `json:"arguments_parse_error,omitempty"`
}

// DecodeArguments decodes Arguments into a generic map. An empty payload
// decodes to an empty map rather than an error.
func (tc ToolCall) DecodeArguments() (map[string]any, error) {
	if len(tc.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(tc.Arguments, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToolResponse is the result (or error) of executing one ToolCall, linked
// back to it by ID.
type ToolResponse struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StringContent renders Result as the string content that goes into a
// role=tool Message. Non-string results are JSON-coerced; the raw Result
// value itself is preserved on the ToolResponse.
func (tr ToolResponse) StringContent() string {
	if tr.Error != "" {
		return tr.Error
	}
	switch v := tr.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
