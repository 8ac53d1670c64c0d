// Package tools holds the runtime's built-in demonstration tools. None
// are auto-registered: callers pass the ones they want to
// Runtime.RegisterTools, the same path any caller-supplied Tool takes.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexus-agent/runtime/internal/registry"
)

// echoArgs is reflected into the tool's JSON-Schema via registry.SchemaFor
// instead of being hand-written, so the schema and the Run signature
// can never drift apart.
type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

// Echo is a minimal Tool that returns its input unchanged. It exists to
// exercise the registry/executor/agent-loop tool-calling path end to end
// with no external dependency, and as a worked example for tool authors.
type Echo struct{}

var echoSchema = registry.SchemaFor(echoArgs{})

func (Echo) Name() string                  { return "echo" }
func (Echo) Description() string           { return "Echoes the given text back unchanged." }
func (Echo) Parameters() json.RawMessage   { return echoSchema }
func (Echo) Timeout() time.Duration        { return 5 * time.Second }

func (Echo) Run(_ context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	return text, nil
}
