package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/nexus-agent/runtime/internal/registry"
)

func TestEchoRegistersAndRuns(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(Echo{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	tool, err := reg.Get("echo")
	if err != nil {
		t.Fatalf("get echo: %v", err)
	}

	result, err := tool.Run(context.Background(), map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("run echo: %v", err)
	}
	if result != "hello" {
		t.Fatalf("expected %q, got %v", "hello", result)
	}
}

func TestEchoSchemaDescribesTextField(t *testing.T) {
	if len(echoSchema) == 0 {
		t.Fatal("expected a non-empty reflected schema")
	}
	if !strings.Contains(string(echoSchema), `"text"`) {
		t.Fatalf("expected the reflected schema to describe the text field, got %s", echoSchema)
	}
}
