package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
active_llm: primary
backends:
  primary:
    api_type: openai
    model: gpt-4o
    api_key: ${TEST_CONFIG_API_KEY}
    max_tokens: 2048
memory:
  max_tokens: 4000
agent:
  max_iterations: 10
  execution_mode: parallel
`

func TestLoadExpandsEnvAndLayersOverDefaults(t *testing.T) {
	t.Setenv("TEST_CONFIG_API_KEY", "secret-value")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	backend, ok := cfg.Backends["primary"]
	if !ok {
		t.Fatal("expected backend 'primary'")
	}
	if backend.APIKey != "secret-value" {
		t.Fatalf("expected expanded env var, got %q", backend.APIKey)
	}
	if backend.MaxTokens != 2048 {
		t.Fatalf("expected max_tokens 2048, got %d", backend.MaxTokens)
	}
	if cfg.Memory.MaxTokens != 4000 {
		t.Fatalf("expected memory.max_tokens 4000, got %d", cfg.Memory.MaxTokens)
	}
	if !cfg.Memory.PreserveSystemPrompt {
		t.Fatal("expected default preserve_system_prompt to survive the overlay")
	}
	if cfg.Agent.ExecutionMode != "parallel" {
		t.Fatalf("expected execution_mode parallel, got %q", cfg.Agent.ExecutionMode)
	}
	if cfg.Tool.DefaultTimeout == 0 {
		t.Fatal("expected tool defaults to survive the overlay")
	}
}

func TestLoadRejectsUnknownActiveLLM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "active_llm: missing\nbackends:\n  other:\n    api_type: openai\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unresolved active_llm")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "active_llm: primary\nbackends:\n  primary:\n    api_type: openai\nnot_a_real_field: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error for unknown field")
	}
}

func TestLoadRejectsMultiDocumentFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "active_llm: primary\nbackends:\n  primary:\n    api_type: openai\n---\nactive_llm: other\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error for multi-document file")
	}
}

func TestValidateRejectsBadExecutionMode(t *testing.T) {
	cfg := Default()
	cfg.ActiveLLM = "primary"
	cfg.Backends = map[string]LLMBackend{"primary": {APIType: "openai"}}
	cfg.Agent.ExecutionMode = "eventually"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad execution_mode")
	}
}
