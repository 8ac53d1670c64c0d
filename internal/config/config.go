// Package config loads and validates the runtime's configuration: the
// active LLM backend and its per-backend settings, memory/tool/agent
// tunables, and the security/sandboxing surface (§6 "Configuration").
//
// Grounded on the teacher repo's internal/config package: the yaml.v3
// struct-tag style is kept, with the types in config.go and the loader in
// loader.go rather than the teacher's per-concern file split; the loader
// drops the teacher's
// json5/$include file-composition layer (no example repo in this pack
// pulls in a json5 library, so it is not grounded on anything wired
// elsewhere) in favour of a single YAML document, per §6's flatter
// enumerated surface.
package config

import "time"

// Config is the root configuration document (§6).
type Config struct {
	ActiveLLM string                `yaml:"active_llm"`
	Backends  map[string]LLMBackend `yaml:"backends"`

	Memory   MemoryConfig   `yaml:"memory"`
	Tool     ToolConfig     `yaml:"tool"`
	Agent    AgentConfig    `yaml:"agent"`
	Planning PlanningConfig `yaml:"planning"`
	Security SecurityConfig `yaml:"security"`
}

// LLMBackend configures one named LLM backend (§6 per-backend fields).
type LLMBackend struct {
	APIType       string        `yaml:"api_type"`
	Model         string        `yaml:"model"`
	APIBase       string        `yaml:"api_base"`
	APIKey        string        `yaml:"api_key"`
	FallbackModel string        `yaml:"fallback_model"`
	ModelPath     string        `yaml:"model_path"`
	ContextLength int           `yaml:"context_length"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxRetries    int           `yaml:"max_retries"`
	Timeout       time.Duration `yaml:"timeout"`
}

// MemoryConfig configures the rolling-window memory (C4, §6 memory.*).
type MemoryConfig struct {
	MaxTokens                 int  `yaml:"max_tokens"`
	PreserveSystemPrompt      bool `yaml:"preserve_system_prompt"`
	PreserveFirstUserMessage  bool `yaml:"preserve_first_user_message"`
	SummarisationThreshold    int  `yaml:"summarisation_threshold"`
}

// ToolConfig configures the tool executor (C7, §6 tool.*).
type ToolConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl"`
	EnableCaching   bool          `yaml:"enable_caching"`
}

// AgentConfig configures the agent loop (C8, §6 agent.*).
type AgentConfig struct {
	MaxIterations     int    `yaml:"max_iterations"`
	ExecutionMode     string `yaml:"execution_mode"`
	DuplicateThreshold int   `yaml:"duplicate_threshold"`
}

// PlanningConfig configures the planning flow (C9).
type PlanningConfig struct {
	ContinueOnFailure bool `yaml:"continue_on_failure"`
}

// SecurityConfig configures the sandboxing surface tools operate under.
type SecurityConfig struct {
	AllowedPaths     []string      `yaml:"allowed_paths"`
	RestrictedPaths  []string      `yaml:"restricted_paths"`
	MaxCommandLength int           `yaml:"max_command_length"`
	Timeout          time.Duration `yaml:"timeout"`
	RateLimit        int           `yaml:"rate_limit"`
	WorkspaceDir     string        `yaml:"workspace_dir"`
}

// Default returns the documented defaults for every optional field (§6:
// "all optional with documented defaults").
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			MaxTokens:                8000,
			PreserveSystemPrompt:     true,
			PreserveFirstUserMessage: true,
		},
		Tool: ToolConfig{
			DefaultTimeout:  30 * time.Second,
			DefaultCacheTTL: 5 * time.Minute,
			EnableCaching:   true,
		},
		Agent: AgentConfig{
			MaxIterations:      20,
			ExecutionMode:      "sequential",
			DuplicateThreshold: 2,
		},
		Planning: PlanningConfig{
			ContinueOnFailure: false,
		},
		Security: SecurityConfig{
			MaxCommandLength: 4096,
			Timeout:          30 * time.Second,
		},
	}
}
