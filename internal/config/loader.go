package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, and decodes the YAML configuration document at
// path, layering it over Default(). Environment variable references of
// the form $VAR or ${VAR} are expanded before parsing, matching the
// teacher loader's os.ExpandEnv pass.
//
// The teacher's loader additionally supports a $include directive that
// composes multiple JSON5/YAML fragments into one document via
// github.com/yosuke-furukawa/json5/encoding/json5. That package has no
// home anywhere else in this module's dependency set, so it is dropped
// here in favour of a single self-contained YAML document; operators who
// need composition can still lean on shell-level templating before this
// loader ever sees the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))

	cfg := Default()
	if err := decodeInto(cfg, []byte(expanded)); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decodeInto YAML-decodes payload over an existing *Config, rejecting
// unknown fields and multi-document files. Grounded on the teacher
// loader's decodeRawConfig, minus the raw-map merge step the $include
// directive needed.
func decodeInto(cfg *Config, payload []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	var extra struct{}
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("config file contains more than one YAML document")
	}
	return nil
}

// Validate checks the fields §6 documents as required or bounded.
func (c *Config) Validate() error {
	if c.ActiveLLM == "" {
		return fmt.Errorf("active_llm must be set")
	}
	if _, ok := c.Backends[c.ActiveLLM]; !ok {
		return fmt.Errorf("active_llm %q has no matching entry under backends", c.ActiveLLM)
	}
	for name, backend := range c.Backends {
		if backend.APIType == "" {
			return fmt.Errorf("backend %q: api_type must be set", name)
		}
	}
	switch c.Agent.ExecutionMode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("agent.execution_mode must be 'sequential' or 'parallel', got %q", c.Agent.ExecutionMode)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	return nil
}
