// Package config loads and validates the agentloop.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/haldanesmith/agentloop/internal/fsutil"
)

// DefaultFileName is the config file the CLI looks for in the working directory
const DefaultFileName = "agentloop.json"

// Config represents the agentloop.json configuration file
type Config struct {
	Version   string    `json:"version"`
	Workspace string    `json:"workspace"`
	LLM       LLM       `json:"llm"`
	Loop      Loop      `json:"loop"`
	Store     Store     `json:"store"`
	Auto      AutoCheck `json:"auto_checkpoint"`
	EventLog  string    `json:"event_log,omitempty"`
}

// LLM selects the model provider
type LLM struct {
	Model     string `json:"model"`
	BaseURL   string `json:"base_url,omitempty"`
	TimeoutS  int    `json:"timeout_s,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

// Loop bounds the plan-act-observe iteration
type Loop struct {
	MaxIterations  int `json:"max_iterations"`
	ShellTimeoutS  int `json:"shell_timeout_s,omitempty"`
	SearchMaxFiles int `json:"search_max_files,omitempty"`
}

// Store selects the checkpoint and task persistence backend
type Store struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"`
}

// AutoCheck configures periodic auto checkpoints
type AutoCheck struct {
	Enabled    bool `json:"enabled"`
	IntervalMs int  `json:"interval_ms"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:   "1.0",
		Workspace: "workspace",
		LLM: LLM{
			Model:     "gpt-4o",
			TimeoutS:  120,
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Loop: Loop{
			MaxIterations: 50,
			ShellTimeoutS: 30,
		},
		Store: Store{
			Driver: "sqlite",
			Path:   "agentloop.db",
		},
		Auto: AutoCheck{
			Enabled:    true,
			IntervalMs: 60000,
		},
		EventLog: "events.ndjson",
	}
}

// Validate checks the configuration and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Workspace == "" {
		return fmt.Errorf("configuration error: missing required field 'workspace'\n\nHint: Point it at a directory the agent may modify:\n  \"workspace\": \"workspace\"")
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("configuration error: missing required field 'llm.model'\n\nHint: Name the chat model to drive the loop:\n  \"llm\": {\"model\": \"gpt-4o\"}")
	}

	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("configuration error: invalid 'loop.max_iterations' value: %d\n\nHint: The iteration budget must be positive:\n  \"loop\": {\"max_iterations\": 50}", c.Loop.MaxIterations)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("configuration error: sqlite store requires 'store.path'\n\nHint: Point it at a database file:\n  \"store\": {\"driver\": \"sqlite\", \"path\": \"agentloop.db\"}")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("configuration error: postgres store requires 'store.dsn'\n\nHint: Provide a connection string:\n  \"store\": {\"driver\": \"postgres\", \"dsn\": \"postgres://...\"}")
		}
	default:
		return fmt.Errorf("configuration error: unknown 'store.driver' value: %q\n\nHint: Supported drivers are memory, sqlite and postgres", c.Store.Driver)
	}

	if c.Auto.Enabled && c.Auto.IntervalMs <= 0 {
		return fmt.Errorf("configuration error: auto checkpoints enabled with invalid 'auto_checkpoint.interval_ms': %d\n\nHint: Use a positive interval:\n  \"auto_checkpoint\": {\"enabled\": true, \"interval_ms\": 60000}", c.Auto.IntervalMs)
	}

	return nil
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file atomically
func (c *Config) SaveToFile(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
