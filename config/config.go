// Package config loads the YAML configuration consumed by the top-level
// facade: model provider selection, engine budgets, sub-agent limits, tool
// permissions and provider wiring.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/tool"
)

// ModelConfig selects and parameterizes the completion service.
type ModelConfig struct {
	// Provider is anthropic, openai or mock.
	Provider string `yaml:"provider"`
	// Name is the provider-specific model identifier. Empty uses the
	// adapter default.
	Name string `yaml:"name,omitempty"`
	// Temperature overrides the adapter default when > 0.
	Temperature float64 `yaml:"temperature,omitempty"`
	// MaxTokens caps the completion length when > 0.
	MaxTokens int64 `yaml:"max_tokens,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	// Empty falls back to the provider SDK's own discovery.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// EngineConfig carries the shared engine budgets.
type EngineConfig struct {
	Default       core.EngineKind `yaml:"default,omitempty"`
	MaxIterations int             `yaml:"max_iterations,omitempty"`
	MaxReplans    int             `yaml:"max_replans,omitempty"`
	Workers       int             `yaml:"workers,omitempty"`
	MaxCycles     int             `yaml:"max_cycles,omitempty"`
	MaxModelCalls int             `yaml:"max_model_calls,omitempty"`
}

// SubAgentConfig carries the dispatcher ceilings.
type SubAgentConfig struct {
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	MaxPerParent  int `yaml:"max_per_parent,omitempty"`
	MaxDepth      int `yaml:"max_depth,omitempty"`
}

// MCPServerConfig names one remote MCP tool server.
type MCPServerConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

// BrowserConfig tunes the browser automation provider.
type BrowserConfig struct {
	Enabled            bool `yaml:"enabled"`
	PageTimeoutSeconds int  `yaml:"page_timeout_seconds,omitempty"`
}

// ToolsConfig wires the tool providers.
type ToolsConfig struct {
	// ScriptDir holds tengo plugin scripts. Empty disables the provider.
	ScriptDir string `yaml:"script_dir,omitempty"`
	// WorkflowDir holds saved workflow YAML files. Empty disables the
	// provider.
	WorkflowDir string `yaml:"workflow_dir,omitempty"`
	// MCPServers are connected at startup; a failing server is logged and
	// skipped.
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`
	Browser    BrowserConfig     `yaml:"browser,omitempty"`
}

// StoreConfig selects summary persistence.
type StoreConfig struct {
	// SQLitePath persists turn summaries; empty keeps them in memory.
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// Config is the root document.
type Config struct {
	Model       ModelConfig         `yaml:"model"`
	Engine      EngineConfig        `yaml:"engine,omitempty"`
	SubAgents   SubAgentConfig      `yaml:"subagents,omitempty"`
	Permissions *tool.PermissionSet `yaml:"permissions,omitempty"`
	Tools       ToolsConfig         `yaml:"tools,omitempty"`
	Store       StoreConfig         `yaml:"store,omitempty"`
	// MaxConcurrentRuns caps top-level runs in flight. Zero means unlimited.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`
}

// Default returns the configuration used when no file is given: a mock model,
// default budgets and the local tool provider only.
func Default() *Config {
	return &Config{
		Model:       ModelConfig{Provider: "mock"},
		Engine:      EngineConfig{Default: core.EngineReAct},
		Permissions: tool.NewPermissionSet(tool.StrategyAll),
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks provider names, engine kinds and referenced paths.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "openai", "mock":
	case "":
		return fmt.Errorf("model.provider is required")
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}

	if c.Engine.Default != "" && !c.Engine.Default.Valid() {
		return fmt.Errorf("unknown default engine %q", c.Engine.Default)
	}

	if c.Permissions != nil {
		switch c.Permissions.Strategy {
		case tool.StrategyAll, tool.StrategyKeyword, tool.StrategyLLM,
			tool.StrategyHybrid, tool.StrategyManual, tool.StrategyAbility,
			tool.StrategyNone, "":
		default:
			return fmt.Errorf("unknown selection strategy %q", c.Permissions.Strategy)
		}
	}

	for _, srv := range c.Tools.MCPServers {
		if srv.Name == "" || srv.Endpoint == "" {
			return fmt.Errorf("mcp server entries need both name and endpoint")
		}
	}

	if c.Model.APIKeyEnv != "" {
		if _, ok := os.LookupEnv(c.Model.APIKeyEnv); !ok {
			return fmt.Errorf("api key environment variable %s is not set", c.Model.APIKeyEnv)
		}
	}
	return nil
}

// APIKey resolves the configured API key, empty when none is named.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// PageTimeout returns the browser page timeout as a duration.
func (b BrowserConfig) PageTimeout() time.Duration {
	if b.PageTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(b.PageTimeoutSeconds) * time.Second
}
