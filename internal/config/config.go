// Package config handles loading and validating AgentPipe configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentpipe/agentpipe/internal/observability"
	"github.com/agentpipe/agentpipe/internal/storage"
	"github.com/agentpipe/agentpipe/internal/tools/mcp"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for AgentPipe.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.agentpipe/data. Override: AGENTPIPE_DATA_DIR env var.
	Server        ServerConfig          `json:"server" yaml:"server"`
	Storage       *storage.Config       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data_dir)
	Providers     ProvidersConfig       `json:"providers" yaml:"providers"`
	Engine        EngineConfig          `json:"engine" yaml:"engine"`
	Quota         *QuotaConfig          `json:"quota,omitempty" yaml:"quota,omitempty"` // nil = metering disabled
	Hooks         HooksConfig           `json:"hooks" yaml:"hooks"`
	Tools         ToolsConfig           `json:"tools" yaml:"tools"`
	Scheduler     *SchedulerConfig      `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = cron scheduler disabled
	Observability *observability.Config `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	MetricsPath         string            `json:"metrics_path" yaml:"metrics_path"` // Default: "/metrics".
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`         // API key → organization name.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Watch               WatchConfig       `json:"watch" yaml:"watch"`
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-organization rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WatchConfig configures the WebSocket execution watch endpoint.
type WatchConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 1.
}

// PollInterval returns the watch poll interval with a default of 1s.
func (w *WatchConfig) PollInterval() time.Duration {
	if w != nil && w.PollIntervalSeconds > 0 {
		return time.Duration(w.PollIntervalSeconds) * time.Second
	}
	return time.Second
}

// ProvidersConfig selects and configures the LLM providers.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic" or "openai". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	MaxDelegationDepth   int `json:"max_delegation_depth" yaml:"max_delegation_depth"`     // Default: 3.
	InvokeTimeoutSeconds int `json:"invoke_timeout_seconds" yaml:"invoke_timeout_seconds"` // Per provider call. Default: 60.
	MaxToolIterations    int `json:"max_tool_iterations" yaml:"max_tool_iterations"`       // Default: 8.
	MaxTokens            int `json:"max_tokens" yaml:"max_tokens"`                         // Default: 4096.
}

// InvokeTimeout returns the per-invocation timeout. 0 = engine default.
func (e *EngineConfig) InvokeTimeout() time.Duration {
	if e != nil && e.InvokeTimeoutSeconds > 0 {
		return time.Duration(e.InvokeTimeoutSeconds) * time.Second
	}
	return 0
}

// QuotaConfig configures per-organization LLM invocation metering.
// When nil, metering is disabled.
type QuotaConfig struct {
	DefaultLimit  int            `json:"default_limit" yaml:"default_limit"`               // Invocations per window. <= 0 disables metering.
	WindowSeconds int            `json:"window_seconds" yaml:"window_seconds"`             // Default: 86400 (24h).
	OrgLimits     map[string]int `json:"org_limits,omitempty" yaml:"org_limits,omitempty"` // Organization name → limit override.
}

// Window returns the quota window with a default of 24h.
func (q *QuotaConfig) Window() time.Duration {
	if q != nil && q.WindowSeconds > 0 {
		return time.Duration(q.WindowSeconds) * time.Second
	}
	return 24 * time.Hour
}

// HooksConfig configures the completion hook senders.
type HooksConfig struct {
	SMTP *SMTPConfig `json:"smtp,omitempty" yaml:"smtp,omitempty"` // nil = email hooks disabled.
}

// SMTPConfig configures the SMTP sender for email hooks.
// Password can be set here or via AGENTPIPE_SMTP_PASSWORD env var.
type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"` // Default: 587.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"` // Override: AGENTPIPE_SMTP_PASSWORD env var.
	From     string `json:"from" yaml:"from"`
	TLS      bool   `json:"tls" yaml:"tls"`
}

// ToolsConfig configures external tools available to agents.
type ToolsConfig struct {
	MCP []mcp.ServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"` // External MCP tool servers.
}

// SchedulerConfig configures the cron schedule runner.
// When nil, scheduled runs are never launched.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds    int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 30.
	MissedRunWindowSeconds int  `json:"missed_run_window_seconds" yaml:"missed_run_window_seconds"` // Default: 3600 (1 hour).
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MissedRunWindow returns the window for firing overdue slots.
// Slots due more than this duration ago are skipped. Default: 1 hour.
func (s *SchedulerConfig) MissedRunWindow() time.Duration {
	if s != nil && s.MissedRunWindowSeconds > 0 {
		return time.Duration(s.MissedRunWindowSeconds) * time.Second
	}
	return 1 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.agentpipe/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/agentpipe.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".agentpipe", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider API keys and other secrets can be set in the config
// file or overridden by environment variables. Environment variables take
// precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Providers.OpenAI.APIKey = envKey
	}
	if envDD := os.Getenv("AGENTPIPE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("AGENTPIPE_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &storage.Config{Driver: storage.DriverPostgres}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envPw := os.Getenv("AGENTPIPE_SMTP_PASSWORD"); envPw != "" {
		if cfg.Hooks.SMTP == nil {
			cfg.Hooks.SMTP = &SMTPConfig{}
		}
		cfg.Hooks.SMTP.Password = envPw
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".agentpipe", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "agentpipe.db")
}

// StorageConfig returns the effective storage configuration with the SQLite
// path defaulted from the data directory.
func (c *Config) StorageConfig() storage.Config {
	var sc storage.Config
	if c.Storage != nil {
		sc = *c.Storage
	}
	if sc.Driver == "" {
		sc.Driver = storage.DefaultDriver
	}
	if sc.Driver == storage.DriverSQLite && sc.SQLite.Path == "" {
		sc.SQLite.Path = c.DatabasePath()
	}
	return sc
}

func (c *Config) validate() error {
	// Default provider to anthropic.
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("fallback provider: %w", err)
		}
	}

	if len(c.Server.APIKeys) == 0 {
		return fmt.Errorf("server.api_keys must contain at least one key")
	}
	for key, org := range c.Server.APIKeys {
		if key == "" {
			return fmt.Errorf("server.api_keys contains an empty key")
		}
		if org == "" {
			return fmt.Errorf("server.api_keys[%s...] has no organization name", key[:min(4, len(key))])
		}
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite, storage.DriverPostgres:
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.Driver == storage.DriverPostgres && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required (set AGENTPIPE_DB_DSN env var)")
	}

	if c.Engine.MaxDelegationDepth < 0 {
		return fmt.Errorf("engine.max_delegation_depth must not be negative")
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use anthropic or openai)", name)
	}
	return nil
}
