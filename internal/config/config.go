// Package config handles sfbridge configuration loading.
//
// Configuration comes from two layers: an optional YAML file (with
// ${VAR} expansion) and environment variable bindings applied on top.
// Environment always wins, so deployments can run with no config file
// at all — credentials and the model identifier are typically injected
// via the process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sfbridge/config.yaml, /etc/sfbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sfbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/sfbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path (and no error) when nothing was found — running
// without a config file is supported.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all sfbridge configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	ToolServer ToolServerConfig `yaml:"tool_server"`
	Salesforce SalesforceConfig `yaml:"salesforce"`
	Cache      CacheConfig      `yaml:"cache"`
	Agent      AgentConfig      `yaml:"agent"`
	LogLevel   string           `yaml:"log_level" envconfig:"SFBRIDGE_LOG_LEVEL"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" envconfig:"SFBRIDGE_ADDRESS"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" envconfig:"SFBRIDGE_PORT"`
}

// AnthropicConfig defines chat API settings. An empty APIKey is not an
// error: the service starts in basic (echo) mode instead.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key" envconfig:"ANTHROPIC_API_KEY"`
	Model     string `yaml:"model" envconfig:"SFBRIDGE_MODEL"`
	MaxTokens int    `yaml:"max_tokens" envconfig:"SFBRIDGE_MAX_TOKENS"`
}

// ToolServerConfig defines the subprocess tool server.
type ToolServerConfig struct {
	// Command is the executable that serves tools over stdin/stdout.
	Command string `yaml:"command" envconfig:"SFBRIDGE_TOOL_COMMAND"`
	// Args are command-line arguments passed to the executable.
	Args []string `yaml:"args"`
	// CallTimeoutSec bounds each tool round trip. A call with no
	// response within this window is abandoned.
	CallTimeoutSec int `yaml:"call_timeout_sec" envconfig:"SFBRIDGE_TOOL_TIMEOUT_SEC"`
}

// SalesforceConfig carries connection credentials forwarded to the
// tool server's environment. The service itself never talks to
// Salesforce directly.
type SalesforceConfig struct {
	InstanceURL string `yaml:"instance_url" envconfig:"SALESFORCE_INSTANCE_URL"`
	Username    string `yaml:"username" envconfig:"SALESFORCE_USERNAME"`
	AccessToken string `yaml:"access_token" envconfig:"SALESFORCE_ACCESS_TOKEN"`
}

// ChildEnv returns the credential variables in "KEY=VALUE" form for the
// tool server subprocess. Empty values are omitted.
func (s SalesforceConfig) ChildEnv() []string {
	var env []string
	if s.InstanceURL != "" {
		env = append(env, "SALESFORCE_INSTANCE_URL="+s.InstanceURL)
	}
	if s.Username != "" {
		env = append(env, "SALESFORCE_USERNAME="+s.Username)
	}
	if s.AccessToken != "" {
		env = append(env, "SALESFORCE_ACCESS_TOKEN="+s.AccessToken)
	}
	return env
}

// CacheConfig defines the response cache.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"SFBRIDGE_CACHE_ENABLED"`
	TTLSec   int    `yaml:"ttl_sec" envconfig:"SFBRIDGE_CACHE_TTL_SEC"`
	SweepSec int    `yaml:"sweep_sec" envconfig:"SFBRIDGE_CACHE_SWEEP_SEC"`
	// RedisURL selects the Redis backend when set (redis://host:port/db).
	// Empty means the in-process store.
	RedisURL string `yaml:"redis_url" envconfig:"REDIS_URL"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// SweepInterval returns the background sweep period as a duration.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSec) * time.Second
}

// AgentConfig defines agent loop settings.
type AgentConfig struct {
	// MaxIterations caps tool-execution rounds per exchange. The loop
	// makes at most MaxIterations+1 upstream calls.
	MaxIterations int    `yaml:"max_iterations" envconfig:"SFBRIDGE_MAX_ITERATIONS"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// Load reads configuration, layering the YAML file at path (if any)
// over defaults and the process environment over both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand environment variables referenced in the file body.
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		ToolServer: ToolServerConfig{
			CallTimeoutSec: 30,
		},
		Cache: CacheConfig{
			Enabled:  true,
			TTLSec:   300,
			SweepSec: 60,
		},
		Agent: AgentConfig{
			MaxIterations: 5,
		},
	}
}
