// Package config loads Parley's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/parley/config.yaml,
// /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}
	return append(paths, "/etc/parley/config.yaml")
}

// FindConfig returns explicit if it exists, otherwise the first existing
// entry of DefaultSearchPaths.
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
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config is the top-level configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Session   string          `yaml:"session"`
	Model     ModelConfig     `yaml:"model"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
	Router    RouterConfig    `yaml:"router"`
	Tools     ToolsConfig     `yaml:"tools"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig is the HTTP API bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port for net.Listen.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelConfig selects the generation model and the system preamble.
type ModelConfig struct {
	// Name is routed to a provider by prefix (gemini-, gpt-, claude-)
	// unless Provider is set explicitly.
	Name            string `yaml:"name"`
	Provider        string `yaml:"provider"`
	SystemPrompt    string `yaml:"system_prompt"`
	Timezone        string `yaml:"timezone"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// ProvidersConfig holds per-provider connection settings. A provider
// with no credentials (or, for Ollama, no URL) is not registered.
type ProvidersConfig struct {
	Gemini    GeminiConfig    `yaml:"gemini"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	ThinkingBudget int    `yaml:"thinking_budget"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AnthropicConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ThinkingBudget int    `yaml:"thinking_budget"`
}

type OllamaConfig struct {
	URL string `yaml:"url"`
}

// MemoryConfig selects the conversation memory backend.
type MemoryConfig struct {
	// Driver is "sqlite3" (cgo), "sqlite" (pure Go) or "memory".
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	MaxMessages int    `yaml:"max_messages"`
}

// RouterConfig configures intent classification.
type RouterConfig struct {
	// Mode is "keyword" (local rules) or "http" (remote service).
	Mode      string           `yaml:"mode"`
	URL       string           `yaml:"url"`
	Timeout   time.Duration    `yaml:"timeout"`
	Rules     []RuleConfig     `yaml:"rules"`
	Workflows []WorkflowConfig `yaml:"workflows"`
}

// RuleConfig maps keywords to an intent.
type RuleConfig struct {
	Category   string   `yaml:"category"`
	Action     string   `yaml:"action"`
	Keywords   []string `yaml:"keywords"`
	Confidence float64  `yaml:"confidence"`
}

// WorkflowConfig is a scripted sequence of tool calls bound to an action.
type WorkflowConfig struct {
	Action          string       `yaml:"action"`
	Summary         string       `yaml:"summary"`
	Defer           bool         `yaml:"defer"`
	Steps           []StepConfig `yaml:"steps"`
	Recommendations []string     `yaml:"recommendations"`
	NextSteps       []string     `yaml:"next_steps"`
}

// StepConfig is one workflow tool call.
type StepConfig struct {
	Tool        string         `yaml:"tool"`
	Description string         `yaml:"description"`
	Args        map[string]any `yaml:"args"`
}

// ToolsConfig configures the built-in tools and the coordinator.
type ToolsConfig struct {
	ValidateArgs bool         `yaml:"validate_args"`
	Fetch        FetchConfig  `yaml:"fetch"`
	Search       SearchConfig `yaml:"search"`
}

type FetchConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxChars int  `yaml:"max_chars"`
}

type SearchConfig struct {
	SearXNGURL string `yaml:"searxng_url"`
}

// MQTTConfig enables publishing turn events to a broker.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// Load reads path, expands ${VAR} references, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration usable without a file: in-process
// memory, keyword routing with no rules, and a local Ollama model.
func Default() *Config {
	cfg := &Config{
		Model:  ModelConfig{Name: "qwen3:4b", Provider: "ollama"},
		Memory: MemoryConfig{Driver: "memory"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Session == "" {
		c.Session = "default"
	}
	if c.Memory.Driver == "" {
		c.Memory.Driver = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "parley.db"
	}
	if c.Memory.MaxMessages == 0 {
		c.Memory.MaxMessages = 50
	}
	if c.Router.Mode == "" {
		c.Router.Mode = "keyword"
	}
	if c.Router.Timeout == 0 {
		c.Router.Timeout = 10 * time.Second
	}
	if c.Providers.Ollama.URL == "" && c.Model.Provider == "ollama" {
		c.Providers.Ollama.URL = "http://localhost:11434"
	}
	if c.Tools.Fetch.MaxChars == 0 {
		c.Tools.Fetch.MaxChars = 10000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "parley"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "parley-" + c.Session
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	switch c.Memory.Driver {
	case "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("memory.driver %q (valid: sqlite, sqlite3, memory)", c.Memory.Driver))
	}
	if c.Memory.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("memory.max_messages must be positive, got %d", c.Memory.MaxMessages))
	}
	switch c.Router.Mode {
	case "keyword":
	case "http":
		if c.Router.URL == "" {
			errs = append(errs, errors.New("router.url is required when router.mode is http"))
		}
	default:
		errs = append(errs, fmt.Errorf("router.mode %q (valid: keyword, http)", c.Router.Mode))
	}
	for i, r := range c.Router.Rules {
		if r.Confidence < 0 || r.Confidence > 1 {
			errs = append(errs, fmt.Errorf("router.rules[%d].confidence %v outside [0,1]", i, r.Confidence))
		}
		if r.Action == "" {
			errs = append(errs, fmt.Errorf("router.rules[%d].action is required", i))
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
