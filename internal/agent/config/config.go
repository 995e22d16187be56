package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/neboloop/glance/internal/defaults"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration
type Config struct {
	DataDir   string `yaml:"data_dir"`   // Platform data directory
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text or json

	Policy   PolicyConfig   `yaml:"policy"`
	Context  ContextConfig  `yaml:"context"`
	Runner   RunnerConfig   `yaml:"runner"`
	Recall   RecallConfig   `yaml:"recall"`
	Provider ProviderConfig `yaml:"provider"`
	Server   ServerConfig   `yaml:"server"`
	Janitor  JanitorConfig  `yaml:"janitor"`
}

// PolicyConfig is the persisted form of the tool access policy.
type PolicyConfig struct {
	Mode            string   `yaml:"mode"`             // "unset", "whitelist", "allow_all"
	AllowedDirs     []string `yaml:"allowed_dirs"`     // Empty falls back to the data dir
	AllowedCommands []string `yaml:"allowed_commands"` // Glob patterns on the executable name
	BaseDir         string   `yaml:"base_dir"`         // Default cwd / anchor for relative paths
	TasksDir        string   `yaml:"tasks_dir"`        // Background command output (default: <data_dir>/tasks)
}

// ContextConfig holds the history compression settings.
type ContextConfig struct {
	BudgetTokens    int     `yaml:"budget_tokens"`     // Token budget for one model call (default: 24000)
	TriggerRatio    float64 `yaml:"trigger_ratio"`     // Compress above budget*ratio (default: 0.85)
	TargetRatio     float64 `yaml:"target_ratio"`      // Compress until below budget*ratio (default: 0.6)
	MinMessages     int     `yaml:"min_messages"`      // Never compress shorter histories (default: 10)
	KeepRecent      int     `yaml:"keep_recent"`       // Messages kept verbatim (default: 6)
	SummaryMaxChars int     `yaml:"summary_max_chars"` // Cap on the synthetic summary (default: 2000)
}

// RunnerConfig bounds the agent loop.
type RunnerConfig struct {
	MaxRounds          int           `yaml:"max_rounds"`            // Hard cap on model rounds (default: 25)
	MaxRepeatFailures  int           `yaml:"max_repeat_failures"`   // Consecutive rounds the same call may fail before abort (default: 3)
	TransientRetries   int           `yaml:"transient_retries"`     // Retries for transient model errors (default: 2)
	RetryBackoff       time.Duration `yaml:"retry_backoff"`         // Linear backoff step (default: 2s)
	ToolResultMaxChars int           `yaml:"tool_result_max_chars"` // Tool output kept in history (default: 8000)
}

// RecallConfig controls screen-activity retrieval.
type RecallConfig struct {
	RetentionDays   int `yaml:"retention_days"`    // How far back recent records reach (default: 7)
	MaxContextChars int `yaml:"max_context_chars"` // Cap on the context block (default: 6000)
}

// ProviderConfig selects the model client.
type ProviderConfig struct {
	Type        string `yaml:"type"`                   // "openai", "ollama", "anthropic"
	Model       string `yaml:"model"`                  // Chat model
	VisionModel string `yaml:"vision_model,omitempty"` // Image analysis model (default: Model)
	BaseURL     string `yaml:"base_url,omitempty"`     // OpenAI-compatible or Ollama endpoint
	APIKey      string `yaml:"api_key,omitempty"`      // Empty falls back to env, then the OS keyring
	MaxTokens   int    `yaml:"max_tokens,omitempty"`   // Completion cap (0 = provider default)
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// JanitorConfig configures background-task output cleanup.
type JanitorConfig struct {
	Schedule string        `yaml:"schedule"` // cron spec (default: "@every 1h")
	MaxAge   time.Duration `yaml:"max_age"`  // Delete output files older than this (default: 72h)
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:   DefaultDataDir(),
		LogLevel:  "info",
		LogFormat: "text",
		Policy: PolicyConfig{
			Mode: "whitelist",
			AllowedCommands: []string{
				"ls", "pwd", "cat", "head", "tail", "grep", "find",
				"wc", "echo", "date", "git", "python3",
			},
		},
		Context: ContextConfig{
			BudgetTokens:    24000,
			TriggerRatio:    0.85,
			TargetRatio:     0.6,
			MinMessages:     10,
			KeepRecent:      6,
			SummaryMaxChars: 2000,
		},
		Runner: RunnerConfig{
			MaxRounds:          25,
			MaxRepeatFailures:  3,
			TransientRetries:   2,
			RetryBackoff:       2 * time.Second,
			ToolResultMaxChars: 8000,
		},
		Recall: RecallConfig{
			RetentionDays:   7,
			MaxContextChars: 6000,
		},
		Provider: ProviderConfig{
			Type:  "openai",
			Model: "gpt-4o-mini",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:27900",
		},
		Janitor: JanitorConfig{
			Schedule: "@every 1h",
			MaxAge:   72 * time.Hour,
		},
	}
}

// DefaultDataDir returns the platform-appropriate data directory.
func DefaultDataDir() string {
	dir, err := defaults.DataDir()
	if err != nil {
		return ".glance"
	}
	return dir
}

// Load loads config from the data directory's config.yaml
func Load() (*Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(cfg.DataDir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Config doesn't exist, use defaults
		cfg.normalize()
		return cfg, nil
	}
	return LoadFrom(path)
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize expands ~ and environment references and fills zero values the
// YAML may have cleared.
func (c *Config) normalize() {
	c.DataDir = expandHome(c.DataDir)
	c.Policy.BaseDir = expandHome(os.ExpandEnv(c.Policy.BaseDir))
	c.Policy.TasksDir = expandHome(os.ExpandEnv(c.Policy.TasksDir))
	for i, d := range c.Policy.AllowedDirs {
		c.Policy.AllowedDirs[i] = expandHome(os.ExpandEnv(d))
	}
	c.Provider.APIKey = os.ExpandEnv(c.Provider.APIKey)
	c.Provider.BaseURL = os.ExpandEnv(c.Provider.BaseURL)

	def := DefaultConfig()
	if c.Context.BudgetTokens <= 0 {
		c.Context.BudgetTokens = def.Context.BudgetTokens
	}
	if c.Context.TriggerRatio <= 0 || c.Context.TriggerRatio > 1 {
		c.Context.TriggerRatio = def.Context.TriggerRatio
	}
	if c.Context.TargetRatio <= 0 || c.Context.TargetRatio >= c.Context.TriggerRatio {
		c.Context.TargetRatio = c.Context.TriggerRatio * 0.7
	}
	if c.Runner.MaxRounds <= 0 {
		c.Runner.MaxRounds = def.Runner.MaxRounds
	}
	if c.Runner.MaxRepeatFailures <= 0 {
		c.Runner.MaxRepeatFailures = def.Runner.MaxRepeatFailures
	}
	if c.Runner.ToolResultMaxChars <= 0 {
		c.Runner.ToolResultMaxChars = def.Runner.ToolResultMaxChars
	}
	if c.Janitor.MaxAge <= 0 {
		c.Janitor.MaxAge = def.Janitor.MaxAge
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Save saves the config to the data directory's config.yaml
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path(), data, 0600)
}

// Path returns the config file location.
func (c *Config) Path() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// SkillsDir returns the skills root.
func (c *Config) SkillsDir() string {
	return filepath.Join(c.DataDir, "skills")
}

// TasksDir returns where detached command output is written.
func (c *Config) TasksDir() string {
	if c.Policy.TasksDir != "" {
		return c.Policy.TasksDir
	}
	return filepath.Join(c.DataDir, "tasks")
}

// DBPath returns the path to the summary database written by the capture loop.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "glance.db")
}
