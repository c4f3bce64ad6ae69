// Package config loads the codeengineer settings from defaults, an optional
// YAML file and AGENT_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/codeengineer/unifiedllm"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "AGENT_"

// Config holds everything the CLI needs for one run.
type Config struct {
	Query string `yaml:"query" env:"QUERY"`

	// Endpoint is an OpenAI-compatible chat completions URL. When empty
	// Provider selects a vendor through gollm.
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Provider string `yaml:"provider" env:"PROVIDER"`
	Secret   string `yaml:"secret" env:"SECRET"`
	Model    string `yaml:"model" env:"MODEL"`

	Workspace         string `yaml:"workspace" env:"WORKSPACE"`
	SkillsDir         string `yaml:"skills_dir" env:"SKILLS_DIR"`
	MaxIterations     int    `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	MaxTokens         int    `yaml:"max_tokens" env:"MAX_TOKENS"`
	TokensFile        string `yaml:"tokens_file" env:"TOKENS_FILE"`
	RedisAddr         string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RequestsPerMinute int    `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`

	CleanWorkspace   bool `yaml:"clean_workspace" env:"CLEAN_WORKSPACE"`
	StrictPaths      bool `yaml:"strict_paths" env:"STRICT_PATHS"`
	IsolateProcesses bool `yaml:"isolate_processes" env:"ISOLATE_PROCESSES"`

	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	Debug     bool   `yaml:"debug" env:"DEBUG"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Workspace:     "./workspace",
		SkillsDir:     "./skills",
		MaxIterations: 25,
		MaxTokens:     unifiedllm.DefaultMaxTokens,
		LogFormat:     "text",
	}
}

// Load layers the YAML file at path (skipped when path is empty) and then
// the environment over Default. The model is derived from the endpoint or
// provider when not set explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = cfg.defaultModel()
	}
	return &cfg, nil
}

func (c *Config) defaultModel() string {
	if c.Endpoint != "" {
		return unifiedllm.DefaultModelForEndpoint(c.Endpoint)
	}
	return unifiedllm.DefaultModelForProvider(c.Provider)
}

// ProviderName is the configured provider, or the vendor guessed from the
// endpoint.
func (c *Config) ProviderName() string {
	if c.Provider != "" {
		return c.Provider
	}
	return unifiedllm.ProviderForEndpoint(c.Endpoint)
}

// WorkspacePath returns the workspace as an absolute path.
func (c *Config) WorkspacePath() (string, error) {
	return filepath.Abs(c.Workspace)
}

// Validate reports every missing or out-of-range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Query == "" {
		errs = append(errs, errors.New("query is required (AGENT_QUERY or -query)"))
	}
	if c.Endpoint == "" && c.Provider == "" {
		errs = append(errs, errors.New("one of endpoint (AGENT_ENDPOINT) or provider (AGENT_PROVIDER) is required"))
	}
	if c.Secret == "" {
		errs = append(errs, errors.New("secret is required (AGENT_SECRET)"))
	}
	if c.Workspace == "" {
		errs = append(errs, errors.New("workspace must not be empty"))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens))
	}
	if c.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("requests_per_minute must not be negative, got %d", c.RequestsPerMinute))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
