// Package config loads pifan's optional project file (.pifan.yaml) and
// layers environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thechewu/pifan/pkg/invocation"
	"github.com/thechewu/pifan/pkg/logging"
	"github.com/thechewu/pifan/pkg/models"
	"github.com/thechewu/pifan/pkg/template"
)

// DefaultPath is looked up in the working directory when --config is not given.
const DefaultPath = ".pifan.yaml"

// Config is the project configuration.
type Config struct {
	Agent         string            `yaml:"agent"`
	Defaults      invocation.Config `yaml:"defaults,omitempty"`
	Parallel      int               `yaml:"parallel"` // 0 means unbounded
	Timeout       string            `yaml:"timeout"`  // per job, e.g. "10m"; empty disables
	ContextBudget int               `yaml:"context_budget"`
	OutDir        string            `yaml:"out_dir"`
	AllowUnknown  bool              `yaml:"allow_unknown_models"`
	Models        []models.Model    `yaml:"models,omitempty"`
	Logging       LoggingConfig     `yaml:"logging"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Agent:         invocation.DefaultAgent,
		ContextBudget: template.DefaultContextBudget,
		OutDir:        ".pifan/runs",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies PIFAN_* environment variables.
func (c *Config) applyEnvOverrides() error {
	if agent := os.Getenv("PIFAN_AGENT"); agent != "" {
		c.Agent = agent
	}
	if model := os.Getenv("PIFAN_MODEL"); model != "" {
		c.Defaults.Model = model
	}
	if v := os.Getenv("PIFAN_THINKING"); v != "" {
		level, err := models.ParseThinkingLevel(v)
		if err != nil {
			return fmt.Errorf("PIFAN_THINKING: %w", err)
		}
		c.Defaults.Thinking = level
	}
	if v := os.Getenv("PIFAN_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIFAN_PARALLEL: %w", err)
		}
		c.Parallel = n
	}
	if level := os.Getenv("PIFAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// Validate checks values the dispatcher relies on.
func (c *Config) Validate() error {
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must be >= 0, got %d", c.Parallel)
	}
	if c.ContextBudget < 0 {
		return fmt.Errorf("context_budget must be >= 0, got %d", c.ContextBudget)
	}
	if _, err := c.GetTimeout(); err != nil {
		return err
	}
	if _, err := invocation.ParseMode(string(c.Defaults.Mode)); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models: entry for provider %q has no id", m.Provider)
		}
	}
	return nil
}

// GetTimeout returns the per-job timeout, zero when unset.
func (c *Config) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	return d, nil
}

// Catalog returns the builtin models plus any the file adds.
func (c *Config) Catalog() *models.Catalog {
	return models.NewCatalog(c.Models...)
}

// Builder returns an invocation builder for the configured agent.
func (c *Config) Builder() *invocation.Builder {
	return &invocation.Builder{
		AgentCmd:     c.Agent,
		Catalog:      c.Catalog(),
		AllowUnknown: c.AllowUnknown,
	}
}

// LogOptions converts the logging section for logging.New.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, Format: c.Logging.Format}
}
