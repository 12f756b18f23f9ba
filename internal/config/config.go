// Package config loads and validates the prompter YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prompterhq/prompter/pkg/models"
)

// Config is the main configuration structure for prompter.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Cast     CastConfig     `yaml:"cast"`
	Props    PropsConfig    `yaml:"props"`
	Browser  BrowserConfig  `yaml:"browser"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Models    []models.ModelDescriptor  `yaml:"models"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type CastConfig struct {
	// MaxSteps bounds model-call iterations per run. Requests may lower
	// this but never raise it.
	MaxSteps       int           `yaml:"max_steps"`
	MaxTokens      int           `yaml:"max_tokens"`
	ToolTimeout    time.Duration `yaml:"tool_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

type PropsConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

type BrowserConfig struct {
	Headless bool `yaml:"headless"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file at path, expands ${ENV} references,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Database.Path == "" {
		c.Database.Path = "prompter.db"
	}
	if c.Cast.MaxSteps <= 0 {
		c.Cast.MaxSteps = 8
	}
	if c.Cast.MaxTokens <= 0 {
		c.Cast.MaxTokens = 4096
	}
	if c.Cast.ToolTimeout <= 0 {
		c.Cast.ToolTimeout = 60 * time.Second
	}
	if c.Cast.MaxConcurrency <= 0 {
		c.Cast.MaxConcurrency = 5
	}
	if c.Props.CommandTimeout <= 0 {
		c.Props.CommandTimeout = 30 * time.Second
	}
	if c.Props.MaxOutputBytes <= 0 {
		c.Props.MaxOutputBytes = 64000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	seen := map[string]bool{}
	for _, m := range c.LLM.Models {
		if m.Key == "" {
			return fmt.Errorf("llm.models entry missing key")
		}
		if seen[m.Key] {
			return fmt.Errorf("duplicate model key %q", m.Key)
		}
		seen[m.Key] = true
		if m.Provider == "" {
			return fmt.Errorf("model %q missing provider", m.Key)
		}
		if _, ok := c.LLM.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", m.Key, m.Provider)
		}
	}
	return nil
}
