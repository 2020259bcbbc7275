// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the application's configuration from a YAML file,
// environment variables, and compiled-in defaults into a single AppConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Project     ProjectConfig     `mapstructure:"project"`
	ModelConfig ModelConfigConfig `mapstructure:"model_config"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Context     ContextConfig     `mapstructure:"context"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Chat        ChatConfig        `mapstructure:"chat"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Database string `mapstructure:"database"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration.
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`
	Rotate  LogRotateConfig `mapstructure:"rotate"`
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs.
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"`
}

// LogSamplingConfig defines log sampling settings.
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ProjectConfig holds storage-layout configuration for the entity store.
type ProjectConfig struct {
	RootDir     string `mapstructure:"root_dir"`     // directory holding <entity_type>/*.yaml files
	DefaultModel string `mapstructure:"default_model"` // C7 level-4 fallback
}

// ModelConfigConfig holds the per-agent default model table (C7 level 3).
type ModelConfigConfig struct {
	AgentDefaults map[string]string `mapstructure:"agent_defaults"`
}

// EmbeddingConfig configures the vector index's embedding provider.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Dimension int    `mapstructure:"dimension"`
}

// ContextConfig holds defaults for the context assembler (C6).
type ContextConfig struct {
	DefaultMaxTokens int `mapstructure:"default_max_tokens"`
}

// AgentConfig holds defaults for the agent dispatcher (C8).
type AgentConfig struct {
	SkillsDir        string `mapstructure:"skills_dir"`
	MaxReActIters    int    `mapstructure:"max_react_iterations"`
	ClassifierModel  string `mapstructure:"classifier_model"`
}

// ChatConfig holds defaults for the chat orchestrator (C10).
type ChatConfig struct {
	DefaultContextBudget int `mapstructure:"default_context_budget"`
	CompactKeepRecent    int `mapstructure:"compact_keep_recent"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults. This function replaces the global Init().
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.showrunner")
	}

	v.SetEnvPrefix("SHOWRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "showrunner.db",
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/showrunner.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{Type: "console", Enabled: true},
			},
			Levels: map[string]string{
				"store":      "INFO",
				"vector":     "INFO",
				"uow":        "INFO",
				"knowledge":  "INFO",
				"context":    "INFO",
				"modelconfig": "INFO",
				"agent":      "INFO",
				"pipeline":   "INFO",
				"chat":       "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Project: ProjectConfig{
			RootDir:      "./project",
			DefaultModel: "anthropic/claude-sonnet",
		},
		ModelConfig: ModelConfigConfig{
			AgentDefaults: map[string]string{
				"writer":    "anthropic/claude-sonnet",
				"researcher": "anthropic/claude-haiku",
				"planner":   "anthropic/claude-sonnet",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "default",
			Dimension: 256,
		},
		Context: ContextConfig{
			DefaultMaxTokens: 4000,
		},
		Agent: AgentConfig{
			SkillsDir:       "./skills",
			MaxReActIters:   5,
			ClassifierModel: "anthropic/claude-haiku",
		},
		Chat: ChatConfig{
			DefaultContextBudget: 8000,
			CompactKeepRecent:    5,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values.
func (c *AppConfig) expandPaths() {
	if c.Project.RootDir != "" {
		c.Project.RootDir = expandPath(c.Project.RootDir)
	}
	if c.Agent.SkillsDir != "" {
		c.Agent.SkillsDir = expandPath(c.Agent.SkillsDir)
	}
}

// expandPath expands ~ to home directory and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Project.RootDir == "" {
		return errors.New("project.root_dir is required")
	}
	if c.Project.DefaultModel == "" {
		return errors.New("project.default_model is required")
	}
	if c.Agent.MaxReActIters <= 0 {
		return errors.New("agent.max_react_iterations must be positive")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		return dc.Database
	}
}
