// Package config provides layered configuration loading and validation.
//
// Values are resolved from, in increasing precedence: defaults (New), an
// optional YAML file, and environment variables prefixed with CONTRIB_.
// Nested keys use a double underscore in env names, e.g.
// CONTRIB_AGENT__MAX_ATTEMPTS=5 sets agent.max_attempts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "CONTRIB_"

// Config is the process configuration
type Config struct {
	// Storage. DatabaseURL selects PostgreSQL; otherwise SQLitePath is used.
	DatabaseURL string `koanf:"database_url"`
	SQLitePath  string `koanf:"sqlite_path"`

	// Logging
	LogLevel  string `koanf:"log_level"`  // debug, info, warn, error
	LogFormat string `koanf:"log_format"` // json or console

	// Addr is the HTTP listen address, e.g. ":8080"
	Addr string `koanf:"addr"`

	LLM       LLMConfig       `koanf:"llm"`
	Agent     AgentConfig     `koanf:"agent"`
	Evaluate  EvaluateConfig  `koanf:"evaluate"`
	Runs      RunsConfig      `koanf:"runs"`
	Sync      SyncConfig      `koanf:"sync"`
	Scheduler SchedulerConfig `koanf:"scheduler"`

	// Connectors map linked repo IDs to commit export files
	Connectors []ConnectorConfig `koanf:"connectors"`
	// MeetingNotesDir holds exported meeting notes (HTML, Markdown or text)
	MeetingNotesDir string `koanf:"meeting_notes_dir"`
}

// LLMConfig selects the agent provider and models
type LLMConfig struct {
	Provider string            `koanf:"provider"` // gemini or openai
	APIKey   string            `koanf:"api_key"`
	BaseURL  string            `koanf:"base_url"` // OpenAI-compatible endpoints only
	Models   map[string]string `koanf:"models"`   // tier (lite, standard, advanced) -> model
}

// AgentConfig bounds agent retries
type AgentConfig struct {
	MaxAttempts   int `koanf:"max_attempts"`
	BackoffBaseMS int `koanf:"backoff_base_ms"`
	BackoffMaxMS  int `koanf:"backoff_max_ms"`
}

// EvaluateConfig tunes the evaluate phase
type EvaluateConfig struct {
	MaxToolRounds int `koanf:"max_tool_rounds"`
	Concurrency   int `koanf:"concurrency"`
	MaxFileBytes  int `koanf:"max_file_bytes"`
}

// RunsConfig tunes run bookkeeping
type RunsConfig struct {
	ErrorMessageLimit int           `koanf:"error_message_limit"`
	Timeout           time.Duration `koanf:"timeout"`
}

// SyncConfig tunes context gathering
type SyncConfig struct {
	DefaultWindowDays int `koanf:"default_window_days"`
	MaxCommits        int `koanf:"max_commits"`
}

// SchedulerConfig lists periodic sync jobs
type SchedulerConfig struct {
	Jobs []JobConfig `koanf:"jobs"`
}

// JobConfig triggers a sync evaluation of one challenge on a cron schedule
type JobConfig struct {
	ChallengeID string `koanf:"challenge_id"`
	Cron        string `koanf:"cron"`
}

// ConnectorConfig binds a linked repo to a commit export file
type ConnectorConfig struct {
	RepoID string `koanf:"repo_id"`
	Path   string `koanf:"path"`
}

// New returns a Config populated with defaults
func New() *Config {
	return &Config{
		SQLitePath: "contrib.db",
		LogLevel:   "info",
		LogFormat:  "json",
		Addr:       ":8080",
		LLM: LLMConfig{
			Provider: "gemini",
			Models:   map[string]string{},
		},
		Agent: AgentConfig{
			MaxAttempts:   3,
			BackoffBaseMS: 500,
			BackoffMaxMS:  8000,
		},
		Evaluate: EvaluateConfig{
			MaxToolRounds: 8,
			Concurrency:   4,
			MaxFileBytes:  200_000,
		},
		Runs: RunsConfig{
			ErrorMessageLimit: 2000,
			Timeout:           30 * time.Minute,
		},
		Sync: SyncConfig{
			DefaultWindowDays: 7,
			MaxCommits:        200,
		},
	}
}

// Load builds a Config by layering defaults, the YAML file at path (if non-empty)
// and CONTRIB_ environment variables, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration has usable values
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config error: 'addr' must not be empty")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config error: one of 'database_url' or 'sqlite_path' is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("config error: 'log_format' must be json or console, got %q", c.LogFormat)
	}
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("config error: unsupported 'llm.provider' %q", c.LLM.Provider)
	}

	if c.Agent.MaxAttempts < 1 {
		return fmt.Errorf("config error: 'agent.max_attempts' must be at least 1")
	}
	if c.Agent.BackoffBaseMS < 0 || c.Agent.BackoffMaxMS < c.Agent.BackoffBaseMS {
		return fmt.Errorf("config error: 'agent.backoff_max_ms' must be >= 'agent.backoff_base_ms' >= 0")
	}
	if c.Evaluate.MaxToolRounds < 1 {
		return fmt.Errorf("config error: 'evaluate.max_tool_rounds' must be at least 1")
	}
	if c.Evaluate.Concurrency < 1 {
		return fmt.Errorf("config error: 'evaluate.concurrency' must be at least 1")
	}
	if c.Evaluate.MaxFileBytes < 1 {
		return fmt.Errorf("config error: 'evaluate.max_file_bytes' must be positive")
	}
	if c.Runs.ErrorMessageLimit < 1 {
		return fmt.Errorf("config error: 'runs.error_message_limit' must be positive")
	}
	if c.Runs.Timeout < 0 {
		return fmt.Errorf("config error: 'runs.timeout' must be non-negative")
	}
	if c.Sync.DefaultWindowDays < 1 {
		return fmt.Errorf("config error: 'sync.default_window_days' must be at least 1")
	}
	if c.Sync.MaxCommits < 0 {
		return fmt.Errorf("config error: 'sync.max_commits' must be non-negative")
	}

	for i, job := range c.Scheduler.Jobs {
		if job.ChallengeID == "" {
			return fmt.Errorf("config error: 'scheduler.jobs[%d].challenge_id' is required", i)
		}
		if _, err := cron.ParseStandard(job.Cron); err != nil {
			return fmt.Errorf("config error: 'scheduler.jobs[%d].cron': %w", i, err)
		}
	}
	for i, conn := range c.Connectors {
		if conn.RepoID == "" || conn.Path == "" {
			return fmt.Errorf("config error: 'connectors[%d]' needs repo_id and path", i)
		}
	}
	return nil
}

// AgentBackoff returns the retry backoff bounds as durations
func (c *Config) AgentBackoff() (base, maxDelay time.Duration) {
	return time.Duration(c.Agent.BackoffBaseMS) * time.Millisecond,
		time.Duration(c.Agent.BackoffMaxMS) * time.Millisecond
}
