// Package config loads the padi-chat YAML configuration. ${VAR} references
// are expanded from the environment before parsing, and durations are
// written as Go duration strings ("30s", "2m").
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Worker   WorkerConfig   `yaml:"worker"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// StorageConfig selects the document backend. Path is a directory for the
// file backend and a database file for sqlite.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type ProviderConfig struct {
	Kind       string `yaml:"kind"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	MaxRetries uint64 `yaml:"max_retries"`

	Timeout      time.Duration `yaml:"-"`
	RetryBackoff time.Duration `yaml:"-"`

	TimeoutRaw      string `yaml:"timeout"`
	RetryBackoffRaw string `yaml:"retry_backoff"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// QueueConfig drives the estimated processing time of new items. An empty
// Tokenizer uses the fixed EstimateBase.
type QueueConfig struct {
	Tokenizer string `yaml:"tokenizer"`

	EstimateBase     time.Duration `yaml:"-"`
	EstimatePerToken time.Duration `yaml:"-"`

	EstimateBaseRaw     string `yaml:"estimate_base"`
	EstimatePerTokenRaw string `yaml:"estimate_per_token"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default is the configuration used when no file is given: file storage
// under ./data and a local Ollama.
func Default() *Config {
	cfg := &Config{
		Server:  ServerConfig{HTTPAddr: ":8100"},
		Storage: StorageConfig{Backend: BackendFile, Path: "./data"},
		Provider: ProviderConfig{
			Kind:            ProviderOllama,
			BaseURL:         "http://localhost:11434",
			Model:           "granite3.1-moe:1b",
			MaxRetries:      2,
			TimeoutRaw:      "2m",
			RetryBackoffRaw: "500ms",
		},
		Worker: WorkerConfig{Concurrency: 1, PollIntervalRaw: "2s"},
		Queue: QueueConfig{
			EstimateBaseRaw:     "30s",
			EstimatePerTokenRaw: "0s",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	if err := parseDurations(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the file at path over Default. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${NAME} with the variable's value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	switch c.Provider.Kind {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("provider.kind must be %q or %q, got %q", ProviderOllama, ProviderOpenAI, c.Provider.Kind)
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.Kind == ProviderOpenAI && c.Provider.Model == "" {
		return fmt.Errorf("provider.model is required for %q", ProviderOpenAI)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}

	if c.Queue.EstimateBase < 0 || c.Queue.EstimatePerToken < 0 {
		return fmt.Errorf("queue estimates must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics are enabled")
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"provider.timeout", cfg.Provider.TimeoutRaw, &cfg.Provider.Timeout},
		{"provider.retry_backoff", cfg.Provider.RetryBackoffRaw, &cfg.Provider.RetryBackoff},
		{"worker.poll_interval", cfg.Worker.PollIntervalRaw, &cfg.Worker.PollInterval},
		{"queue.estimate_base", cfg.Queue.EstimateBaseRaw, &cfg.Queue.EstimateBase},
		{"queue.estimate_per_token", cfg.Queue.EstimatePerTokenRaw, &cfg.Queue.EstimatePerToken},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
