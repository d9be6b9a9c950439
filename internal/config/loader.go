package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, loaded from config.yaml with
// environment variable overrides applied on top.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Stream     StreamConfig     `yaml:"stream"`
	Repository RepositoryConfig `yaml:"repository"`
	Graph      GraphConfig      `yaml:"graph"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	Output     string `yaml:"output"`      // stdout, stderr or file
	FilePath   string `yaml:"file_path"`   // used when output is file
	TimeFormat string `yaml:"time_format"` // rfc3339, unix or iso8601
}

// RedisConfig holds the connection URL shared by all Redis-backed components.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig configures the job queue.
type QueueConfig struct {
	Backend       string `yaml:"backend"`  // memory or redis
	MaxSize       int    `yaml:"max_size"` // 0 = unbounded
	PollTimeoutMS int    `yaml:"poll_timeout_ms"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// PollTimeout returns the worker poll timeout as a duration.
func (c QueueConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

// BufferConfig configures the stream event buffer.
type BufferConfig struct {
	Backend         string `yaml:"backend"` // memory or redis
	TTLSeconds      int    `yaml:"ttl_seconds"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
	KeyPrefix       string `yaml:"key_prefix"`
}

// TTL returns the bucket idle TTL as a duration.
func (c BufferConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the eviction sweep interval as a duration.
func (c BufferConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// ExecutorConfig configures the worker loops and post-completion persistence.
type ExecutorConfig struct {
	Workers             int `yaml:"workers"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	PersistRetryLimit   int `yaml:"persist_retry_limit"`
	PersistRetryDelayMS int `yaml:"persist_retry_delay_ms"`
	CleanupGraceMS      int `yaml:"cleanup_grace_ms"`
}

// Timeout returns the per-job execution budget as a duration.
func (c ExecutorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PersistRetryDelay returns the fixed delay between persistence attempts.
func (c ExecutorConfig) PersistRetryDelay() time.Duration {
	return time.Duration(c.PersistRetryDelayMS) * time.Millisecond
}

// CleanupGrace returns the delay between a terminal event and bucket cleanup.
func (c ExecutorConfig) CleanupGrace() time.Duration {
	return time.Duration(c.CleanupGraceMS) * time.Millisecond
}

// StreamConfig configures the request-facing relay.
type StreamConfig struct {
	PollTimeoutMS  int `yaml:"poll_timeout_ms"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// PollTimeout returns the per-pop wait as a duration.
func (c StreamConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

// Timeout returns the overall stream inactivity budget as a duration.
func (c StreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RepositoryConfig selects the history/commit-record backend.
type RepositoryConfig struct {
	Backend   string `yaml:"backend"` // memory or redis
	KeyPrefix string `yaml:"key_prefix"`
}

// GraphConfig configures the generation backend.
type GraphConfig struct {
	Backend              string  `yaml:"backend"` // echo or openai
	Model                string  `yaml:"model"`
	BaseURL              string  `yaml:"base_url"`
	APIKey               string  `yaml:"-"` // env only, never from file
	MaxTokens            int     `yaml:"max_tokens"`
	Temperature          float64 `yaml:"temperature"`
	SystemPrompt         string  `yaml:"system_prompt"`
	DefaultContextWindow int     `yaml:"default_context_window"`
	EchoDelayMS          int     `yaml:"echo_delay_ms"`
}

// EchoDelay returns the artificial per-chunk delay of the echo backend.
func (c GraphConfig) EchoDelay() time.Duration {
	return time.Duration(c.EchoDelayMS) * time.Millisecond
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: "rfc3339",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379/0"},
		Queue: QueueConfig{
			Backend:       "memory",
			MaxSize:       1000,
			PollTimeoutMS: 200,
			KeyPrefix:     "chat:jobs",
		},
		Buffer: BufferConfig{
			Backend:         "memory",
			TTLSeconds:      600,
			SweepIntervalMS: 5000,
			KeyPrefix:       "chat:stream",
		},
		Executor: ExecutorConfig{
			Workers:             4,
			TimeoutSeconds:      180,
			PersistRetryLimit:   2,
			PersistRetryDelayMS: 500,
			CleanupGraceMS:      2000,
		},
		Stream: StreamConfig{
			PollTimeoutMS:  500,
			TimeoutSeconds: 180,
		},
		Repository: RepositoryConfig{
			Backend:   "memory",
			KeyPrefix: "chat",
		},
		Graph: GraphConfig{
			Backend:              "echo",
			Model:                "gpt-4o-mini",
			BaseURL:              "https://api.openai.com/v1",
			MaxTokens:            1024,
			Temperature:          0.7,
			SystemPrompt:         "You are a helpful assistant.",
			DefaultContextWindow: 20,
			EchoDelayMS:          20,
		},
	}
}

// Load reads the YAML config at path (if it exists) over the defaults and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing YAML: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Graph.APIKey = v
	}
	if v := os.Getenv("GRAPH_BACKEND"); v != "" {
		c.Graph.Backend = v
	}
	c.Executor.Workers = envInt("CHAT_WORKERS", c.Executor.Workers)
	c.Queue.MaxSize = envInt("CHAT_QUEUE_MAX_SIZE", c.Queue.MaxSize)
	c.Buffer.TTLSeconds = envInt("CHAT_BUFFER_TTL_SECONDS", c.Buffer.TTLSeconds)
	c.Stream.TimeoutSeconds = envInt("CHAT_STREAM_TIMEOUT_SECONDS", c.Stream.TimeoutSeconds)
}

func (c *Config) clamp() {
	if c.Executor.Workers < 1 {
		c.Executor.Workers = 1
	}
	if c.Queue.MaxSize < 0 {
		c.Queue.MaxSize = 0
	}
	if c.Executor.TimeoutSeconds < 1 {
		c.Executor.TimeoutSeconds = 1
	}
	if c.Stream.TimeoutSeconds < 1 {
		c.Stream.TimeoutSeconds = 1
	}
	if c.Graph.DefaultContextWindow < 1 {
		c.Graph.DefaultContextWindow = 1
	}
	if c.Executor.PersistRetryLimit < 0 {
		c.Executor.PersistRetryLimit = 0
	}
}

// envInt reads an integer environment variable, keeping the fallback on
// missing or malformed values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
