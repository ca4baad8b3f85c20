package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StateStoreBackend selects which C7 implementation to construct.
type StateStoreBackend string

const (
	BackendRedis      StateStoreBackend = "redis"
	BackendRelational StateStoreBackend = "relational"
	BackendEmbedded   StateStoreBackend = "embedded"
)

// Config is this engine's three-layer configuration: compiled-in defaults,
// overridden by environment variables, overridden by functional options —
// assembled and validated once in NewConfig.
type Config struct {
	MaxConcurrency      int
	WorkflowTimeout     time.Duration
	CheckpointRetention int

	StateStore  StateStoreBackend
	RedisURL    string
	PostgresDSN string
	SQLitePath  string

	LogLevel    LogLevel
	LogFormat   string // "text" | "json"
	ServiceName string
}

func defaultConfig() *Config {
	return &Config{
		MaxConcurrency:      10,
		WorkflowTimeout:     3600 * time.Second,
		CheckpointRetention: 10,
		StateStore:          BackendRedis,
		RedisURL:            "redis://localhost:6379/0",
		SQLitePath:          "engine.db",
		LogLevel:            LevelInfo,
		LogFormat:           "json",
		ServiceName:         "engine",
	}
}

// Option mutates a Config after environment-variable defaults have been
// applied.
type Option func(*Config)

func WithMaxConcurrency(n int) Option { return func(c *Config) { c.MaxConcurrency = n } }
func WithWorkflowTimeout(d time.Duration) Option {
	return func(c *Config) { c.WorkflowTimeout = d }
}
func WithCheckpointRetention(n int) Option { return func(c *Config) { c.CheckpointRetention = n } }
func WithStateStoreBackend(b StateStoreBackend) Option {
	return func(c *Config) { c.StateStore = b }
}
func WithRedisURL(url string) Option     { return func(c *Config) { c.RedisURL = url } }
func WithPostgresDSN(dsn string) Option  { return func(c *Config) { c.PostgresDSN = dsn } }
func WithSQLitePath(path string) Option  { return func(c *Config) { c.SQLitePath = path } }
func WithLogLevel(l LogLevel) Option     { return func(c *Config) { c.LogLevel = l } }
func WithServiceName(name string) Option { return func(c *Config) { c.ServiceName = name } }

func loadFromEnv(c *Config) {
	if v := os.Getenv("ENGINE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("ENGINE_WORKFLOW_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkflowTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ENGINE_CHECKPOINT_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CheckpointRetention = n
		}
	}
	if v := os.Getenv("ENGINE_STATE_STORE"); v != "" {
		c.StateStore = StateStoreBackend(v)
	}
	if v := os.Getenv("ENGINE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("ENGINE_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("ENGINE_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		c.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv("ENGINE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ENGINE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
}

// NewConfig assembles defaults -> environment -> functional options, then
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := defaultConfig()
	loadFromEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrency < 1 {
		return NewFrameworkError("Config.validate", KindValidation, "", fmt.Sprintf("max_concurrency must be >= 1, got %d", c.MaxConcurrency), ErrInvalidConfig)
	}
	if c.CheckpointRetention < 1 {
		return NewFrameworkError("Config.validate", KindValidation, "", "checkpoint_retention must be >= 1", ErrInvalidConfig)
	}
	switch c.StateStore {
	case BackendRedis, BackendRelational, BackendEmbedded:
	default:
		return NewFrameworkError("Config.validate", KindValidation, "", fmt.Sprintf("unknown state_store backend %q", c.StateStore), ErrInvalidConfig)
	}
	return nil
}
