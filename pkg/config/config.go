// Package config loads the engine configuration from YAML with defaults and
// environment fallbacks.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use strings like "30s"
// or "5m".
type Duration time.Duration

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the engine configuration.
type Config struct {
	// Queue configuration
	Queue QueueConfig `yaml:"queue"`

	// Error handler configuration
	Recovery RecoveryConfig `yaml:"recovery"`

	// Health monitor configuration
	Health HealthConfig `yaml:"health"`

	// Result store configuration
	Results ResultsConfig `yaml:"results"`

	// Event bus configuration
	Events EventsConfig `yaml:"events"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// QueueConfig holds work queue configuration.
type QueueConfig struct {
	Name            string  `yaml:"name"`
	DefaultAttempts int     `yaml:"default_attempts"`
	RateLimit       float64 `yaml:"rate_limit"` // dispatches per second, 0 = unlimited
	RateBurst       int     `yaml:"rate_burst"`
}

// RecoveryConfig holds error handler configuration.
type RecoveryConfig struct {
	BreakerThreshold int      `yaml:"breaker_threshold"`
	EscalationWindow Duration `yaml:"escalation_window"`
	EscalationCap    int      `yaml:"escalation_cap"`
	RecentErrors     int      `yaml:"recent_errors"`
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	Schedule           string `yaml:"schedule"`
	ErrorRateThreshold int64  `yaml:"error_rate_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
	BreakerThreshold   int    `yaml:"breaker_threshold"`
}

// ResultsConfig holds result store configuration.
type ResultsConfig struct {
	// Backend selects the store: "memory" or "redis".
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
	PoolSize int      `yaml:"pool_size"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// ObservabilityConfig holds metrics and tracing configuration.
type ObservabilityConfig struct {
	MetricsAddr     string `yaml:"metrics_addr"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Queue.Name == "" {
		c.Queue.Name = "evalforge"
	}
	if c.Queue.DefaultAttempts == 0 {
		c.Queue.DefaultAttempts = 3
	}
	if c.Queue.RateBurst == 0 {
		c.Queue.RateBurst = 1
	}

	if c.Recovery.BreakerThreshold == 0 {
		c.Recovery.BreakerThreshold = 5
	}
	if c.Recovery.EscalationWindow == 0 {
		c.Recovery.EscalationWindow = Duration(5 * time.Minute)
	}
	if c.Recovery.EscalationCap == 0 {
		c.Recovery.EscalationCap = 3
	}
	if c.Recovery.RecentErrors == 0 {
		c.Recovery.RecentErrors = 100
	}

	if c.Health.Schedule == "" {
		c.Health.Schedule = "@every 30s"
	}
	if c.Health.ErrorRateThreshold == 0 {
		c.Health.ErrorRateThreshold = 10
	}
	if c.Health.UnhealthyThreshold == 0 {
		c.Health.UnhealthyThreshold = 3
	}
	if c.Health.BreakerThreshold == 0 {
		c.Health.BreakerThreshold = 1
	}

	if c.Results.Backend == "" {
		c.Results.Backend = "memory"
	}
	if c.Results.Redis.Addr == "" {
		c.Results.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Results.Redis.Password == "" {
		c.Results.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.Results.Redis.Prefix == "" {
		c.Results.Redis.Prefix = "evalforge:result:"
	}

	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 64
	}

	if c.Observability.MetricsAddr == "" {
		c.Observability.MetricsAddr = ":9090"
	}
	if c.Observability.TracingExporter == "" {
		c.Observability.TracingExporter = "stdout"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Results.Backend {
	case "memory":
	case "redis":
		if c.Results.Redis.Addr == "" {
			return fmt.Errorf("results.redis.addr is required for the redis backend (or set REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("unknown results backend: %s", c.Results.Backend)
	}

	if c.Queue.DefaultAttempts < 1 {
		return fmt.Errorf("queue.default_attempts must be at least 1")
	}
	if c.Queue.RateLimit < 0 {
		return fmt.Errorf("queue.rate_limit must not be negative")
	}

	return nil
}
