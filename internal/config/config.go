package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/XavierBriggs/Iris/internal/retry"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	OddsAPI   OddsAPIConfig   `mapstructure:"odds_api"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Sports    []string        `mapstructure:"sports"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// OddsAPIConfig holds The Odds API client configuration
type OddsAPIConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RequestDeadline   time.Duration `mapstructure:"request_deadline"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

// RetryConfig holds the backoff policy for provider requests
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// CacheConfig selects the response cache backend
type CacheConfig struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig holds the current-state store settings. An empty DSN
// disables persistence.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds the read API settings
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig controls background polling
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig holds the OTLP exporter settings. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// Load reads configuration from an optional file and IRIS_* environment
// variables (e.g. IRIS_ODDS_API_API_KEY)
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("IRIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("odds_api.api_key", "")
	v.SetDefault("odds_api.base_url", "https://api.the-odds-api.com")
	v.SetDefault("odds_api.requests_per_minute", 30)
	v.SetDefault("odds_api.cache_ttl", "10s")
	v.SetDefault("odds_api.request_deadline", "45s")
	v.SetDefault("odds_api.http_timeout", "10s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.prefix", "iris:cache:")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.requests_per_second", 10.0)
	v.SetDefault("server.burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("sports", []string{"basketball_nba", "americanfootball_nfl"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.OddsAPI.APIKey == "" {
		return fmt.Errorf("odds_api.api_key is required")
	}
	if c.OddsAPI.BaseURL == "" {
		return fmt.Errorf("odds_api.base_url is required")
	}
	if c.OddsAPI.RequestsPerMinute < 1 {
		return fmt.Errorf("odds_api.requests_per_minute must be at least 1")
	}
	if c.OddsAPI.CacheTTL < 0 {
		return fmt.Errorf("odds_api.cache_ttl must not be negative")
	}
	if c.OddsAPI.RequestDeadline <= 0 {
		return fmt.Errorf("odds_api.request_deadline must be positive")
	}
	if c.OddsAPI.HTTPTimeout <= 0 {
		return fmt.Errorf("odds_api.http_timeout must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be between 0.0 and 1.0")
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be one of: memory, redis")
	}

	if c.Server.RequestsPerSecond <= 0 || c.Server.Burst < 1 {
		return fmt.Errorf("server.requests_per_second and server.burst must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// RetryPolicy converts the retry section into a backoff policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      c.Retry.BaseDelay,
		MaxDelay:       c.Retry.MaxDelay,
		Multiplier:     c.Retry.Multiplier,
		JitterFraction: c.Retry.JitterFraction,
	}
}
