// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded first when
// present.
//
// Upstream credentials do not live here: channels are data, loaded from
// CHANNELS_FILE (or an external admin plane) and carrying their own API keys.
// The environment only holds service-level settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// AdminToken authenticates the /admin routes. Empty disables them.
	AdminToken string

	// ChannelsFile is the JSON seed file holding channels, model mappings,
	// and API keys. Default: channels.json.
	ChannelsFile string

	// UpstreamTimeout is the per-request upstream deadline, streaming
	// included. Default: 120s.
	UpstreamTimeout time.Duration

	// HealthCheckInterval is the background probe period. Default: 60s.
	HealthCheckInterval time.Duration

	// Balancer holds the load balancer tunables.
	Balancer BalancerConfig

	// Redis holds the connection URL for the credential cache and the
	// per-key rate limiter. Optional; both degrade gracefully without it.
	Redis RedisConfig

	// ClickHouse holds the DSN for the durable request outcome store.
	// Optional; outcomes stay in memory when unset.
	ClickHouse ClickHouseConfig

	// RateLimitPerMinute is the default per-key RPM limit applied to keys
	// without their own. 0 disables the fallback. Default: 60.
	RateLimitPerMinute int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// HTTP server timeouts.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BalancerConfig holds the load balancer tunables.
type BalancerConfig struct {
	// DefaultStrategy is one of: random, weighted, lowest_cost, performance.
	// Default: weighted.
	DefaultStrategy string

	// MetricsWindowMinutes is the outcome window the performance analyzer
	// reads. Default: 30.
	MetricsWindowMinutes int

	// StickyTTL is how long a prompt-cache affinity route stays valid.
	// Default: 5m.
	StickyTTL time.Duration

	// MaxConsecutiveFailures marks a channel unhealthy at this failure
	// count. Default: 3.
	MaxConsecutiveFailures int

	// CacheTracking enables sticky cache-affinity routing. Default: true.
	CacheTracking bool

	// LatencyWeight blends latency into the performance score, 0..1.
	// Default: 0.3.
	LatencyWeight float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Example: clickhouse://localhost:9000/gateway
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CHANNELS_FILE", "channels.json")
	v.SetDefault("UPSTREAM_TIMEOUT", "120s")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "60s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Balancer defaults.
	v.SetDefault("DEFAULT_STRATEGY", "weighted")
	v.SetDefault("METRICS_WINDOW_MINUTES", 30)
	v.SetDefault("STICKY_TTL", "5m")
	v.SetDefault("MAX_CONSECUTIVE_FAILURES", 3)
	v.SetDefault("CACHE_TRACKING", true)
	v.SetDefault("LATENCY_WEIGHT", 0.3)

	// Rate limit fallback for keys without their own.
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)

	// Server timeouts.
	v.SetDefault("READ_TIMEOUT", "60s")
	v.SetDefault("WRITE_TIMEOUT", "150s")
	v.SetDefault("IDLE_TIMEOUT", "120s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:                v.GetInt("PORT"),
		LogLevel:            strings.ToLower(v.GetString("LOG_LEVEL")),
		AdminToken:          v.GetString("ADMIN_TOKEN"),
		ChannelsFile:        v.GetString("CHANNELS_FILE"),
		UpstreamTimeout:     v.GetDuration("UPSTREAM_TIMEOUT"),
		HealthCheckInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),

		Balancer: BalancerConfig{
			DefaultStrategy:        strings.ToLower(v.GetString("DEFAULT_STRATEGY")),
			MetricsWindowMinutes:   v.GetInt("METRICS_WINDOW_MINUTES"),
			StickyTTL:              v.GetDuration("STICKY_TTL"),
			MaxConsecutiveFailures: v.GetInt("MAX_CONSECUTIVE_FAILURES"),
			CacheTracking:          v.GetBool("CACHE_TRACKING"),
			LatencyWeight:          v.GetFloat64("LATENCY_WEIGHT"),
		},

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		ReadTimeout:  v.GetDuration("READ_TIMEOUT"),
		WriteTimeout: v.GetDuration("WRITE_TIMEOUT"),
		IdleTimeout:  v.GetDuration("IDLE_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Balancer.DefaultStrategy {
	case "random", "weighted", "lowest_cost", "performance":
	default:
		return fmt.Errorf(
			"config: invalid DEFAULT_STRATEGY %q; must be one of: random, weighted, lowest_cost, performance",
			c.Balancer.DefaultStrategy,
		)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL must be a positive duration")
	}
	if c.Balancer.MetricsWindowMinutes < 1 {
		return fmt.Errorf("config: METRICS_WINDOW_MINUTES must be ≥ 1, got %d", c.Balancer.MetricsWindowMinutes)
	}
	if c.Balancer.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("config: MAX_CONSECUTIVE_FAILURES must be ≥ 1, got %d", c.Balancer.MaxConsecutiveFailures)
	}
	if c.Balancer.LatencyWeight < 0 || c.Balancer.LatencyWeight > 1 {
		return fmt.Errorf("config: LATENCY_WEIGHT must be in [0, 1], got %g", c.Balancer.LatencyWeight)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
