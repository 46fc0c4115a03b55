package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// Config holds the application configuration
type Config struct {
	Environment   string              `json:"environment"`
	Version       string              `json:"version"`
	Server        ServerConfig        `json:"server"`
	Logging       LoggingConfig       `json:"logging"`
	Auth          AuthConfig          `json:"auth"`
	Redis         RedisConfig         `json:"redis"`
	Database      DatabaseConfig      `json:"database"`
	Tracing       TracingConfig       `json:"tracing"`
	Metrics       MetricsConfig       `json:"metrics"`
	Notifications NotificationsConfig `json:"notifications"`
	Resilience    ResilienceConfig    `json:"resilience"`
	Probes        []ProbeTarget       `json:"probes"`
}

// ServerConfig contains HTTP server configuration for the admin API
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// AuthConfig contains admin API authentication configuration.
// An empty JWTSecret leaves the admin API unauthenticated.
type AuthConfig struct {
	JWTSecret     string        `json:"jwt_secret"`
	JWTExpiration time.Duration `json:"jwt_expiration"`
}

// RedisConfig contains Redis connection configuration. An empty Host
// disables Redis-backed features (rate limiting, the default Redis
// probe).
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a Redis endpoint is configured
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns the host:port address for the Redis client
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig identifies a SQL database to probe. The daemon opens
// the handle for health checking only; no schema is managed.
type DatabaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Enabled reports whether a database DSN is configured
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != ""
}

// TracingConfig contains OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// NotificationsConfig declares where circuit state changes are
// announced. Channels with an empty URL are not wired.
type NotificationsConfig struct {
	SlackWebhookURL string        `json:"slack_webhook_url"`
	SlackChannel    string        `json:"slack_channel"`
	WebhookURL      string        `json:"webhook_url"`
	WebhookSecret   string        `json:"webhook_secret"`
	MinInterval     time.Duration `json:"min_interval"`
}

// Enabled reports whether at least one notification target is configured
func (c NotificationsConfig) Enabled() bool {
	return c.SlackWebhookURL != "" || c.WebhookURL != ""
}

// ResilienceConfig carries the manager tunables
type ResilienceConfig struct {
	WindowSize          time.Duration `json:"window_size"`
	FallbackCacheTTL    time.Duration `json:"fallback_cache_ttl"`
	FallbackTimeout     time.Duration `json:"fallback_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout"`
	AdaptiveInterval    time.Duration `json:"adaptive_interval"`
	AdaptiveEnabled     bool          `json:"adaptive_enabled"`
	MetricsInterval     time.Duration `json:"metrics_interval"`
	EventBuffer         int           `json:"event_buffer"`
	DefaultCircuits     bool          `json:"default_circuits"`
}

// ManagerConfig converts the env-level settings into a manager Config
func (c ResilienceConfig) ManagerConfig() resilience.Config {
	return resilience.Config{
		WindowSize:          c.WindowSize,
		FallbackCacheTTL:    c.FallbackCacheTTL,
		FallbackTimeout:     c.FallbackTimeout,
		HealthCheckInterval: c.HealthCheckInterval,
		HealthCheckTimeout:  c.HealthCheckTimeout,
		AdaptiveInterval:    c.AdaptiveInterval,
		AdaptiveEnabled:     c.AdaptiveEnabled,
		MetricsInterval:     c.MetricsInterval,
		EventBuffer:         c.EventBuffer,
	}
}

// ProbeTarget declares an HTTP health probe for a named dependency
type ProbeTarget struct {
	Dependency string `json:"dependency"`
	URL        string `json:"url"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Environment: getEnvString("ENVIRONMENT", "development"),
		Version:     getEnvString("APP_VERSION", "dev"),
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnvString("ADMIN_JWT_SECRET", ""),
			JWTExpiration: getEnvDuration("ADMIN_JWT_EXPIRATION", 24*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Driver: getEnvString("DATABASE_DRIVER", "postgres"),
			DSN:    getEnvString("DATABASE_DSN", ""),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "fusebox"),
		},
		Notifications: NotificationsConfig{
			SlackWebhookURL: getEnvString("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("SLACK_CHANNEL", ""),
			WebhookURL:      getEnvString("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret:   getEnvString("NOTIFY_WEBHOOK_SECRET", ""),
			MinInterval:     getEnvDuration("NOTIFY_MIN_INTERVAL", time.Minute),
		},
		Resilience: ResilienceConfig{
			WindowSize:          getEnvDuration("RESILIENCE_WINDOW_SIZE", 5*time.Minute),
			FallbackCacheTTL:    getEnvDuration("RESILIENCE_FALLBACK_TTL", 5*time.Minute),
			FallbackTimeout:     getEnvDuration("RESILIENCE_FALLBACK_TIMEOUT", 5*time.Second),
			HealthCheckInterval: getEnvDuration("RESILIENCE_HEALTH_INTERVAL", 30*time.Second),
			HealthCheckTimeout:  getEnvDuration("RESILIENCE_HEALTH_TIMEOUT", 5*time.Second),
			AdaptiveInterval:    getEnvDuration("RESILIENCE_ADAPTIVE_INTERVAL", time.Minute),
			AdaptiveEnabled:     getEnvBool("RESILIENCE_ADAPTIVE_ENABLED", true),
			MetricsInterval:     getEnvDuration("RESILIENCE_METRICS_INTERVAL", time.Minute),
			EventBuffer:         getEnvInt("RESILIENCE_EVENT_BUFFER", 64),
			DefaultCircuits:     getEnvBool("RESILIENCE_DEFAULT_CIRCUITS", true),
		},
		Probes: parseProbeTargets(getEnvString("PROBE_TARGETS", "")),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Logging.Format)
	}

	if c.Database.Enabled() {
		switch c.Database.Driver {
		case "postgres", "mysql":
		default:
			return fmt.Errorf("database driver must be postgres or mysql, got %q", c.Database.Driver)
		}
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be within [0, 1], got %g", c.Tracing.SamplingRate)
	}

	for _, probe := range c.Probes {
		if probe.Dependency == "" || probe.URL == "" {
			return fmt.Errorf("probe targets must be name=url pairs, got %q=%q", probe.Dependency, probe.URL)
		}
	}

	return nil
}

// IsProduction reports whether the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// parseProbeTargets parses PROBE_TARGETS, a comma-separated list of
// name=url pairs, e.g.
// "external-api=https://api.example.com/health,search=http://search:9200/_cluster/health".
func parseProbeTargets(raw string) []ProbeTarget {
	if raw == "" {
		return nil
	}

	var targets []ProbeTarget
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, _ := strings.Cut(pair, "=")
		targets = append(targets, ProbeTarget{
			Dependency: strings.TrimSpace(name),
			URL:        strings.TrimSpace(url),
		})
	}
	return targets
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
