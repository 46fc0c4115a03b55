package resilience

import (
	"fmt"
	"time"

	"github.com/fusebox-dev/fusebox/pkg/errors"
)

// DependencyConfig holds the per-dependency protection settings.
// A config is created together with its circuit breaker and can be
// changed at runtime via Manager.UpdateCircuitConfig.
type DependencyConfig struct {
	// Name uniquely identifies the protected dependency
	Name string `json:"name"`
	// Timeout bounds a single call to the dependency
	Timeout time.Duration `json:"timeout"`
	// FailureThreshold is the failure count that trips the breaker open
	FailureThreshold int `json:"failure_threshold"`
	// SuccessThreshold is the success count that closes a half-open breaker
	SuccessThreshold int `json:"success_threshold"`
	// RecoveryTimeout is how long an open breaker waits before allowing a trial
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// MaxConcurrentCalls bounds in-flight calls when the bulkhead is enabled
	MaxConcurrentCalls int `json:"max_concurrent_calls"`
	// QueueSize bounds callers waiting for a bulkhead permit.
	// Zero means excess calls are rejected immediately.
	QueueSize int `json:"queue_size"`
	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	// Zero means trials are bounded only by the bulkhead.
	HalfOpenMaxCalls int `json:"half_open_max_calls"`

	BulkheadEnabled    bool `json:"bulkhead_enabled"`
	HealthCheckEnabled bool `json:"health_check_enabled"`
	FallbackEnabled    bool `json:"fallback_enabled"`
}

// Validate checks the configuration for invalid values
func (c *DependencyConfig) Validate() error {
	if c.Name == "" {
		return errors.NewConfigError("dependency name is required")
	}
	if c.Timeout <= 0 {
		return errors.NewConfigError(fmt.Sprintf("timeout must be positive, got %s", c.Timeout))
	}
	if c.FailureThreshold < 1 {
		return errors.NewConfigError(fmt.Sprintf("failure threshold must be at least 1, got %d", c.FailureThreshold))
	}
	if c.SuccessThreshold < 1 {
		return errors.NewConfigError(fmt.Sprintf("success threshold must be at least 1, got %d", c.SuccessThreshold))
	}
	if c.RecoveryTimeout <= 0 {
		return errors.NewConfigError(fmt.Sprintf("recovery timeout must be positive, got %s", c.RecoveryTimeout))
	}
	if c.BulkheadEnabled && c.MaxConcurrentCalls < 1 {
		return errors.NewConfigError(fmt.Sprintf("max concurrent calls must be at least 1, got %d", c.MaxConcurrentCalls))
	}
	if c.QueueSize < 0 {
		return errors.NewConfigError(fmt.Sprintf("queue size must not be negative, got %d", c.QueueSize))
	}
	if c.HalfOpenMaxCalls < 0 {
		return errors.NewConfigError(fmt.Sprintf("half-open max calls must not be negative, got %d", c.HalfOpenMaxCalls))
	}
	return nil
}

// ConfigUpdate describes a partial configuration change. Nil fields
// keep their current value.
type ConfigUpdate struct {
	Timeout            *time.Duration `json:"timeout,omitempty"`
	FailureThreshold   *int           `json:"failure_threshold,omitempty"`
	SuccessThreshold   *int           `json:"success_threshold,omitempty"`
	RecoveryTimeout    *time.Duration `json:"recovery_timeout,omitempty"`
	MaxConcurrentCalls *int           `json:"max_concurrent_calls,omitempty"`
	QueueSize          *int           `json:"queue_size,omitempty"`
	HalfOpenMaxCalls   *int           `json:"half_open_max_calls,omitempty"`
	BulkheadEnabled    *bool          `json:"bulkhead_enabled,omitempty"`
	HealthCheckEnabled *bool          `json:"health_check_enabled,omitempty"`
	FallbackEnabled    *bool          `json:"fallback_enabled,omitempty"`
}

// apply merges the update into a copy of the given config
func (u ConfigUpdate) apply(cfg DependencyConfig) DependencyConfig {
	if u.Timeout != nil {
		cfg.Timeout = *u.Timeout
	}
	if u.FailureThreshold != nil {
		cfg.FailureThreshold = *u.FailureThreshold
	}
	if u.SuccessThreshold != nil {
		cfg.SuccessThreshold = *u.SuccessThreshold
	}
	if u.RecoveryTimeout != nil {
		cfg.RecoveryTimeout = *u.RecoveryTimeout
	}
	if u.MaxConcurrentCalls != nil {
		cfg.MaxConcurrentCalls = *u.MaxConcurrentCalls
	}
	if u.QueueSize != nil {
		cfg.QueueSize = *u.QueueSize
	}
	if u.HalfOpenMaxCalls != nil {
		cfg.HalfOpenMaxCalls = *u.HalfOpenMaxCalls
	}
	if u.BulkheadEnabled != nil {
		cfg.BulkheadEnabled = *u.BulkheadEnabled
	}
	if u.HealthCheckEnabled != nil {
		cfg.HealthCheckEnabled = *u.HealthCheckEnabled
	}
	if u.FallbackEnabled != nil {
		cfg.FallbackEnabled = *u.FallbackEnabled
	}
	return cfg
}

// Config holds manager-wide settings for the resilience core
type Config struct {
	// WindowSize bounds the age of performance window entries
	WindowSize time.Duration
	// FallbackCacheTTL is how long cached fallback results stay live
	FallbackCacheTTL time.Duration
	// FallbackTimeout bounds a single fallback invocation
	FallbackTimeout time.Duration
	// HealthCheckInterval is the period between health probe runs
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds a single probe invocation
	HealthCheckTimeout time.Duration
	// AdaptiveInterval is the period between adaptive tuner passes
	AdaptiveInterval time.Duration
	// AdaptiveEnabled toggles the adaptive tuner loop
	AdaptiveEnabled bool
	// MetricsInterval is the period between metrics aggregation passes
	MetricsInterval time.Duration
	// EventBuffer is the default buffer size for state change subscriptions
	EventBuffer int
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		WindowSize:          5 * time.Minute,
		FallbackCacheTTL:    5 * time.Minute,
		FallbackTimeout:     5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		AdaptiveInterval:    time.Minute,
		AdaptiveEnabled:     true,
		MetricsInterval:     time.Minute,
		EventBuffer:         64,
	}
}

// withDefaults fills zero values with defaults
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.FallbackCacheTTL <= 0 {
		c.FallbackCacheTTL = def.FallbackCacheTTL
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = def.FallbackTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if c.AdaptiveInterval <= 0 {
		c.AdaptiveInterval = def.AdaptiveInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = def.MetricsInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}

// DefaultDependencyConfig returns a reasonable starting configuration
// for a dependency
func DefaultDependencyConfig(name string) DependencyConfig {
	return DependencyConfig{
		Name:               name,
		Timeout:            5 * time.Second,
		FailureThreshold:   3,
		SuccessThreshold:   2,
		RecoveryTimeout:    30 * time.Second,
		MaxConcurrentCalls: 10,
		BulkheadEnabled:    true,
		HealthCheckEnabled: true,
		FallbackEnabled:    true,
	}
}

// DefaultDependencies returns the illustrative set of dependencies
// registered by the daemon at startup. Callers embedding the manager
// register their own instead.
func DefaultDependencies() []DependencyConfig {
	return []DependencyConfig{
		{
			Name:               "database",
			Timeout:            5 * time.Second,
			FailureThreshold:   3,
			SuccessThreshold:   2,
			RecoveryTimeout:    30 * time.Second,
			MaxConcurrentCalls: 10,
			BulkheadEnabled:    true,
			HealthCheckEnabled: true,
			FallbackEnabled:    true,
		},
		{
			Name:               "external-api",
			Timeout:            10 * time.Second,
			FailureThreshold:   5,
			SuccessThreshold:   3,
			RecoveryTimeout:    60 * time.Second,
			MaxConcurrentCalls: 20,
			BulkheadEnabled:    true,
			HealthCheckEnabled: true,
			FallbackEnabled:    true,
		},
		{
			Name:               "message-queue",
			Timeout:            3 * time.Second,
			FailureThreshold:   2,
			SuccessThreshold:   2,
			RecoveryTimeout:    15 * time.Second,
			MaxConcurrentCalls: 5,
			BulkheadEnabled:    true,
			HealthCheckEnabled: true,
			FallbackEnabled:    true,
		},
	}
}
