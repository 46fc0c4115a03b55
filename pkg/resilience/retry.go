package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/fusebox-dev/fusebox/pkg/errors"
	"github.com/fusebox-dev/fusebox/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay after each attempt
	BackoffMultiplier float64
	// Jitter randomizes the delay to avoid thundering herds
	Jitter bool
	// RetryableErrors decides whether an error is worth retrying
	RetryableErrors func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors reports whether an error is retryable. Shed
// calls are not: retrying against an open breaker or a full bulkhead
// only amplifies the load that tripped them.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	switch errors.GetCode(err) {
	case "CIRCUIT_OPEN", "BULKHEAD_FULL", "DEPENDENCY_NOT_FOUND":
		return false
	}

	if errors.IsType(err, errors.ErrorTypeTimeout) ||
		errors.IsType(err, errors.ErrorTypeExternal) ||
		errors.IsType(err, errors.ErrorTypeUnavailable) {
		return true
	}

	if errors.IsType(err, errors.ErrorTypeValidation) ||
		errors.IsType(err, errors.ErrorTypeAuthentication) ||
		errors.IsType(err, errors.ErrorTypeAuthorization) ||
		errors.IsType(err, errors.ErrorTypeNotFound) ||
		errors.IsType(err, errors.ErrorTypeConflict) {
		return false
	}

	return true
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryableErrors
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Execute runs the operation, retrying retryable failures with
// exponential backoff until the attempt budget or the context runs out
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"total_attempts", r.config.MaxAttempts,
				)
			}
			return nil
		}

		lastErr = err

		if !r.config.RetryableErrors(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			return err
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
		)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	r.logger.Error("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"attempts", r.config.MaxAttempts,
	)

	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

// ExecuteWithResult runs the operation with retry logic and returns its result
func (r *Retrier) ExecuteWithResult(ctx context.Context, operation Operation) (interface{}, error) {
	var result interface{}
	err := r.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = operation(ctx)
		return err
	})
	return result, err
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitter := rand.Float64() * 0.1 * delay
		delay += jitter
	}

	return time.Duration(delay)
}

// RetryWithConfig executes an operation with the given retry configuration
func RetryWithConfig(ctx context.Context, config RetryConfig, operation func(context.Context) error) error {
	retrier := NewRetrier(config)
	return retrier.Execute(ctx, operation)
}

// Retry executes an operation with the default retry configuration
func Retry(ctx context.Context, operation func(context.Context) error) error {
	return RetryWithConfig(ctx, DefaultRetryConfig(), operation)
}

// RetryableOperation wraps an operation with both a standalone circuit
// breaker and retry logic. For dependencies registered with a Manager,
// prefer ExecuteCall and let the caller retry.
type RetryableOperation struct {
	breaker *CircuitBreaker
	retrier *Retrier
}

// NewRetryableOperation builds a breaker from cfg and pairs it with a retrier
func NewRetryableOperation(cfg DependencyConfig, retryConfig RetryConfig) (*RetryableOperation, error) {
	breaker, err := NewCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	return &RetryableOperation{
		breaker: breaker,
		retrier: NewRetrier(retryConfig),
	}, nil
}

// Execute runs the operation behind the breaker, retrying retryable failures
func (ro *RetryableOperation) Execute(ctx context.Context, operation Operation) (interface{}, error) {
	return ro.retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return ro.breaker.Execute(ctx, operation)
	})
}

// State returns the current state of the wrapped circuit breaker
func (ro *RetryableOperation) State() State {
	return ro.breaker.State()
}
