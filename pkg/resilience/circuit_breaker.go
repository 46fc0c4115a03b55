package resilience

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fusebox-dev/fusebox/pkg/errors"
	"github.com/fusebox-dev/fusebox/pkg/logging"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - calls flow through, failures are counted
	StateClosed State = iota
	// StateOpen - calls are rejected until the recovery timeout elapses
	StateOpen
	// StateHalfOpen - trial calls probe whether the dependency recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON renders the state as its string name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// stateChangeFunc is invoked on every state transition
type stateChangeFunc func(name string, from, to State, reason string, at time.Time)

// CircuitBreaker is the per-dependency state machine. It decides whether
// calls may proceed and tracks consecutive successes and failures.
// Transitions follow CLOSED -> OPEN -> HALF_OPEN -> CLOSED, where
// OPEN -> HALF_OPEN is gated by time rather than by an external command.
type CircuitBreaker struct {
	name string

	mu               sync.Mutex
	config           DependencyConfig
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	nextRetryTime    time.Time

	onStateChange stateChangeFunc
	logger        *logging.Logger
}

// NewCircuitBreaker creates a standalone circuit breaker. Breakers
// managed through a Manager are created via Manager.CreateCircuitBreaker.
func NewCircuitBreaker(config DependencyConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return newCircuitBreaker(config, logging.GetLogger(), nil), nil
}

func newCircuitBreaker(config DependencyConfig, logger *logging.Logger, onChange stateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		name:            config.Name,
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		onStateChange:   onChange,
		logger:          logger,
	}
}

// Name returns the dependency name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state, applying the time-gated
// OPEN -> HALF_OPEN transition if the recovery timeout has elapsed
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked(time.Now())
	return cb.state
}

// Config returns a copy of the current configuration
func (cb *CircuitBreaker) Config() DependencyConfig {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.config
}

// CanExecute reports whether a call may proceed. While OPEN it flips to
// HALF_OPEN once the recovery timeout has elapsed and admits the call.
// While HALF_OPEN it admits calls, bounded by HalfOpenMaxCalls in-flight
// trials when that cap is configured.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advanceLocked(now)

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.config.HalfOpenMaxCalls > 0 && cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// Execute runs op behind the breaker and records the outcome. It is the
// standalone entry point for breakers created with NewCircuitBreaker;
// unlike Manager.ExecuteCall it applies no timeout of its own, so the
// caller's ctx governs the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if !cb.CanExecute() {
		return nil, errors.NewCircuitOpenError(cb.name)
	}

	value, err := op(ctx)
	if err != nil {
		cb.RecordFailure(ClassifyFailure(err))
		return nil, err
	}
	cb.RecordSuccess()
	return value, nil
}

// releaseTrial returns an admitted half-open trial slot that never ran,
// e.g. because the bulkhead rejected the call after admission
func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// RecordSuccess registers a successful call. Success zeroes the failure
// count; enough consecutive successes close a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	cb.successCount++
	cb.failureCount = 0

	if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
		cb.setStateLocked(StateClosed, now, "success threshold reached")
	}
}

// RecordFailure registers a failed call of the given kind. Failure zeroes
// the success count; reaching the failure threshold while CLOSED or
// HALF_OPEN opens the breaker and schedules the next retry.
func (cb *CircuitBreaker) RecordFailure(kind FailureKind) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	cb.failureCount++
	cb.successCount = 0
	cb.lastFailureTime = now

	if (cb.state == StateClosed || cb.state == StateHalfOpen) && cb.failureCount >= cb.config.FailureThreshold {
		cb.setStateLocked(StateOpen, now, "failure threshold reached ("+string(kind)+")")
	}
}

// Reset forces the breaker to CLOSED and zeroes all counters. The
// configuration is preserved.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.state != StateClosed {
		cb.setStateLocked(StateClosed, now, "manual reset")
	}
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	cb.lastFailureTime = time.Time{}
	cb.nextRetryTime = time.Time{}
}

// setConfig replaces the configuration. The name is immutable.
func (cb *CircuitBreaker) setConfig(config DependencyConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	config.Name = cb.name
	cb.config = config
}

// adjustFailureThreshold applies a tuner adjustment only if the threshold
// still holds the value the decision was based on
func (cb *CircuitBreaker) adjustFailureThreshold(from, to int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.FailureThreshold != from {
		return false
	}
	cb.config.FailureThreshold = to
	return true
}

// breakerSnapshot is a point-in-time copy of the breaker's state
type breakerSnapshot struct {
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	nextRetryTime   time.Time
	config          DependencyConfig
}

func (cb *CircuitBreaker) snapshot() breakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked(time.Now())
	return breakerSnapshot{
		state:           cb.state,
		failureCount:    cb.failureCount,
		successCount:    cb.successCount,
		lastFailureTime: cb.lastFailureTime,
		lastStateChange: cb.lastStateChange,
		nextRetryTime:   cb.nextRetryTime,
		config:          cb.config,
	}
}

// advanceLocked applies the time-gated OPEN -> HALF_OPEN transition.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) advanceLocked(now time.Time) {
	if cb.state == StateOpen && !cb.nextRetryTime.IsZero() && !now.Before(cb.nextRetryTime) {
		cb.setStateLocked(StateHalfOpen, now, "recovery timeout elapsed")
	}
}

// setStateLocked transitions the breaker and emits the change
// notification. Callers must hold cb.mu.
func (cb *CircuitBreaker) setStateLocked(state State, now time.Time, reason string) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.lastStateChange = now
	cb.halfOpenInFlight = 0

	switch state {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.nextRetryTime = time.Time{}
	case StateOpen:
		cb.nextRetryTime = now.Add(cb.config.RecoveryTimeout)
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state, reason, now)
	}
}
