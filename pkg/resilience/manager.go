package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fusebox-dev/fusebox/pkg/errors"
	"github.com/fusebox-dev/fusebox/pkg/logging"
)

// Operation is the protected unit of work. It must honor ctx: the
// manager cancels it when the per-dependency timeout elapses.
type Operation func(ctx context.Context) (interface{}, error)

// Manager owns the per-dependency protection machinery: circuit
// breakers, bulkheads, fallbacks, health probes, performance windows and
// adjustment histories, plus the background loops that drive health
// checks, adaptive tuning and metrics aggregation. A Manager is an
// explicit instance; there is no package-level registry.
type Manager struct {
	config Config
	logger *logging.Logger

	mu          sync.RWMutex
	breakers    map[string]*CircuitBreaker
	bulkheads   map[string]*Bulkhead
	fallbacks   map[string]FallbackFunc
	probes      map[string]HealthCheckFunc
	health      map[string]HealthStatus
	windows     map[string]*performanceWindow
	adjustments map[string]*adjustmentLog
	depStats    map[string]*statsTracker
	monitors    map[string]*healthMonitor

	global *statsTracker
	cache  *fallbackCache
	events *eventDispatcher

	runMu     sync.Mutex
	running   bool
	startedAt time.Time
	runCtx    context.Context
	runCancel context.CancelFunc
	tuner     *adaptiveTuner
	aggStop   chan struct{}
	aggDone   chan struct{}
}

// NewManager creates a manager with the given configuration. Zero config
// fields fall back to defaults; a nil logger falls back to the global one.
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Manager{
		config:      cfg,
		logger:      logger,
		breakers:    make(map[string]*CircuitBreaker),
		bulkheads:   make(map[string]*Bulkhead),
		fallbacks:   make(map[string]FallbackFunc),
		probes:      make(map[string]HealthCheckFunc),
		health:      make(map[string]HealthStatus),
		windows:     make(map[string]*performanceWindow),
		adjustments: make(map[string]*adjustmentLog),
		depStats:    make(map[string]*statsTracker),
		monitors:    make(map[string]*healthMonitor),
		global:      newStatsTracker(),
		cache:       newFallbackCache(cfg.FallbackCacheTTL),
		events:      newEventDispatcher(cfg.EventBuffer, logger),
	}
}

// Config returns the manager configuration
func (m *Manager) Config() Config {
	return m.config
}

// CreateCircuitBreaker registers a new dependency and its breaker.
// The name must not already be registered.
func (m *Manager) CreateCircuitBreaker(cfg DependencyConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[cfg.Name]; exists {
		return nil, errors.NewCircuitExistsError(cfg.Name)
	}

	breaker := newCircuitBreaker(cfg, m.logger, m.onStateChange)
	m.breakers[cfg.Name] = breaker
	if cfg.BulkheadEnabled {
		m.bulkheads[cfg.Name] = NewBulkhead(cfg.Name, cfg.MaxConcurrentCalls, cfg.QueueSize)
	}
	m.windows[cfg.Name] = newPerformanceWindow(m.config.WindowSize)
	m.adjustments[cfg.Name] = newAdjustmentLog()
	m.depStats[cfg.Name] = newStatsTracker()

	m.logger.Info("Circuit breaker created",
		"dependency", cfg.Name,
		"failure_threshold", cfg.FailureThreshold,
		"success_threshold", cfg.SuccessThreshold,
		"timeout", cfg.Timeout.String(),
		"recovery_timeout", cfg.RecoveryTimeout.String(),
	)
	return breaker, nil
}

// RegisterHealthCheck attaches a probe to a registered dependency. When
// the manager is running and health checks are enabled for the
// dependency, monitoring starts immediately.
func (m *Manager) RegisterHealthCheck(name string, probe HealthCheckFunc) error {
	if probe == nil {
		return errors.NewConfigError("health check function is required")
	}

	m.mu.Lock()
	breaker, exists := m.breakers[name]
	if !exists {
		m.mu.Unlock()
		return errors.NewDependencyNotFoundError(name)
	}
	m.probes[name] = probe
	if _, seen := m.health[name]; !seen {
		m.health[name] = HealthStatus{Healthy: true}
	}
	m.mu.Unlock()

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running && breaker.Config().HealthCheckEnabled {
		m.startMonitorLocked(name, probe, breaker)
	}
	return nil
}

// RegisterFallback attaches a fallback function to a registered
// dependency. Registering again replaces the previous function.
func (m *Manager) RegisterFallback(name string, fn FallbackFunc) error {
	if fn == nil {
		return errors.NewConfigError("fallback function is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[name]; !exists {
		return errors.NewDependencyNotFoundError(name)
	}
	m.fallbacks[name] = fn
	return nil
}

// ExecuteCall runs op against the named dependency under the full
// protection chain: circuit breaker gate, bulkhead gate, timeout, outcome
// recording, and fallback when one is registered. key identifies the
// logical call for fallback caching.
func (m *Manager) ExecuteCall(ctx context.Context, name string, op Operation, key interface{}) (interface{}, error) {
	if op == nil {
		return nil, errors.NewConfigError("operation is required")
	}

	m.mu.RLock()
	breaker := m.breakers[name]
	bulkhead := m.bulkheads[name]
	fallback := m.fallbacks[name]
	window := m.windows[name]
	stats := m.depStats[name]
	m.mu.RUnlock()

	if breaker == nil {
		return nil, errors.NewDependencyNotFoundError(name)
	}

	cfg := breaker.Config()

	if !breaker.CanExecute() {
		m.recordRejection(stats)
		if cfg.FallbackEnabled && fallback != nil {
			return m.executeFallback(ctx, name, fallback, stats, key, nil)
		}
		return nil, errors.NewCircuitOpenError(name)
	}

	if cfg.BulkheadEnabled && bulkhead != nil {
		if err := bulkhead.Acquire(ctx); err != nil {
			breaker.releaseTrial()
			m.recordRejection(stats)
			if cfg.FallbackEnabled && fallback != nil {
				return m.executeFallback(ctx, name, fallback, stats, key, err)
			}
			return nil, err
		}
		defer bulkhead.Release()
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	value, err := m.invoke(callCtx, name, op, cfg.Timeout)
	latency := time.Since(start)

	if err != nil {
		kind := ClassifyFailure(err)
		breaker.RecordFailure(kind)
		window.append(false, latency, kind, time.Now())
		m.recordFailure(stats, latency, kind)

		if cfg.FallbackEnabled && fallback != nil && breaker.State() == StateOpen {
			return m.executeFallback(ctx, name, fallback, stats, key, err)
		}
		return nil, err
	}

	breaker.RecordSuccess()
	window.append(true, latency, "", time.Now())
	m.recordSuccess(stats, latency)
	return value, nil
}

// invoke runs op in its own goroutine and races it against the call
// context, so an operation that ignores cancellation still cannot hold
// the caller past the deadline. The losing operation keeps a buffered
// result slot and its context stays cancelled, so it does not leak.
func (m *Manager) invoke(ctx context.Context, name string, op Operation, timeout time.Duration) (interface{}, error) {
	type callResult struct {
		value interface{}
		err   error
	}
	results := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.LogPanic(ctx, r, "operation panicked")
				results <- callResult{nil, errors.NewInternalError(fmt.Sprintf("operation panicked: %v", r))}
			}
		}()
		value, err := op(ctx)
		results <- callResult{value, err}
	}()

	select {
	case res := <-results:
		return res.value, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewOperationTimeoutError(name, timeout)
		}
		return nil, ctx.Err()
	}
}

// ResetCircuit forces the named breaker to CLOSED, zeroes its counters
// and purges its fallback cache entries. Configuration is preserved.
func (m *Manager) ResetCircuit(name string) error {
	m.mu.RLock()
	breaker := m.breakers[name]
	m.mu.RUnlock()

	if breaker == nil {
		return errors.NewDependencyNotFoundError(name)
	}

	breaker.Reset()
	m.cache.purge(name)
	m.logger.Info("Circuit breaker reset", "dependency", name)
	return nil
}

// UpdateCircuitConfig applies a partial configuration update to a
// registered dependency. The merged configuration is validated before it
// takes effect; the bulkhead is rebuilt when its settings change.
func (m *Manager) UpdateCircuitConfig(name string, update ConfigUpdate) error {
	m.mu.Lock()
	breaker, exists := m.breakers[name]
	if !exists {
		m.mu.Unlock()
		return errors.NewDependencyNotFoundError(name)
	}

	current := breaker.Config()
	merged := update.apply(current)
	merged.Name = name
	if err := merged.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}

	breaker.setConfig(merged)

	if merged.BulkheadEnabled {
		rebuilt := current.MaxConcurrentCalls != merged.MaxConcurrentCalls ||
			current.QueueSize != merged.QueueSize ||
			!current.BulkheadEnabled
		if rebuilt || m.bulkheads[name] == nil {
			m.bulkheads[name] = NewBulkhead(name, merged.MaxConcurrentCalls, merged.QueueSize)
		}
	} else {
		delete(m.bulkheads, name)
	}
	probe := m.probes[name]
	m.mu.Unlock()

	m.runMu.Lock()
	if m.running && current.HealthCheckEnabled != merged.HealthCheckEnabled {
		if merged.HealthCheckEnabled {
			if probe != nil {
				m.startMonitorLocked(name, probe, breaker)
			}
		} else {
			m.stopMonitorLocked(name)
		}
	}
	m.runMu.Unlock()

	m.logger.Info("Circuit breaker config updated",
		"dependency", name,
		"failure_threshold", merged.FailureThreshold,
		"success_threshold", merged.SuccessThreshold,
		"timeout", merged.Timeout.String(),
	)
	return nil
}

// Subscribe returns a channel of state change events and a cancel
// function. buffer <= 0 uses the configured default. Slow consumers lose
// events; they never block state transitions.
func (m *Manager) Subscribe(buffer int) (<-chan StateChangeEvent, func()) {
	return m.events.subscribe(buffer)
}

// Start launches the background loops: health monitors for every
// dependency with an enabled probe, the adaptive tuner, and the metrics
// aggregator. Starting an already running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return nil
	}

	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.running = true
	m.startedAt = time.Now()

	m.mu.RLock()
	for name, probe := range m.probes {
		breaker := m.breakers[name]
		if breaker != nil && breaker.Config().HealthCheckEnabled {
			m.startMonitorLocked(name, probe, breaker)
		}
	}
	m.mu.RUnlock()

	if m.config.AdaptiveEnabled {
		m.tuner = newAdaptiveTuner(m, m.config.AdaptiveInterval, m.logger)
		m.tuner.start(m.runCtx)
	}

	m.aggStop = make(chan struct{})
	m.aggDone = make(chan struct{})
	go m.aggregateLoop(m.runCtx)

	m.logger.Info("Resilience manager started",
		"health_check_interval", m.config.HealthCheckInterval.String(),
		"adaptive_enabled", m.config.AdaptiveEnabled,
		"adaptive_interval", m.config.AdaptiveInterval.String(),
	)
	return nil
}

// Stop halts the background loops and closes the event stream. The
// manager keeps serving calls but performs no monitoring afterwards; it
// is not restartable.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runCancel()

	monitors := make([]*healthMonitor, 0, len(m.monitors))
	for name, monitor := range m.monitors {
		monitors = append(monitors, monitor)
		delete(m.monitors, name)
	}
	tuner := m.tuner
	m.tuner = nil
	aggStop, aggDone := m.aggStop, m.aggDone
	m.runMu.Unlock()

	for _, monitor := range monitors {
		monitor.stopWait()
	}
	if tuner != nil {
		tuner.stopWait()
	}
	close(aggStop)
	<-aggDone

	m.events.close()
	m.logger.Info("Resilience manager stopped")
}

// onStateChange is installed on every breaker this manager creates.
// It runs while the breaker lock is held, so it only performs
// non-blocking work.
func (m *Manager) onStateChange(name string, from, to State, reason string, at time.Time) {
	m.events.publish(newStateChangeEvent(name, from, to, reason, at))
	m.logger.LogStateChange(context.Background(), name, from.String(), to.String(), reason, nil)
}

// startMonitorLocked starts (or restarts) the health monitor for one
// dependency. Callers must hold m.runMu.
func (m *Manager) startMonitorLocked(name string, probe HealthCheckFunc, breaker *CircuitBreaker) {
	if existing, ok := m.monitors[name]; ok {
		existing.stopWait()
	}
	monitor := newHealthMonitor(name, probe, breaker,
		m.config.HealthCheckInterval, m.config.HealthCheckTimeout,
		m.recordHealthResult, m.logger)
	m.monitors[name] = monitor
	monitor.start(m.runCtx)
}

// stopMonitorLocked stops the health monitor for one dependency.
// Callers must hold m.runMu.
func (m *Manager) stopMonitorLocked(name string) {
	if monitor, ok := m.monitors[name]; ok {
		monitor.stopWait()
		delete(m.monitors, name)
	}
}

// recordHealthResult stores the latest probe outcome for a dependency
func (m *Manager) recordHealthResult(name string, healthy bool, err error, at time.Time) {
	status := HealthStatus{Healthy: healthy, LastCheck: at}
	if err != nil {
		status.Error = err.Error()
	}

	m.mu.Lock()
	m.health[name] = status
	m.mu.Unlock()
}

// dependencyNames returns the registered dependency names
func (m *Manager) dependencyNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// tunerTargets hands the adaptive tuner the pieces it reviews for one
// dependency
func (m *Manager) tunerTargets(name string) (*CircuitBreaker, *performanceWindow, *adjustmentLog) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breakers[name], m.windows[name], m.adjustments[name]
}

func (m *Manager) recordSuccess(stats *statsTracker, latency time.Duration) {
	m.global.recordSuccess(latency)
	if stats != nil {
		stats.recordSuccess(latency)
	}
}

func (m *Manager) recordFailure(stats *statsTracker, latency time.Duration, kind FailureKind) {
	m.global.recordFailure(latency, kind)
	if stats != nil {
		stats.recordFailure(latency, kind)
	}
}

func (m *Manager) recordRejection(stats *statsTracker) {
	m.global.recordRejection()
	if stats != nil {
		stats.recordRejection()
	}
}

func (m *Manager) recordFallback(stats *statsTracker) {
	m.global.recordFallback()
	if stats != nil {
		stats.recordFallback()
	}
}
