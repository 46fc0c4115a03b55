package resilience

import (
	"context"
	"time"
)

// CircuitStatus is a point-in-time view of one protected dependency
type CircuitStatus struct {
	Name               string             `json:"name"`
	State              State              `json:"state"`
	FailureCount       int                `json:"failure_count"`
	SuccessCount       int                `json:"success_count"`
	LastFailureTime    *time.Time         `json:"last_failure_time,omitempty"`
	LastStateChange    time.Time          `json:"last_state_change"`
	NextRetryTime      *time.Time         `json:"next_retry_time,omitempty"`
	Config             DependencyConfig   `json:"config"`
	Stats              CallStats          `json:"stats"`
	Bulkhead           *BulkheadStatus    `json:"bulkhead,omitempty"`
	Health             *HealthStatus      `json:"health,omitempty"`
	Adjustments        []AdjustmentRecord `json:"adjustments,omitempty"`
	FallbackRegistered bool               `json:"fallback_registered"`
}

// ManagerStatus is a process-wide summary of the resilience core
type ManagerStatus struct {
	Running           bool           `json:"running"`
	Uptime            time.Duration  `json:"uptime"`
	AdaptiveEnabled   bool           `json:"adaptive_enabled"`
	TotalCircuits     int            `json:"total_circuits"`
	CircuitsByState   map[string]int `json:"circuits_by_state"`
	RecoveryRate      float64        `json:"recovery_rate"`
	ActiveCalls       int            `json:"active_calls"`
	QueuedCalls       int            `json:"queued_calls"`
	FallbackCacheSize int            `json:"fallback_cache_size"`
	FallbackCacheHits int64          `json:"fallback_cache_hits"`
	DroppedEvents     int64          `json:"dropped_events"`
	Stats             CallStats      `json:"stats"`
}

// GetCircuitStatus returns the status of one dependency, nil when the
// name is not registered
func (m *Manager) GetCircuitStatus(name string) *CircuitStatus {
	m.mu.RLock()
	breaker := m.breakers[name]
	bulkhead := m.bulkheads[name]
	_, hasFallback := m.fallbacks[name]
	health, hasHealth := m.health[name]
	adjustments := m.adjustments[name]
	stats := m.depStats[name]
	m.mu.RUnlock()

	if breaker == nil {
		return nil
	}

	snap := breaker.snapshot()
	status := &CircuitStatus{
		Name:               name,
		State:              snap.state,
		FailureCount:       snap.failureCount,
		SuccessCount:       snap.successCount,
		LastStateChange:    snap.lastStateChange,
		Config:             snap.config,
		FallbackRegistered: hasFallback,
	}
	if !snap.lastFailureTime.IsZero() {
		t := snap.lastFailureTime
		status.LastFailureTime = &t
	}
	if !snap.nextRetryTime.IsZero() {
		t := snap.nextRetryTime
		status.NextRetryTime = &t
	}
	if stats != nil {
		status.Stats = stats.snapshot()
	}
	if bulkhead != nil {
		bs := bulkhead.status()
		status.Bulkhead = &bs
	}
	if hasHealth {
		h := health
		status.Health = &h
	}
	if adjustments != nil {
		status.Adjustments = adjustments.snapshot()
	}
	return status
}

// GetAllCircuitsStatus returns the status of every registered dependency
func (m *Manager) GetAllCircuitsStatus() map[string]*CircuitStatus {
	names := m.dependencyNames()

	statuses := make(map[string]*CircuitStatus, len(names))
	for _, name := range names {
		if status := m.GetCircuitStatus(name); status != nil {
			statuses[name] = status
		}
	}
	return statuses
}

// GetStatus returns the manager-wide summary: circuit counts by state,
// the recovery rate, bulkhead load, fallback cache usage and the global
// call statistics.
func (m *Manager) GetStatus() *ManagerStatus {
	byState := map[string]int{
		StateClosed.String():   0,
		StateOpen.String():     0,
		StateHalfOpen.String(): 0,
	}

	m.mu.RLock()
	total := len(m.breakers)
	breakers := make([]*CircuitBreaker, 0, total)
	for _, breaker := range m.breakers {
		breakers = append(breakers, breaker)
	}
	bulkheads := make([]*Bulkhead, 0, len(m.bulkheads))
	for _, bulkhead := range m.bulkheads {
		bulkheads = append(bulkheads, bulkhead)
	}
	m.mu.RUnlock()

	for _, breaker := range breakers {
		byState[breaker.State().String()]++
	}

	open := byState[StateOpen.String()]
	halfOpen := byState[StateHalfOpen.String()]
	recoveryRate := 0.0
	if open+halfOpen > 0 {
		recoveryRate = float64(halfOpen) / float64(open+halfOpen)
	}

	active, queued := 0, 0
	for _, bulkhead := range bulkheads {
		bs := bulkhead.status()
		active += bs.ActiveCalls
		queued += bs.QueuedCalls
	}

	status := &ManagerStatus{
		AdaptiveEnabled:   m.config.AdaptiveEnabled,
		TotalCircuits:     total,
		CircuitsByState:   byState,
		RecoveryRate:      recoveryRate,
		ActiveCalls:       active,
		QueuedCalls:       queued,
		FallbackCacheSize: m.cache.size(),
		FallbackCacheHits: m.cache.hitCount(),
		DroppedEvents:     m.events.droppedCount(),
		Stats:             m.global.snapshot(),
	}

	m.runMu.Lock()
	status.Running = m.running
	if m.running {
		status.Uptime = time.Since(m.startedAt)
	}
	m.runMu.Unlock()

	return status
}

// aggregateLoop periodically recomputes the manager summary so state
// drift shows up in the logs even when nothing polls the API
func (m *Manager) aggregateLoop(ctx context.Context) {
	defer close(m.aggDone)

	ticker := time.NewTicker(m.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			status := m.GetStatus()
			m.logger.Debug("Resilience metrics aggregated",
				"total_circuits", status.TotalCircuits,
				"open", status.CircuitsByState[StateOpen.String()],
				"half_open", status.CircuitsByState[StateHalfOpen.String()],
				"recovery_rate", status.RecoveryRate,
				"total_calls", status.Stats.TotalCalls,
				"rejected_calls", status.Stats.RejectedCalls,
			)
		case <-m.aggStop:
			return
		case <-ctx.Done():
			return
		}
	}
}
