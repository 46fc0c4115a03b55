package metrics

import (
	"context"
	"time"

	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// Adjustment direction label values
const (
	DirectionRaise = "raise"
	DirectionLower = "lower"
)

// Collector periodically copies manager status into the gauges and
// delta-feeds the counters that only exist as cumulative totals on the
// manager (fallback executions, cache hits, threshold adjustments).
type Collector struct {
	metrics  *Metrics
	manager  *resilience.Manager
	interval time.Duration
	stopCh   chan struct{}

	lastFallbacks   map[string]int64
	lastAdjustments map[string]time.Time
	lastCacheHits   int64
}

// NewCollector creates a new metrics collector
func NewCollector(manager *resilience.Manager, metrics *Metrics, interval time.Duration) *Collector {
	return &Collector{
		metrics:         metrics,
		manager:         manager,
		interval:        interval,
		stopCh:          make(chan struct{}),
		lastFallbacks:   make(map[string]int64),
		lastAdjustments: make(map[string]time.Time),
	}
}

// Start begins metrics collection. It blocks until the context is done
// or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop stops metrics collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect runs one collection pass. Called from the Start goroutine
// only, so the delta maps need no locking.
func (c *Collector) collect() {
	for name, circuit := range c.manager.GetAllCircuitsStatus() {
		c.metrics.SetCircuitState(name, circuit.State)

		if circuit.Health != nil {
			c.metrics.SetDependencyHealth(name, circuit.Health.Healthy)
		}
		if circuit.Bulkhead != nil {
			c.metrics.SetBulkheadUsage(name, circuit.Bulkhead.ActiveCalls, circuit.Bulkhead.QueuedCalls)
		}

		c.metrics.AddFallbackExecutions(name, circuit.Stats.FallbackCalls-c.lastFallbacks[name])
		c.lastFallbacks[name] = circuit.Stats.FallbackCalls

		c.countAdjustments(name, circuit.Adjustments)
	}

	status := c.manager.GetStatus()
	c.metrics.SetCircuitCounts(status.CircuitsByState)
	c.metrics.SetRecoveryRate(status.RecoveryRate)
	c.metrics.SetFallbackCacheSize(status.FallbackCacheSize)
	c.metrics.AddFallbackCacheHits(status.FallbackCacheHits - c.lastCacheHits)
	c.lastCacheHits = status.FallbackCacheHits
}

// countAdjustments feeds the adjustment counter from the bounded
// adjustment log, counting only records newer than the previous pass.
func (c *Collector) countAdjustments(name string, records []resilience.AdjustmentRecord) {
	if len(records) == 0 {
		return
	}

	seen := c.lastAdjustments[name]
	for _, rec := range records {
		if !rec.Timestamp.After(seen) {
			continue
		}
		direction := DirectionRaise
		if rec.To < rec.From {
			direction = DirectionLower
		}
		c.metrics.AddThresholdAdjustment(name, direction)
	}
	c.lastAdjustments[name] = records[len(records)-1].Timestamp
}
