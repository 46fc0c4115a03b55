package resilience

import (
	"sync"
	"time"
)

// latencyAlpha is the EWMA smoothing factor for average latency
const latencyAlpha = 0.2

// CallStats aggregates call outcomes for a dependency or for the whole
// manager. AverageLatency is an exponentially weighted moving average
// over executed calls; rejected calls carry no latency.
type CallStats struct {
	TotalCalls      int64         `json:"total_calls"`
	SuccessfulCalls int64         `json:"successful_calls"`
	FailedCalls     int64         `json:"failed_calls"`
	TimeoutCalls    int64         `json:"timeout_calls"`
	RejectedCalls   int64         `json:"rejected_calls"`
	FallbackCalls   int64         `json:"fallback_calls"`
	AverageLatency  time.Duration `json:"average_latency"`
}

// statsTracker guards a CallStats under a mutex
type statsTracker struct {
	mu    sync.Mutex
	stats CallStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{}
}

func (t *statsTracker) recordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalCalls++
	t.stats.SuccessfulCalls++
	t.updateLatencyLocked(latency)
}

func (t *statsTracker) recordFailure(latency time.Duration, kind FailureKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalCalls++
	t.stats.FailedCalls++
	if kind == FailureTimeout {
		t.stats.TimeoutCalls++
	}
	t.updateLatencyLocked(latency)
}

func (t *statsTracker) recordRejection() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalCalls++
	t.stats.RejectedCalls++
}

func (t *statsTracker) recordFallback() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.FallbackCalls++
}

func (t *statsTracker) snapshot() CallStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stats
}

// updateLatencyLocked folds one observation into the moving average.
// Callers must hold t.mu.
func (t *statsTracker) updateLatencyLocked(latency time.Duration) {
	if t.stats.AverageLatency == 0 {
		t.stats.AverageLatency = latency
		return
	}
	t.stats.AverageLatency = time.Duration(
		latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(t.stats.AverageLatency))
}
