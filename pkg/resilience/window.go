package resilience

import (
	"sync"
	"time"
)

// callRecord is a single observed call outcome. kind is empty for
// successful calls.
type callRecord struct {
	at       time.Time
	success  bool
	duration time.Duration
	kind     FailureKind
}

// performanceWindow holds recent call outcomes for one dependency.
// Entries older than the window span are evicted lazily on append and
// on read, so an idle dependency converges to an empty window.
type performanceWindow struct {
	mu      sync.Mutex
	span    time.Duration
	records []callRecord
}

func newPerformanceWindow(span time.Duration) *performanceWindow {
	return &performanceWindow{span: span}
}

// append records one call outcome
func (w *performanceWindow) append(success bool, duration time.Duration, kind FailureKind, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(at)
	w.records = append(w.records, callRecord{at: at, success: success, duration: duration, kind: kind})
}

// counts returns the total and failed call counts within the window
func (w *performanceWindow) counts(now time.Time) (total, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(now)
	for _, r := range w.records {
		total++
		if !r.success {
			failed++
		}
	}
	return total, failed
}

// failureRate returns the fraction of failed calls and the sample size
func (w *performanceWindow) failureRate(now time.Time) (rate float64, total int) {
	total, failed := w.counts(now)
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// evictLocked drops entries older than the window span.
// Callers must hold w.mu.
func (w *performanceWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.records) && w.records[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.records = append(w.records[:0], w.records[i:]...)
	}
}
