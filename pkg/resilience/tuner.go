package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fusebox-dev/fusebox/pkg/logging"
)

const (
	// tunerMinSamples is the window population below which tuning skips
	// a dependency
	tunerMinSamples = 10
	// tunerHighRate tightens the failure threshold when exceeded
	tunerHighRate = 0.5
	// tunerLowRate relaxes the failure threshold when undercut
	tunerLowRate = 0.1
	// tunerFloor and tunerCeiling bound the failure threshold
	tunerFloor   = 2
	tunerCeiling = 10
	// adjustmentHistorySize caps the per-dependency adjustment ring
	adjustmentHistorySize = 10
)

// AdjustmentRecord documents one adaptive threshold change
type AdjustmentRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Field       string    `json:"field"`
	From        int       `json:"from"`
	To          int       `json:"to"`
	Reason      string    `json:"reason"`
	FailureRate float64   `json:"failure_rate"`
	SampleCount int       `json:"sample_count"`
}

// adjustmentLog keeps the most recent adjustments for one dependency
type adjustmentLog struct {
	mu      sync.Mutex
	records []AdjustmentRecord
}

func newAdjustmentLog() *adjustmentLog {
	return &adjustmentLog{}
}

func (l *adjustmentLog) append(rec AdjustmentRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	if len(l.records) > adjustmentHistorySize {
		l.records = append(l.records[:0], l.records[len(l.records)-adjustmentHistorySize:]...)
	}
}

func (l *adjustmentLog) snapshot() []AdjustmentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]AdjustmentRecord, len(l.records))
	copy(out, l.records)
	return out
}

// adaptiveTuner periodically reviews each dependency's recent failure
// rate and nudges its failure threshold: sustained failures tighten it
// toward the floor, sustained health relaxes it toward the ceiling.
// Tuning is best-effort and never raises errors.
type adaptiveTuner struct {
	manager  *Manager
	interval time.Duration
	logger   *logging.Logger

	stop chan struct{}
	done chan struct{}
}

func newAdaptiveTuner(manager *Manager, interval time.Duration, logger *logging.Logger) *adaptiveTuner {
	return &adaptiveTuner{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (t *adaptiveTuner) start(ctx context.Context) {
	go t.run(ctx)
}

func (t *adaptiveTuner) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.tunePass(ctx)
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tunePass reviews every dependency once
func (t *adaptiveTuner) tunePass(ctx context.Context) {
	for _, name := range t.manager.dependencyNames() {
		t.tuneDependency(ctx, name, time.Now())
	}
}

func (t *adaptiveTuner) tuneDependency(ctx context.Context, name string, now time.Time) {
	breaker, window, log := t.manager.tunerTargets(name)
	if breaker == nil || window == nil || log == nil {
		return
	}

	rate, total := window.failureRate(now)
	if total < tunerMinSamples {
		return
	}

	threshold := breaker.Config().FailureThreshold
	newThreshold := threshold
	var reason string

	switch {
	case rate > tunerHighRate && threshold > tunerFloor:
		newThreshold = threshold - 1
		reason = fmt.Sprintf("failure rate %.2f above %.2f", rate, tunerHighRate)
	case rate < tunerLowRate && threshold < tunerCeiling:
		newThreshold = threshold + 1
		reason = fmt.Sprintf("failure rate %.2f below %.2f", rate, tunerLowRate)
	default:
		return
	}

	if !breaker.adjustFailureThreshold(threshold, newThreshold) {
		return
	}

	log.append(AdjustmentRecord{
		Timestamp:   now,
		Field:       "failure_threshold",
		From:        threshold,
		To:          newThreshold,
		Reason:      reason,
		FailureRate: rate,
		SampleCount: total,
	})

	t.logger.LogThresholdAdjustment(ctx, name, "failure_threshold", threshold, newThreshold, logrus.Fields{
		"failure_rate": rate,
		"sample_count": total,
	})
}

// stopWait signals the tuner to stop and waits for its goroutine
func (t *adaptiveTuner) stopWait() {
	close(t.stop)
	<-t.done
}
