package resilience

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fusebox-dev/fusebox/pkg/logging"
)

// HealthCheckFunc probes one dependency. A nil return means healthy.
type HealthCheckFunc func(ctx context.Context) error

// HealthStatus is the latest probe outcome for a dependency
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// healthMonitor periodically probes one dependency. Probe failures are
// recorded against the breaker as unhealthy failures, so a dead
// dependency can open its circuit without any caller traffic. Probe
// errors never surface to callers.
type healthMonitor struct {
	name     string
	probe    HealthCheckFunc
	breaker  *CircuitBreaker
	interval time.Duration
	timeout  time.Duration
	onResult func(name string, healthy bool, err error, at time.Time)
	logger   *logging.Logger

	stop chan struct{}
	done chan struct{}
}

func newHealthMonitor(name string, probe HealthCheckFunc, breaker *CircuitBreaker, interval, timeout time.Duration, onResult func(string, bool, error, time.Time), logger *logging.Logger) *healthMonitor {
	return &healthMonitor{
		name:     name,
		probe:    probe,
		breaker:  breaker,
		interval: interval,
		timeout:  timeout,
		onResult: onResult,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (h *healthMonitor) start(ctx context.Context) {
	go h.run(ctx)
}

func (h *healthMonitor) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.check(ctx)

	for {
		select {
		case <-ticker.C:
			h.check(ctx)
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *healthMonitor) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := h.probe(probeCtx)
	duration := time.Since(start)
	healthy := err == nil

	h.onResult(h.name, healthy, err, time.Now())

	var fields logrus.Fields
	if !healthy {
		h.breaker.RecordFailure(FailureUnhealthy)
		fields = logrus.Fields{"error": err.Error()}
	}
	h.logger.LogProbeResult(ctx, h.name, healthy, duration, fields)
}

// stopWait signals the monitor to stop and waits for its goroutine
func (h *healthMonitor) stopWait() {
	close(h.stop)
	<-h.done
}
