package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fusebox-dev/fusebox/pkg/errors"
	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// Call result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Rejection reason label values
const (
	ReasonCircuitOpen  = "circuit_open"
	ReasonBulkheadFull = "bulkhead_full"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (admin API)
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Call metrics
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	RejectionsTotal *prometheus.CounterVec

	// Fallback metrics
	FallbackExecutions *prometheus.CounterVec
	FallbackCacheHits  prometheus.Counter
	FallbackCacheSize  prometheus.Gauge

	// Circuit metrics
	CircuitState         *prometheus.GaugeVec
	CircuitsByState      *prometheus.GaugeVec
	RecoveryRate         prometheus.Gauge
	DependencyHealthy    *prometheus.GaugeVec
	ThresholdAdjustments *prometheus.CounterVec

	// Bulkhead metrics
	BulkheadActiveCalls *prometheus.GaugeVec
	BulkheadQueuedCalls *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registerer defaults to the global prometheus registry
	Registerer prometheus.Registerer `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "fusebox",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Call metrics
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "calls_total",
				Help:      "Total number of guarded calls by outcome",
			},
			[]string{"dependency", "result"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "call_duration_seconds",
				Help:      "Guarded call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"dependency", "result"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rejections_total",
				Help:      "Total number of calls shed without reaching the dependency",
			},
			[]string{"dependency", "reason"},
		),

		// Fallback metrics
		FallbackExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_executions_total",
				Help:      "Total number of calls answered by a fallback",
			},
			[]string{"dependency"},
		),
		FallbackCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_cache_hits_total",
				Help:      "Total number of fallback results served from cache",
			},
		),
		FallbackCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "fallback_cache_entries",
				Help:      "Number of live entries in the fallback cache",
			},
		),

		// Circuit metrics
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"dependency"},
		),
		CircuitsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuits",
				Help:      "Number of registered circuits by state",
			},
			[]string{"state"},
		),
		RecoveryRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_rate",
				Help:      "Share of non-closed circuits currently half-open",
			},
		),
		DependencyHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "dependency_healthy",
				Help:      "Latest health probe outcome (1 healthy, 0 unhealthy)",
			},
			[]string{"dependency"},
		),
		ThresholdAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "threshold_adjustments_total",
				Help:      "Total number of adaptive failure threshold adjustments",
			},
			[]string{"dependency", "direction"},
		),

		// Bulkhead metrics
		BulkheadActiveCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "bulkhead_active_calls",
				Help:      "Number of calls currently inside the bulkhead",
			},
			[]string{"dependency"},
		),
		BulkheadQueuedCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "bulkhead_queued_calls",
				Help:      "Number of calls waiting for bulkhead capacity",
			},
			[]string{"dependency"},
		),
	}

	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = gatherer
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.CallsTotal,
		m.CallDuration,
		m.RejectionsTotal,
		m.FallbackExecutions,
		m.FallbackCacheHits,
		m.FallbackCacheSize,
		m.CircuitState,
		m.CircuitsByState,
		m.RecoveryRate,
		m.DependencyHealthy,
		m.ThresholdAdjustments,
		m.BulkheadActiveCalls,
		m.BulkheadQueuedCalls,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordCall records the outcome and latency of a guarded call
func (m *Metrics) RecordCall(dependency, result string, duration time.Duration) {
	if m.CallsTotal == nil {
		return
	}

	m.CallsTotal.WithLabelValues(dependency, result).Inc()
	m.CallDuration.WithLabelValues(dependency, result).Observe(duration.Seconds())
}

// RecordRejection records a call shed by the breaker or bulkhead.
// Rejections carry no latency observation.
func (m *Metrics) RecordRejection(dependency, reason string) {
	if m.RejectionsTotal == nil {
		return
	}

	m.RejectionsTotal.WithLabelValues(dependency, reason).Inc()
}

// AddFallbackExecutions adds to the fallback execution counter
func (m *Metrics) AddFallbackExecutions(dependency string, delta int64) {
	if m.FallbackExecutions == nil || delta <= 0 {
		return
	}

	m.FallbackExecutions.WithLabelValues(dependency).Add(float64(delta))
}

// AddFallbackCacheHits adds to the fallback cache hit counter
func (m *Metrics) AddFallbackCacheHits(delta int64) {
	if m.FallbackCacheHits == nil || delta <= 0 {
		return
	}

	m.FallbackCacheHits.Add(float64(delta))
}

// SetFallbackCacheSize updates the fallback cache size gauge
func (m *Metrics) SetFallbackCacheSize(size int) {
	if m.FallbackCacheSize == nil {
		return
	}

	m.FallbackCacheSize.Set(float64(size))
}

// SetCircuitState updates the per-dependency state gauge
func (m *Metrics) SetCircuitState(dependency string, state resilience.State) {
	if m.CircuitState == nil {
		return
	}

	m.CircuitState.WithLabelValues(dependency).Set(float64(state))
}

// SetCircuitCounts updates the circuits-by-state gauge
func (m *Metrics) SetCircuitCounts(counts map[string]int) {
	if m.CircuitsByState == nil {
		return
	}

	for state, count := range counts {
		m.CircuitsByState.WithLabelValues(state).Set(float64(count))
	}
}

// SetRecoveryRate updates the recovery rate gauge
func (m *Metrics) SetRecoveryRate(rate float64) {
	if m.RecoveryRate == nil {
		return
	}

	m.RecoveryRate.Set(rate)
}

// SetDependencyHealth updates the per-dependency health gauge
func (m *Metrics) SetDependencyHealth(dependency string, healthy bool) {
	if m.DependencyHealthy == nil {
		return
	}

	value := 0.0
	if healthy {
		value = 1.0
	}
	m.DependencyHealthy.WithLabelValues(dependency).Set(value)
}

// AddThresholdAdjustment counts one adaptive threshold change
func (m *Metrics) AddThresholdAdjustment(dependency, direction string) {
	if m.ThresholdAdjustments == nil {
		return
	}

	m.ThresholdAdjustments.WithLabelValues(dependency, direction).Inc()
}

// SetBulkheadUsage updates the bulkhead occupancy gauges
func (m *Metrics) SetBulkheadUsage(dependency string, active, queued int) {
	if m.BulkheadActiveCalls == nil {
		return
	}

	m.BulkheadActiveCalls.WithLabelValues(dependency).Set(float64(active))
	m.BulkheadQueuedCalls.WithLabelValues(dependency).Set(float64(queued))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// InstrumentedManager decorates a resilience manager so every guarded
// call lands in the call metrics with its real latency. State and
// occupancy gauges are fed separately by the Collector.
type InstrumentedManager struct {
	*resilience.Manager

	metrics *Metrics
}

// Instrument wraps a manager with per-call metrics recording
func Instrument(manager *resilience.Manager, metrics *Metrics) *InstrumentedManager {
	return &InstrumentedManager{Manager: manager, metrics: metrics}
}

// ExecuteCall runs the guarded call and records its outcome
func (im *InstrumentedManager) ExecuteCall(ctx context.Context, name string, op resilience.Operation, key interface{}) (interface{}, error) {
	start := time.Now()
	result, err := im.Manager.ExecuteCall(ctx, name, op, key)
	im.recordOutcome(name, err, time.Since(start))
	return result, err
}

func (im *InstrumentedManager) recordOutcome(dependency string, err error, latency time.Duration) {
	if err == nil {
		im.metrics.RecordCall(dependency, ResultSuccess, latency)
		return
	}

	switch errors.GetCode(err) {
	case "CIRCUIT_OPEN":
		im.metrics.RecordRejection(dependency, ReasonCircuitOpen)
	case "BULKHEAD_FULL":
		im.metrics.RecordRejection(dependency, ReasonBulkheadFull)
	case "OPERATION_TIMEOUT":
		im.metrics.RecordCall(dependency, ResultTimeout, latency)
	default:
		im.metrics.RecordCall(dependency, ResultError, latency)
	}
}
