package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fusebox-dev/fusebox/pkg/errors"
)

func newProbedManager(t *testing.T, cfg DependencyConfig, probe HealthCheckFunc) *Manager {
	t.Helper()

	m := NewManager(Config{
		HealthCheckInterval: 20 * time.Millisecond,
		HealthCheckTimeout:  50 * time.Millisecond,
		AdaptiveEnabled:     false,
	}, testLogger())

	_, err := m.CreateCircuitBreaker(cfg)
	require.NoError(t, err)
	require.NoError(t, m.RegisterHealthCheck(cfg.Name, probe))
	return m
}

func TestHealthMonitor_FailingProbeOpensCircuit(t *testing.T) {
	cfg := testBreakerConfig("test-dep")
	cfg.FailureThreshold = 2
	cfg.HealthCheckEnabled = true

	m := newProbedManager(t, cfg, func(ctx context.Context) error {
		return errors.New("probe refused")
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.GetCircuitStatus("test-dep").State == StateOpen
	}, time.Second, 10*time.Millisecond, "failing probes alone must open the circuit")

	status := m.GetCircuitStatus("test-dep")
	require.NotNil(t, status.Health)
	assert.False(t, status.Health.Healthy)
	assert.Contains(t, status.Health.Error, "probe refused")
	assert.False(t, status.Health.LastCheck.IsZero())
}

func TestHealthMonitor_HealthyProbeKeepsCircuitClosed(t *testing.T) {
	cfg := testBreakerConfig("test-dep")
	cfg.HealthCheckEnabled = true

	m := newProbedManager(t, cfg, func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool {
		status := m.GetCircuitStatus("test-dep")
		return status.Health != nil && !status.Health.LastCheck.IsZero()
	}, time.Second, 10*time.Millisecond)

	status := m.GetCircuitStatus("test-dep")
	assert.True(t, status.Health.Healthy)
	assert.Empty(t, status.Health.Error)
	assert.Equal(t, StateClosed, status.State)
}

func TestHealthMonitor_SlowProbeTimesOut(t *testing.T) {
	cfg := testBreakerConfig("test-dep")
	cfg.FailureThreshold = 2
	cfg.HealthCheckEnabled = true

	m := newProbedManager(t, cfg, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.Eventually(t, func() bool {
		status := m.GetCircuitStatus("test-dep")
		return status.Health != nil && !status.Health.Healthy
	}, 2*time.Second, 10*time.Millisecond, "probe exceeding its timeout must record unhealthy")
}

func TestHealthMonitor_DisabledPerDependency(t *testing.T) {
	cfg := testBreakerConfig("test-dep")
	cfg.HealthCheckEnabled = false

	m := newProbedManager(t, cfg, func(ctx context.Context) error {
		return errors.New("probe refused")
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	time.Sleep(80 * time.Millisecond)

	status := m.GetCircuitStatus("test-dep")
	assert.Equal(t, StateClosed, status.State)
	require.NotNil(t, status.Health)
	assert.True(t, status.Health.Healthy, "disabled health checks must never probe")
	assert.True(t, status.Health.LastCheck.IsZero())
}

func TestHealthMonitor_RegisterAfterStart(t *testing.T) {
	cfg := testBreakerConfig("test-dep")
	cfg.FailureThreshold = 2
	cfg.HealthCheckEnabled = true

	m := NewManager(Config{
		HealthCheckInterval: 20 * time.Millisecond,
		HealthCheckTimeout:  50 * time.Millisecond,
		AdaptiveEnabled:     false,
	}, testLogger())
	_, err := m.CreateCircuitBreaker(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.RegisterHealthCheck("test-dep", func(ctx context.Context) error {
		return errors.New("probe refused")
	}))

	require.Eventually(t, func() bool {
		return m.GetCircuitStatus("test-dep").State == StateOpen
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterHealthCheck_Validation(t *testing.T) {
	m := NewManager(Config{}, testLogger())

	err := m.RegisterHealthCheck("missing", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", apperrors.GetCode(err))

	_, err = m.CreateCircuitBreaker(testBreakerConfig("test-dep"))
	require.NoError(t, err)

	err = m.RegisterHealthCheck("test-dep", nil)
	require.Error(t, err)
	assert.Equal(t, "INVALID_CONFIG", apperrors.GetCode(err))
}
