package resilience

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusebox-dev/fusebox/pkg/errors"
	"github.com/fusebox-dev/fusebox/pkg/logging"
)

func testLogger() *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:       "error",
		Format:      "text",
		Output:      "stderr",
		ServiceName: "fusebox-test",
	})
	if err != nil {
		panic(err)
	}
	logger.SetOutput(io.Discard)
	return logger
}

func testDependencyConfig(name string) DependencyConfig {
	return DependencyConfig{
		Name:             name,
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Second,
		FallbackEnabled:  true,
	}
}

func newTestManager(t *testing.T, configs ...DependencyConfig) *Manager {
	t.Helper()

	m := NewManager(Config{AdaptiveEnabled: false}, testLogger())
	for _, cfg := range configs {
		_, err := m.CreateCircuitBreaker(cfg)
		require.NoError(t, err)
	}
	return m
}

func failingOp(err error) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return nil, err
	}
}

func succeedingOp(result interface{}) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return result, nil
	}
}

func TestManager_CreateCircuitBreaker(t *testing.T) {
	m := newTestManager(t)

	cb, err := m.CreateCircuitBreaker(testDependencyConfig("database"))
	require.NoError(t, err)
	assert.Equal(t, "database", cb.Name())
	assert.Equal(t, StateClosed, cb.State())
}

func TestManager_CreateCircuitBreaker_Duplicate(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	_, err := m.CreateCircuitBreaker(testDependencyConfig("database"))
	require.Error(t, err)
	assert.Equal(t, "CIRCUIT_EXISTS", errors.GetCode(err))
}

func TestManager_CreateCircuitBreaker_InvalidConfig(t *testing.T) {
	cfg := testDependencyConfig("database")
	cfg.FailureThreshold = 0

	m := newTestManager(t)
	_, err := m.CreateCircuitBreaker(cfg)
	require.Error(t, err)
	assert.Equal(t, "INVALID_CONFIG", errors.GetCode(err))
}

func TestManager_ExecuteCall_UnknownDependency(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ExecuteCall(context.Background(), "ghost", succeedingOp("ok"), nil)
	require.Error(t, err)
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", errors.GetCode(err))
}

func TestManager_ExecuteCall_NilOperation(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	_, err := m.ExecuteCall(context.Background(), "database", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "INVALID_CONFIG", errors.GetCode(err))
}

func TestManager_ExecuteCall_Success(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	result, err := m.ExecuteCall(context.Background(), "database", succeedingOp("rows"), "q1")
	require.NoError(t, err)
	assert.Equal(t, "rows", result)

	status := m.GetCircuitStatus("database")
	require.NotNil(t, status)
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, int64(1), status.Stats.TotalCalls)
	assert.Equal(t, int64(1), status.Stats.SuccessfulCalls)
	assert.Greater(t, int64(status.Stats.AverageLatency), int64(0))
}

func TestManager_ExecuteCall_OperationContextHasDeadline(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	_, err := m.ExecuteCall(context.Background(), "database", func(ctx context.Context) (interface{}, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "operation context should carry the dependency timeout")
		return nil, nil
	}, nil)
	require.NoError(t, err)
}

func TestManager_ExecuteCall_FailuresOpenCircuit(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))
	boom := fmt.Errorf("connection refused")

	for i := 0; i < 3; i++ {
		_, err := m.ExecuteCall(context.Background(), "database", failingOp(boom), nil)
		require.Error(t, err)
	}

	status := m.GetCircuitStatus("database")
	require.NotNil(t, status)
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, int64(3), status.Stats.FailedCalls)
	assert.NotNil(t, status.NextRetryTime)
}

func TestManager_ExecuteCall_OpenCircuitRejects(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "database", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}

	calls := int64(0)
	_, err := m.ExecuteCall(context.Background(), "database", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return "never", nil
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "CIRCUIT_OPEN", errors.GetCode(err))
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls), "operation must not run while the circuit is open")

	status := m.GetCircuitStatus("database")
	assert.Equal(t, int64(1), status.Stats.RejectedCalls)
}

func TestManager_ExecuteCall_Timeout(t *testing.T) {
	cfg := testDependencyConfig("database")
	cfg.Timeout = 30 * time.Millisecond
	m := newTestManager(t, cfg)

	start := time.Now()
	_, err := m.ExecuteCall(context.Background(), "database", func(ctx context.Context) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, "OPERATION_TIMEOUT", errors.GetCode(err))
	assert.Less(t, elapsed, 150*time.Millisecond, "the call should return at the deadline, not wait for the operation")

	status := m.GetCircuitStatus("database")
	assert.Equal(t, int64(1), status.Stats.FailedCalls)
}

func TestManager_ExecuteCall_PanicRecovered(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	_, err := m.ExecuteCall(context.Background(), "database", func(ctx context.Context) (interface{}, error) {
		panic("unexpected state")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation panicked")

	status := m.GetCircuitStatus("database")
	assert.Equal(t, int64(1), status.Stats.FailedCalls)
}

func TestManager_Fallback_ServedWhenOpen(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("payments"))

	var causes []error
	err := m.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
		causes = append(causes, cause)
		return "cached-balance", nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("gateway down")), nil) //nolint:errcheck
	}
	require.Equal(t, StateOpen, m.GetCircuitStatus("payments").State)

	result, err := m.ExecuteCall(context.Background(), "payments", succeedingOp("live"), "balance")
	require.NoError(t, err)
	assert.Equal(t, "cached-balance", result)
	require.Len(t, causes, 2)
	assert.Nil(t, causes[1], "breaker rejection passes no cause to the fallback")

	status := m.GetCircuitStatus("payments")
	assert.Equal(t, int64(2), status.Stats.FallbackCalls)
	assert.True(t, status.FallbackRegistered)
}

func TestManager_Fallback_ServedOnTrippingFailure(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("payments"))

	gatewayErr := fmt.Errorf("gateway down")
	var lastCause error
	require.NoError(t, m.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
		lastCause = cause
		return "degraded", nil
	}))

	// Failures below the threshold propagate the original error.
	_, err := m.ExecuteCall(context.Background(), "payments", failingOp(gatewayErr), nil)
	assert.Equal(t, gatewayErr, err)
	_, err = m.ExecuteCall(context.Background(), "payments", failingOp(gatewayErr), nil)
	assert.Equal(t, gatewayErr, err)

	// The tripping failure routes to the fallback with the real cause.
	result, err := m.ExecuteCall(context.Background(), "payments", failingOp(gatewayErr), nil)
	require.NoError(t, err)
	assert.Equal(t, "degraded", result)
	assert.Equal(t, gatewayErr, lastCause)
}

func TestManager_Fallback_CachesByKey(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("payments"))

	invocations := int64(0)
	require.NoError(t, m.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
		atomic.AddInt64(&invocations, 1)
		return "stale", nil
	}))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), "k") //nolint:errcheck
	}

	for i := 0; i < 3; i++ {
		result, err := m.ExecuteCall(context.Background(), "payments", succeedingOp("live"), "k")
		require.NoError(t, err)
		assert.Equal(t, "stale", result)
	}
	// One invocation at the tripping failure; rejected calls hit the cache.
	assert.Equal(t, int64(1), atomic.LoadInt64(&invocations))

	// A different key misses the cache and invokes the function again.
	_, err := m.ExecuteCall(context.Background(), "payments", succeedingOp("live"), "other")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&invocations))
}

func TestManager_Fallback_CacheExpires(t *testing.T) {
	m := NewManager(Config{FallbackCacheTTL: 30 * time.Millisecond, AdaptiveEnabled: false}, testLogger())
	cfg := testDependencyConfig("payments")
	cfg.RecoveryTimeout = time.Minute // keep the breaker open past the TTL
	_, err := m.CreateCircuitBreaker(cfg)
	require.NoError(t, err)

	invocations := int64(0)
	require.NoError(t, m.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
		atomic.AddInt64(&invocations, 1)
		return "stale", nil
	}))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), "k") //nolint:errcheck
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&invocations))

	time.Sleep(50 * time.Millisecond)

	_, err = m.ExecuteCall(context.Background(), "payments", succeedingOp("live"), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&invocations), "expired entries are recomputed")
}

func TestManager_Fallback_ErrorPropagates(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("payments"))

	fallbackErr := fmt.Errorf("no cached value")
	require.NoError(t, m.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
		return nil, fallbackErr
	}))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}

	_, err := m.ExecuteCall(context.Background(), "payments", succeedingOp("live"), nil)
	assert.Equal(t, fallbackErr, err, "fallback errors surface to the caller unchanged")
}

func TestManager_Fallback_DisabledPerDependency(t *testing.T) {
	cfg := testDependencyConfig("payments")
	cfg.FallbackEnabled = false
	m := newTestManager(t, cfg)

	require.NoError(t, m.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
		return "stale", nil
	}))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}

	_, err := m.ExecuteCall(context.Background(), "payments", succeedingOp("live"), nil)
	require.Error(t, err)
	assert.Equal(t, "CIRCUIT_OPEN", errors.GetCode(err))
}

func TestManager_RegisterFallback_Validation(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("payments"))

	err := m.RegisterFallback("ghost", func(ctx context.Context, cause error) (interface{}, error) { return nil, nil })
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", errors.GetCode(err))

	err = m.RegisterFallback("payments", nil)
	assert.Equal(t, "INVALID_CONFIG", errors.GetCode(err))
}

func TestManager_Bulkhead_RejectsAndFallsBack(t *testing.T) {
	cfg := testDependencyConfig("search")
	cfg.BulkheadEnabled = true
	cfg.MaxConcurrentCalls = 1
	cfg.QueueSize = 0
	m := newTestManager(t, cfg)

	var rejectionCause error
	require.NoError(t, m.RegisterFallback("search", func(ctx context.Context, cause error) (interface{}, error) {
		rejectionCause = cause
		return "partial-results", nil
	}))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		m.ExecuteCall(context.Background(), "search", func(ctx context.Context) (interface{}, error) { //nolint:errcheck
			close(started)
			<-release
			return "full", nil
		}, nil)
	}()
	<-started

	result, err := m.ExecuteCall(context.Background(), "search", succeedingOp("full"), "q")
	require.NoError(t, err)
	assert.Equal(t, "partial-results", result)
	require.Error(t, rejectionCause)
	assert.Equal(t, "BULKHEAD_FULL", errors.GetCode(rejectionCause))

	close(release)

	status := m.GetCircuitStatus("search")
	assert.Equal(t, int64(1), status.Stats.RejectedCalls)
	assert.Equal(t, StateClosed, status.State, "bulkhead rejections do not count against the breaker")
}

func TestManager_Bulkhead_RejectsWithoutFallback(t *testing.T) {
	cfg := testDependencyConfig("search")
	cfg.BulkheadEnabled = true
	cfg.MaxConcurrentCalls = 1
	cfg.QueueSize = 0
	m := newTestManager(t, cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		m.ExecuteCall(context.Background(), "search", func(ctx context.Context) (interface{}, error) { //nolint:errcheck
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	_, err := m.ExecuteCall(context.Background(), "search", succeedingOp("x"), nil)
	require.Error(t, err)
	assert.Equal(t, "BULKHEAD_FULL", errors.GetCode(err))

	close(release)
}

func TestManager_ResetCircuit(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "database", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}
	require.Equal(t, StateOpen, m.GetCircuitStatus("database").State)

	require.NoError(t, m.ResetCircuit("database"))
	status := m.GetCircuitStatus("database")
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 0, status.FailureCount)

	err := m.ResetCircuit("ghost")
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", errors.GetCode(err))
}

func TestManager_ResetCircuit_PurgesFallbackCache(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("payments"), testDependencyConfig("search"))

	invocations := int64(0)
	for _, name := range []string{"payments", "search"} {
		require.NoError(t, m.RegisterFallback(name, func(ctx context.Context, cause error) (interface{}, error) {
			atomic.AddInt64(&invocations, 1)
			return "stale", nil
		}))
		for i := 0; i < 3; i++ {
			m.ExecuteCall(context.Background(), name, failingOp(fmt.Errorf("down")), "k") //nolint:errcheck
		}
	}
	require.Equal(t, int64(2), atomic.LoadInt64(&invocations))

	require.NoError(t, m.ResetCircuit("payments"))

	// payments lost its cached value; opening it again recomputes.
	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), "k") //nolint:errcheck
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&invocations))

	// search kept its entry.
	_, err := m.ExecuteCall(context.Background(), "search", succeedingOp("live"), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&invocations))
}

func TestManager_UpdateCircuitConfig(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	threshold := 7
	timeout := 250 * time.Millisecond
	err := m.UpdateCircuitConfig("database", ConfigUpdate{
		FailureThreshold: &threshold,
		Timeout:          &timeout,
	})
	require.NoError(t, err)

	updated := m.GetCircuitStatus("database").Config
	assert.Equal(t, 7, updated.FailureThreshold)
	assert.Equal(t, 250*time.Millisecond, updated.Timeout)
	assert.Equal(t, 2, updated.SuccessThreshold, "unset fields keep their values")
}

func TestManager_UpdateCircuitConfig_Validation(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	bad := -1
	err := m.UpdateCircuitConfig("database", ConfigUpdate{FailureThreshold: &bad})
	require.Error(t, err)
	assert.Equal(t, "INVALID_CONFIG", errors.GetCode(err))

	// The stored config is untouched after a rejected update.
	assert.Equal(t, 3, m.GetCircuitStatus("database").Config.FailureThreshold)

	err = m.UpdateCircuitConfig("ghost", ConfigUpdate{})
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", errors.GetCode(err))
}

func TestManager_UpdateCircuitConfig_RebuildsBulkhead(t *testing.T) {
	cfg := testDependencyConfig("search")
	cfg.BulkheadEnabled = true
	cfg.MaxConcurrentCalls = 2
	m := newTestManager(t, cfg)

	maxCalls := 8
	queue := 4
	err := m.UpdateCircuitConfig("search", ConfigUpdate{
		MaxConcurrentCalls: &maxCalls,
		QueueSize:          &queue,
	})
	require.NoError(t, err)

	status := m.GetCircuitStatus("search")
	require.NotNil(t, status.Bulkhead)
	assert.Equal(t, 8, status.Bulkhead.MaxConcurrentCalls)
	assert.Equal(t, 4, status.Bulkhead.QueueSize)

	disabled := false
	err = m.UpdateCircuitConfig("search", ConfigUpdate{BulkheadEnabled: &disabled})
	require.NoError(t, err)
	assert.Nil(t, m.GetCircuitStatus("search").Bulkhead)
}

func TestManager_GetCircuitStatus_Unknown(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.GetCircuitStatus("ghost"))
}

func TestManager_GetAllCircuitsStatus(t *testing.T) {
	m := newTestManager(t,
		testDependencyConfig("database"),
		testDependencyConfig("external-api"),
		testDependencyConfig("message-queue"),
	)

	all := m.GetAllCircuitsStatus()
	require.Len(t, all, 3)
	for _, name := range []string{"database", "external-api", "message-queue"} {
		status, ok := all[name]
		require.True(t, ok, "missing status for %s", name)
		assert.Equal(t, name, status.Name)
		assert.Equal(t, StateClosed, status.State)
	}
}

func TestManager_GetStatus(t *testing.T) {
	m := newTestManager(t,
		testDependencyConfig("database"),
		testDependencyConfig("payments"),
		testDependencyConfig("search"),
	)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	_, err := m.ExecuteCall(context.Background(), "database", succeedingOp("ok"), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}

	status := m.GetStatus()
	assert.True(t, status.Running)
	assert.Greater(t, int64(status.Uptime), int64(0))
	assert.Equal(t, 3, status.TotalCircuits)
	assert.Equal(t, 2, status.CircuitsByState["CLOSED"])
	assert.Equal(t, 1, status.CircuitsByState["OPEN"])
	assert.Equal(t, float64(0), status.RecoveryRate)
	assert.Equal(t, int64(4), status.Stats.TotalCalls)
	assert.Equal(t, int64(1), status.Stats.SuccessfulCalls)
	assert.Equal(t, int64(3), status.Stats.FailedCalls)
}

func TestManager_GetStatus_RecoveryRate(t *testing.T) {
	cfg := testDependencyConfig("payments")
	cfg.RecoveryTimeout = 20 * time.Millisecond
	m := newTestManager(t, cfg, testDependencyConfig("database"))

	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "payments", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}
	for i := 0; i < 3; i++ {
		m.ExecuteCall(context.Background(), "database", failingOp(fmt.Errorf("down")), nil) //nolint:errcheck
	}

	time.Sleep(30 * time.Millisecond)
	// One breaker probes and reaches HALF_OPEN; the other stays OPEN.
	_, err := m.ExecuteCall(context.Background(), "payments", succeedingOp("ok"), nil)
	require.NoError(t, err)

	status := m.GetStatus()
	assert.Equal(t, 1, status.CircuitsByState["HALF_OPEN"])
	assert.InDelta(t, 0.5, status.RecoveryRate, 0.001)
}

func TestManager_StartStop(t *testing.T) {
	m := newTestManager(t, testDependencyConfig("database"))

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()), "Start is idempotent")
	assert.True(t, m.GetStatus().Running)

	m.Stop()
	m.Stop() // safe to call twice
	assert.False(t, m.GetStatus().Running)
}

func TestManager_ConcurrentExecute(t *testing.T) {
	cfg := testDependencyConfig("database")
	cfg.FailureThreshold = 1000 // keep the breaker closed under mixed load
	m := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if (n+j)%5 == 0 {
					m.ExecuteCall(context.Background(), "database", failingOp(fmt.Errorf("flaky")), nil) //nolint:errcheck
				} else {
					m.ExecuteCall(context.Background(), "database", succeedingOp("ok"), nil) //nolint:errcheck
				}
			}
		}(i)
	}
	wg.Wait()

	status := m.GetCircuitStatus("database")
	assert.Equal(t, int64(500), status.Stats.TotalCalls)
	assert.Equal(t, int64(100), status.Stats.FailedCalls)
	assert.Equal(t, int64(400), status.Stats.SuccessfulCalls)

	global := m.GetStatus()
	assert.Equal(t, int64(500), global.Stats.TotalCalls)
}

func TestDefaultDependencies(t *testing.T) {
	deps := DefaultDependencies()
	require.Len(t, deps, 3)

	byName := make(map[string]DependencyConfig, len(deps))
	for _, d := range deps {
		require.NoError(t, d.Validate())
		byName[d.Name] = d
	}

	assert.Equal(t, 5*time.Second, byName["database"].Timeout)
	assert.Equal(t, 3, byName["database"].FailureThreshold)
	assert.Equal(t, 10*time.Second, byName["external-api"].Timeout)
	assert.Equal(t, 5, byName["external-api"].FailureThreshold)
	assert.Equal(t, 3*time.Second, byName["message-queue"].Timeout)
	assert.Equal(t, 2, byName["message-queue"].FailureThreshold)
}
