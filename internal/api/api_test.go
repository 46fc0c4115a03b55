package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusebox-dev/fusebox/internal/middleware"
	"github.com/fusebox-dev/fusebox/pkg/config"
	"github.com/fusebox-dev/fusebox/pkg/logging"
	"github.com/fusebox-dev/fusebox/pkg/metrics"
	"github.com/fusebox-dev/fusebox/pkg/resilience"
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

func testConfig(secret string) *config.Config {
	return &config.Config{
		Environment: "test",
		Logging:     config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"},
		Auth:        config.AuthConfig{JWTSecret: secret, JWTExpiration: time.Hour},
	}
}

func startedManager(t *testing.T) *resilience.Manager {
	t.Helper()

	manager := resilience.NewManager(resilience.Config{}, testLogger())
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)
	return manager
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) apiEnvelope {
	t.Helper()

	var envelope apiEnvelope
	require.NoError(t, json.Unmarshal(body.Bytes(), &envelope))
	return envelope
}

func postJSON(router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealth_Running(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := get(router, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealth_NotRunning(t *testing.T) {
	manager := resilience.NewManager(resilience.Config{}, testLogger())
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := get(router, "/health")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SERVICE_UNAVAILABLE")
}

func TestCreateCircuit(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := postJSON(router, "/api/v1/circuits", resilience.DependencyConfig{
		Name:             "payments",
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Second,
	})

	require.Equal(t, http.StatusCreated, w.Code)
	envelope := decodeEnvelope(t, w.Body)
	assert.True(t, envelope.Success)
	assert.Contains(t, string(envelope.Data), `"payments"`)
	assert.NotNil(t, manager.GetCircuitStatus("payments"))
}

func TestCreateCircuit_Duplicate(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	cfg := resilience.DependencyConfig{
		Name:             "payments",
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Second,
	}

	first := postJSON(router, "/api/v1/circuits", cfg)
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(router, "/api/v1/circuits", cfg)
	assert.Equal(t, http.StatusConflict, second.Code)

	envelope := decodeEnvelope(t, second.Body)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "CIRCUIT_EXISTS", envelope.Error.Code)
}

func TestCreateCircuit_InvalidConfig(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := postJSON(router, "/api/v1/circuits", resilience.DependencyConfig{
		Name: "broken",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)

	envelope := decodeEnvelope(t, w.Body)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "INVALID_CONFIG", envelope.Error.Code)
}

func TestCreateCircuit_MalformedBody(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/circuits", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "BAD_REQUEST")
}

func TestGetCircuit(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	_, err := manager.CreateCircuitBreaker(resilience.DefaultDependencyConfig("payments"))
	require.NoError(t, err)

	w := get(router, "/api/v1/circuits/payments")

	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w.Body)
	assert.Contains(t, string(envelope.Data), `"CLOSED"`)
}

func TestGetCircuit_Unknown(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := get(router, "/api/v1/circuits/ghost")

	assert.Equal(t, http.StatusNotFound, w.Code)

	envelope := decodeEnvelope(t, w.Body)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", envelope.Error.Code)
}

func TestListCircuits(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	for _, name := range []string{"payments", "inventory"} {
		_, err := manager.CreateCircuitBreaker(resilience.DefaultDependencyConfig(name))
		require.NoError(t, err)
	}

	w := get(router, "/api/v1/circuits")

	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w.Body)

	var circuits map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(envelope.Data, &circuits))
	assert.Len(t, circuits, 2)
	assert.Contains(t, circuits, "payments")
	assert.Contains(t, circuits, "inventory")
}

func TestResetCircuit(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	_, err := manager.CreateCircuitBreaker(resilience.DependencyConfig{
		Name:             "payments",
		Timeout:          100 * time.Millisecond,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})
	require.NoError(t, err)

	boom := func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("connection refused")
	}
	for i := 0; i < 2; i++ {
		_, _ = manager.ExecuteCall(context.Background(), "payments", boom, nil)
	}
	require.Equal(t, resilience.StateOpen, manager.GetCircuitStatus("payments").State)

	w := postJSON(router, "/api/v1/circuits/payments/reset", nil)

	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w.Body)
	assert.Contains(t, string(envelope.Data), `"CLOSED"`)
	assert.Equal(t, resilience.StateClosed, manager.GetCircuitStatus("payments").State)
}

func TestResetCircuit_Unknown(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := postJSON(router, "/api/v1/circuits/ghost/reset", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateConfig(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	_, err := manager.CreateCircuitBreaker(resilience.DefaultDependencyConfig("payments"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/circuits/payments/config",
		strings.NewReader(`{"failure_threshold": 7}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, manager.GetCircuitStatus("payments").Config.FailureThreshold)
}

func TestUpdateConfig_Invalid(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	_, err := manager.CreateCircuitBreaker(resilience.DefaultDependencyConfig("payments"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/circuits/payments/config",
		strings.NewReader(`{"failure_threshold": 0}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CONFIG")
}

func TestManagerStatus(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	_, err := manager.CreateCircuitBreaker(resilience.DefaultDependencyConfig("payments"))
	require.NoError(t, err)

	w := get(router, "/api/v1/status")

	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w.Body)

	var status resilience.ManagerStatus
	require.NoError(t, json.Unmarshal(envelope.Data, &status))
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.TotalCircuits)
}

func TestAuth_RequiredWhenSecretConfigured(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig("admin-secret"), RouterDeps{Manager: manager, Logger: testLogger()})

	// Health stays open
	assert.Equal(t, http.StatusOK, get(router, "/health").Code)

	// API routes reject anonymous requests
	assert.Equal(t, http.StatusUnauthorized, get(router, "/api/v1/circuits").Code)

	token, err := middleware.NewToken("admin-secret", "ops", time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/circuits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNoRoute(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := get(router, "/nope")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Endpoint not found")
}

func TestMetricsEndpoint(t *testing.T) {
	manager := startedManager(t)
	m := metrics.NewMetrics(&metrics.Config{
		Namespace:  "fusebox",
		Enabled:    true,
		Registerer: prometheus.NewRegistry(),
	})
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger(), Metrics: m})

	// Drive one request through the instrumented middleware first
	require.Equal(t, http.StatusOK, get(router, "/health").Code)

	w := get(router, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fusebox_http_requests_total")
}

func TestRequestIDEchoedInEnvelope(t *testing.T) {
	manager := startedManager(t)
	router := NewRouter(testConfig(""), RouterDeps{Manager: manager, Logger: testLogger()})

	w := get(router, "/api/v1/status")

	require.Equal(t, http.StatusOK, w.Code)

	var envelope struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, w.Header().Get("X-Request-ID"), envelope.RequestID)
	assert.NotEmpty(t, envelope.RequestID)
}
