// Package resilience protects calls to external dependencies with
// circuit breakers, concurrency bulkheads, fallbacks, health probing and
// adaptive threshold tuning.
//
// All machinery hangs off an explicit Manager instance; there is no
// package-level registry.
//
// # Circuit Breaker Pattern
//
// Each dependency gets a breaker that moves between CLOSED, OPEN and
// HALF_OPEN. Consecutive failures open it; after the recovery timeout it
// admits trial calls and closes again once enough of them succeed.
//
//	mgr := resilience.NewManager(resilience.DefaultConfig(), nil)
//	_, err := mgr.CreateCircuitBreaker(resilience.DependencyConfig{
//		Name:             "payments",
//		Timeout:          2 * time.Second,
//		FailureThreshold: 3,
//		SuccessThreshold: 2,
//		RecoveryTimeout:  30 * time.Second,
//	})
//
// # Protected Calls
//
// ExecuteCall runs an operation behind the breaker, a bulkhead bounding
// concurrent calls, and a hard timeout. The call key identifies the
// logical request for fallback caching.
//
//	result, err := mgr.ExecuteCall(ctx, "payments", func(ctx context.Context) (interface{}, error) {
//		return paymentsClient.Charge(ctx, order)
//	}, order.ID)
//
// # Fallbacks
//
// A registered fallback serves degraded results while the dependency is
// unavailable; successful fallback values are cached with a TTL.
//
//	mgr.RegisterFallback("payments", func(ctx context.Context, cause error) (interface{}, error) {
//		return queuedReceipt(order), nil
//	})
//
// # Health Probing and Adaptive Tuning
//
// Registered probes run in the background and record failures against
// the breaker, so a dead dependency opens its circuit without caller
// traffic. The adaptive tuner watches recent failure rates and nudges
// failure thresholds between a floor and a ceiling.
//
//	mgr.RegisterHealthCheck("payments", probes.HTTP("https://payments.internal/healthz"))
//	mgr.Start(ctx)
//	defer mgr.Stop()
//
// State transitions are observable through Subscribe; consumers that
// fall behind lose events rather than slow the core down.
package resilience
