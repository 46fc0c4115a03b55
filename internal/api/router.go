package api

import (
	"github.com/gin-gonic/gin"

	"github.com/fusebox-dev/fusebox/internal/middleware"
	"github.com/fusebox-dev/fusebox/pkg/config"
	"github.com/fusebox-dev/fusebox/pkg/logging"
	"github.com/fusebox-dev/fusebox/pkg/metrics"
	"github.com/fusebox-dev/fusebox/pkg/resilience"
	"github.com/fusebox-dev/fusebox/pkg/security"
	"github.com/fusebox-dev/fusebox/pkg/tracing"
)

// RouterDeps carries the wired components the admin API serves
type RouterDeps struct {
	Manager *resilience.Manager
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
	Limiter *security.RateLimiter
}

// NewRouter creates and configures the admin API router
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	// Add middleware
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.ErrorLoggingMiddleware(logger))
	for _, mw := range security.SecurityMiddleware(security.DefaultSecurityHeadersConfig()) {
		router.Use(mw)
	}
	if deps.Limiter != nil {
		router.Use(deps.Limiter.RateLimitMiddleware())
	}
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}

	handler := NewCircuitHandler(deps.Manager)

	// Health check endpoint (no auth required)
	router.GET("/health", handler.Health)

	// Prometheus scrape endpoint (no auth required)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthRequired(cfg.Auth.JWTSecret))
	{
		circuits := v1.Group("/circuits")
		{
			circuits.POST("", handler.CreateCircuit)
			circuits.GET("", handler.ListCircuits)
			circuits.GET("/:name", handler.GetCircuit)
			circuits.POST("/:name/reset", handler.ResetCircuit)
			circuits.PATCH("/:name/config", handler.UpdateConfig)
		}

		v1.GET("/status", handler.GetStatus)
	}

	// 404 handler
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
