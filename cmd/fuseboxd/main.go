package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/fusebox-dev/fusebox/internal/api"
	"github.com/fusebox-dev/fusebox/internal/notifications"
	"github.com/fusebox-dev/fusebox/internal/notifications/channels"
	"github.com/fusebox-dev/fusebox/pkg/config"
	"github.com/fusebox-dev/fusebox/pkg/logging"
	"github.com/fusebox-dev/fusebox/pkg/metrics"
	"github.com/fusebox-dev/fusebox/pkg/probes"
	"github.com/fusebox-dev/fusebox/pkg/resilience"
	"github.com/fusebox-dev/fusebox/pkg/security"
	"github.com/fusebox-dev/fusebox/pkg/tracing"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "fusebox",
		Version:     cfg.Version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	manager := resilience.NewManager(cfg.Resilience.ManagerConfig(), logger)

	if cfg.Resilience.DefaultCircuits {
		for _, dep := range resilience.DefaultDependencies() {
			if _, err := manager.CreateCircuitBreaker(dep); err != nil {
				log.Fatalf("Failed to register circuit %s: %v", dep.Name, err)
			}
		}
	}

	// Redis backs distributed rate limiting and gets its own circuit probe
	var redisClient *redisv8.Client
	if cfg.Redis.Enabled() {
		redisClient = redisv8.NewClient(&redisv8.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis health check failed: %v", err)
		}
		cancel()

		log.Println("Redis connection established")

		probeClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer probeClient.Close()

		ensureCircuit(manager, "redis")
		if err := manager.RegisterHealthCheck("redis", probes.Redis(probeClient)); err != nil {
			log.Fatalf("Failed to register redis probe: %v", err)
		}
	}

	// The database handle is opened for health probing only
	if cfg.Database.Enabled() {
		db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Failed to open database handle: %v", err)
		}
		defer db.Close()

		ensureCircuit(manager, "database")
		if err := manager.RegisterHealthCheck("database", probes.SQL(db)); err != nil {
			log.Fatalf("Failed to register database probe: %v", err)
		}
	}

	for _, target := range cfg.Probes {
		ensureCircuit(manager, target.Dependency)
		if err := manager.RegisterHealthCheck(target.Dependency, probes.HTTP(target.URL, nil)); err != nil {
			log.Fatalf("Failed to register probe for %s: %v", target.Dependency, err)
		}
	}

	if err := manager.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start resilience manager: %v", err)
	}
	defer manager.Stop()

	var promMetrics *metrics.Metrics
	if cfg.Metrics.Enabled {
		promMetrics = metrics.NewMetrics(&metrics.Config{
			Namespace: cfg.Metrics.Namespace,
			Enabled:   true,
		})
		collector := metrics.NewCollector(manager, promMetrics, cfg.Resilience.MetricsInterval)
		collector.Start(context.Background())
		defer collector.Stop()
	}

	tracingService, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "fusebox",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingService.Shutdown(ctx); err != nil {
			log.Printf("Tracing shutdown failed: %v", err)
		}
	}()

	if cfg.Notifications.Enabled() {
		notifier := buildNotifier(cfg)
		events, unsubscribe := manager.Subscribe(cfg.Resilience.EventBuffer)
		defer unsubscribe()

		notifyCtx, stopNotifier := context.WithCancel(context.Background())
		defer stopNotifier()
		go notifier.Run(notifyCtx, events)
	}

	rateLimitConfig := security.DefaultRateLimitConfig()
	rateLimitConfig.RedisClient = redisClient
	limiter := security.NewRateLimiter(rateLimitConfig, logger)

	router := api.NewRouter(cfg, api.RouterDeps{
		Manager: manager,
		Logger:  logger,
		Metrics: promMetrics,
		Tracing: tracingService,
		Limiter: limiter,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting admin API server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// ensureCircuit registers a breaker with default settings when no
// configuration exists for the dependency yet.
func ensureCircuit(manager *resilience.Manager, name string) {
	if manager.GetCircuitStatus(name) != nil {
		return
	}
	if _, err := manager.CreateCircuitBreaker(resilience.DefaultDependencyConfig(name)); err != nil {
		log.Fatalf("Failed to register circuit %s: %v", name, err)
	}
}

func buildNotifier(cfg *config.Config) *notifications.Service {
	zapLogger := newZapLogger(cfg)

	service := notifications.NewService(zapLogger, nil)
	service.RegisterChannelHandler(channels.NewSlackHandler(zapLogger))
	service.RegisterChannelHandler(channels.NewWebhookHandler(zapLogger))

	if cfg.Notifications.SlackWebhookURL != "" {
		service.AddChannel(notifications.NotificationChannel{
			Type:    notifications.ChannelTypeSlack,
			Name:    "slack",
			Enabled: true,
			Config: notifications.ChannelConfig{
				SlackWebhookURL: cfg.Notifications.SlackWebhookURL,
				SlackChannel:    cfg.Notifications.SlackChannel,
				SlackUsername:   "fusebox",
			},
			Preferences: notifications.Preferences{MinInterval: cfg.Notifications.MinInterval},
		})
	}

	if cfg.Notifications.WebhookURL != "" {
		service.AddChannel(notifications.NotificationChannel{
			Type:    notifications.ChannelTypeWebhook,
			Name:    "webhook",
			Enabled: true,
			Config: notifications.ChannelConfig{
				WebhookURL:    cfg.Notifications.WebhookURL,
				WebhookSecret: cfg.Notifications.WebhookSecret,
			},
			Preferences: notifications.Preferences{MinInterval: cfg.Notifications.MinInterval},
		})
	}

	return service
}

func newZapLogger(cfg *config.Config) *zap.Logger {
	var (
		zapLogger *zap.Logger
		err       error
	)
	if cfg.IsProduction() {
		zapLogger, err = zap.NewProduction()
	} else {
		zapLogger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize notification logger: %v", err)
	}
	return zapLogger
}
