package security

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/fusebox-dev/fusebox/pkg/logging"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Global rate limits across all clients
	GlobalRPS    int
	GlobalBurst  int
	GlobalWindow time.Duration

	// Per-IP rate limits
	PerIPRPS    int
	PerIPBurst  int
	PerIPWindow time.Duration

	// IPs that bypass rate limiting
	WhitelistedIPs []string

	// Redis client for distributed rate limiting. When nil, or when
	// Redis is unreachable, counting falls back to process-local state.
	RedisClient *redis.Client
	KeyPrefix   string
}

// DefaultRateLimitConfig returns a default rate limiting configuration
// sized for the admin API
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:      500,
		GlobalBurst:    1000,
		GlobalWindow:   time.Minute,
		PerIPRPS:       50,
		PerIPBurst:     100,
		PerIPWindow:    time.Minute,
		WhitelistedIPs: []string{"127.0.0.1", "::1"},
		KeyPrefix:      "fusebox:ratelimit:",
	}
}

// limitRule is one rate limit to enforce
type limitRule struct {
	RPS    int
	Burst  int
	Window time.Duration
}

// localCounter is the process-local fallback window counter
type localCounter struct {
	mu     sync.Mutex
	count  int
	window time.Time
}

// RateLimiter enforces fixed-window rate limits, distributed through
// Redis when configured and process-local otherwise
type RateLimiter struct {
	config      RateLimitConfig
	redisClient *redis.Client
	localCache  *sync.Map
	logger      *logging.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &RateLimiter{
		config:      config,
		redisClient: config.RedisClient,
		localCache:  &sync.Map{},
		logger:      logger,
	}
}

// RateLimitMiddleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if rl.isWhitelisted(clientIP) {
			c.Next()
			return
		}

		limits := []struct {
			key    string
			rule   limitRule
			reason string
		}{
			{
				key:    "ip:" + clientIP,
				rule:   limitRule{RPS: rl.config.PerIPRPS, Burst: rl.config.PerIPBurst, Window: rl.config.PerIPWindow},
				reason: "ip",
			},
			{
				key:    "global",
				rule:   limitRule{RPS: rl.config.GlobalRPS, Burst: rl.config.GlobalBurst, Window: rl.config.GlobalWindow},
				reason: "global",
			},
		}

		for _, l := range limits {
			if l.rule.RPS == 0 {
				continue
			}

			allowed, remaining, resetTime := rl.checkLimit(c.Request.Context(), l.key, l.rule)

			c.Header("X-RateLimit-Limit", strconv.Itoa(l.rule.RPS))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

			if !allowed {
				rl.logger.WithFields(map[string]interface{}{
					"client_ip":  clientIP,
					"path":       c.Request.URL.Path,
					"limit_type": l.reason,
					"limit_rps":  l.rule.RPS,
				}).Warn("Rate limit exceeded")

				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":       "Rate limit exceeded",
					"limit_type":  l.reason,
					"retry_after": int(time.Until(resetTime).Seconds()),
				})
				c.Abort()
				return
			}
		}

		c.Next()
	}
}

// checkLimit counts this request against the limit and reports whether
// it is allowed. Redis errors degrade to the local counter rather than
// blocking or waving traffic through.
func (rl *RateLimiter) checkLimit(ctx context.Context, key string, rule limitRule) (allowed bool, remaining int, resetTime time.Time) {
	fullKey := rl.config.KeyPrefix + key
	windowStart := time.Now().Truncate(rule.Window)
	resetTime = windowStart.Add(rule.Window)

	if rl.redisClient != nil {
		allowed, remaining, err := rl.checkLimitRedis(ctx, fullKey, rule, resetTime)
		if err == nil {
			return allowed, remaining, resetTime
		}
		rl.logger.WithError(err).Debug("Redis rate limit check failed, using local counter")
	}

	allowed, remaining = rl.checkLimitLocal(fullKey, rule, windowStart)
	return allowed, remaining, resetTime
}

// checkLimitRedis counts in Redis so limits hold across instances
func (rl *RateLimiter) checkLimitRedis(ctx context.Context, key string, rule limitRule, resetTime time.Time) (bool, int, error) {
	pipe := rl.redisClient.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetTime)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := int(incrCmd.Val())
	remaining := rule.Burst - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= rule.Burst, remaining, nil
}

// checkLimitLocal counts in process-local state
func (rl *RateLimiter) checkLimitLocal(key string, rule limitRule, windowStart time.Time) (bool, int) {
	value, _ := rl.localCache.LoadOrStore(key, &localCounter{window: windowStart})
	counter := value.(*localCounter)

	counter.mu.Lock()
	defer counter.mu.Unlock()

	if counter.window.Before(windowStart) {
		counter.count = 0
		counter.window = windowStart
	}

	counter.count++
	remaining := rule.Burst - counter.count
	if remaining < 0 {
		remaining = 0
	}

	return counter.count <= rule.Burst, remaining
}

// isWhitelisted checks if an IP bypasses rate limiting
func (rl *RateLimiter) isWhitelisted(ip string) bool {
	for _, whiteIP := range rl.config.WhitelistedIPs {
		if ip == whiteIP {
			return true
		}
	}
	return false
}
