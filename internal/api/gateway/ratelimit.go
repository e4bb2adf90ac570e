// Package gateway provides rate limiting for the operator API
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counter counts hits in a fixed window. The first hit of a window starts
// its expiry.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// RateLimiter limits requests per client and endpoint over a fixed window
type RateLimiter struct {
	counter Counter
	logger  *zap.Logger
	config  RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Requests allowed per window unless an endpoint overrides it
	Requests       int                       `yaml:"requests" validate:"gte=0"`
	Window         time.Duration             `yaml:"window"`
	Endpoints      map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders bool                      `yaml:"include_headers"`
	KeyPrefix      string                    `yaml:"key_prefix"`
}

// EndpointLimits overrides the limit for one "METHOD:/path" key
type EndpointLimits struct {
	Requests int `yaml:"requests"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// DefaultRateLimitConfig allows a handful of manual triggers per minute
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests:       10,
		Window:         time.Minute,
		IncludeHeaders: true,
		KeyPrefix:      "threatpulse:ratelimit:",
		Endpoints: map[string]EndpointLimits{
			"POST:/api/v1/cleanup/trigger": {Requests: 2},
		},
	}
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(counter Counter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.Requests <= 0 {
		cfg.Requests = def.Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{counter: counter, logger: logger, config: cfg}
}

// Check counts a request and reports whether it is within the limit.
// Counter failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.limitFor(endpoint, method)
	key := rl.config.KeyPrefix + method + ":" + endpoint + ":" + clientID

	now := time.Now()
	count, ttl, err := rl.counter.Incr(ctx, key, rl.config.Window)
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}
	}
	if ttl <= 0 {
		ttl = rl.config.Window
	}

	res := &RateLimitResult{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(limit-int(count), 0),
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

func (rl *RateLimiter) limitFor(endpoint, method string) int {
	if l, ok := rl.config.Endpoints[method+":"+endpoint]; ok && l.Requests > 0 {
		return l.Requests
	}
	return rl.config.Requests
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r), r.URL.Path, r.Method)

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}
		}

		if !result.Allowed {
			retry := int(result.RetryAfter.Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":  "error",
				"message": "rate limit exceeded",
				"result":  map[string]int{"retry_after": retry},
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP keys on the connection peer. Forwarding headers are client
// controlled and would let a caller pick a fresh bucket per request.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RedisCounter is a Counter backed by a Redis INCR/PEXPIRE script
type RedisCounter struct {
	client redis.UniversalClient
}

// NewRedisCounter creates a Redis counter
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments key and returns the count and remaining window
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("rate limit script returned %d values", len(vals))
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}
