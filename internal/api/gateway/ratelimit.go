// Package gateway rate limits scan requests with Redis fixed-window counters.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const window = time.Minute

// RateLimiter counts requests per tier, client and endpoint in Redis.
type RateLimiter struct {
	logger *zap.Logger
	config RateLimitConfig
	// incr counts one request against key and returns the running count and the
	// time left in the window.
	incr func(ctx context.Context, key string) (int, time.Duration, error)
}

// RateLimitConfig holds tier and endpoint limits.
type RateLimitConfig struct {
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits is the per-minute budget of one client tier.
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits caps or weights one method and path.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult reports one counter check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// NewRateLimiter fills unset limits with the defaults.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 120
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		logger: logger,
		config: cfg,
		incr: func(ctx context.Context, key string) (int, time.Duration, error) {
			vals, err := incrScript.Run(ctx, redisClient, []string{key}, window.Milliseconds()).Int64Slice()
			if err != nil {
				return 0, 0, err
			}
			if len(vals) != 2 {
				return 0, 0, fmt.Errorf("unexpected rate limit script reply %v", vals)
			}
			return int(vals[0]), time.Duration(vals[1]) * time.Millisecond, nil
		},
	}
}

// DefaultTiers returns default tier configurations. Browser extensions scan on
// every navigation, so even the free tier allows a burst of tabs.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free":       {RequestsPerMinute: 60},
		"basic":      {RequestsPerMinute: 300},
		"enterprise": {RequestsPerMinute: 3000},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits for scanning
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/scan": {
			Path:              "/scan",
			Method:            http.MethodPost,
			RequestsPerMinute: 600,
			CostMultiplier:    1,
		},
		"POST:/api/v1/scan": {
			Path:              "/api/v1/scan",
			Method:            http.MethodPost,
			RequestsPerMinute: 600,
			CostMultiplier:    1,
		},
	}
}

// Check performs a rate limit check. Counter failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(rl.getTierLimits(tier), rl.getEndpointLimits(endpoint, method))

	key := fmt.Sprintf("raksha:ratelimit:%s:%s:%s:minute", tier, clientID, endpoint)
	now := time.Now()

	count, ttl, err := rl.incr(ctx, key)
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit, Tier: tier}, nil
	}
	if ttl <= 0 {
		ttl = window
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	if limits, ok := rl.config.Tiers["free"]; ok {
		return limits
	}
	return TierLimits{RequestsPerMinute: rl.config.DefaultRequestsPerMinute}
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

// effectiveLimit is the tier's per-minute limit, lowered by a stricter endpoint
// limit and divided by the endpoint's cost. It never drops below one.
func (rl *RateLimiter) effectiveLimit(tier TierLimits, endpoint *EndpointLimits) int {
	limit := tier.RequestsPerMinute
	if limit <= 0 {
		limit = rl.config.DefaultRequestsPerMinute
	}
	if endpoint != nil {
		if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < limit {
			limit = endpoint.RequestsPerMinute
		}
		if endpoint.CostMultiplier > 1 {
			limit /= endpoint.CostMultiplier
		}
	}
	return max(limit, 1)
}

// Middleware rejects over-budget requests with 429. A nil getClientID keys on ClientIP.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := getTier(r)
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = ClientIP(r)
			}

			result, err := rl.Check(r.Context(), tier, clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     result.Reason,
					"retry_after": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first forwarded address, or the connection's host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
