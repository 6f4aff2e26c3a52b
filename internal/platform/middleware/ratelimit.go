package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/billing/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxKeys bounds the number of tracked callers; the least recently seen
	// are evicted first.
	MaxKeys int
	// IdleTTL drops a caller's limiter after this long without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		MaxKeys:           10000,
		IdleTTL:           10 * time.Minute,
	}
}

type limiterStore struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	cfg      RateLimitConfig
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	def := DefaultRateLimitConfig()
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &limiterStore{
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, cfg.IdleTTL),
		cfg:      cfg,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
	s.limiters.Add(key, l)
	return l
}

// RateLimit limits requests per caller. Authenticated callers are keyed by
// user id, anonymous ones by client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			limiter := store.get(key)
			now := time.Now()
			res := limiter.ReserveN(now, 1)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			if delay := res.DelayFrom(now); delay > 0 {
				res.CancelAt(now)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			return next(c)
		}
	}
}
