package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}
}

// client tracks the remaining budget for one caller. Tokens refill lazily
// on each request based on elapsed time.
type client struct {
	budget float64
	seen   time.Time
}

type limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    float64
	burst   float64
	sweepAt time.Time
}

// clientTTL is how long an idle client entry survives before the sweep
// discards it.
const clientTTL = 10 * time.Minute

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		clients: make(map[string]*client),
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.BurstSize),
		sweepAt: time.Now().Add(clientTTL),
	}
}

// take consumes one token for key. It reports whether the request is
// admitted and, when it is not, how many seconds the caller should wait.
func (l *limiter) take(key string) (bool, int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, cl := range l.clients {
			if now.Sub(cl.seen) > clientTTL {
				delete(l.clients, k)
			}
		}
		l.sweepAt = now.Add(clientTTL)
	}

	cl, ok := l.clients[key]
	if !ok {
		cl = &client{budget: l.burst, seen: now}
		l.clients[key] = cl
	}

	cl.budget = math.Min(l.burst, cl.budget+now.Sub(cl.seen).Seconds()*l.rate)
	cl.seen = now

	if cl.budget < 1 {
		wait := 1
		if l.rate > 0 {
			wait = int(math.Ceil((1 - cl.budget) / l.rate))
		}
		return false, wait
	}
	cl.budget--
	return true, 0
}

// RateLimit returns a per-client-IP rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	lim := newLimiter(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)

			ok, wait := lim.take(c.RealIP())
			if !ok {
				h.Set("Retry-After", strconv.Itoa(wait))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
