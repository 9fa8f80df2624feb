// Package ratelimit throttles the admin API per client IP.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"river/internal/config"
	"river/pkg/errors"
	"river/pkg/metrics"
)

type RateLimitConfig struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// FromSettings overlays the non-zero management settings on the defaults.
// Cleanup interval and max age are given in seconds.
func FromSettings(cfg config.RateLimitConfig) RateLimitConfig {
	out := DefaultConfig()
	if cfg.RPS > 0 {
		out.RPS = cfg.RPS
	}
	if cfg.Burst > 0 {
		out.Burst = cfg.Burst
	}
	if cfg.CleanupInterval > 0 {
		out.CleanupInterval = time.Duration(cfg.CleanupInterval) * time.Second
	}
	if cfg.MaxAge > 0 {
		out.MaxAge = time.Duration(cfg.MaxAge) * time.Second
	}
	return out
}

type client struct {
	limiter  *rate.Limiter
	lastSeen seenAt
}

type seenAt struct {
	mu sync.Mutex
	t  time.Time
}

func (a *seenAt) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *seenAt) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// clients holds one token bucket per IP.
type clients struct {
	cfg RateLimitConfig

	mu   sync.RWMutex
	byIP map[string]*client
}

func (cs *clients) get(ip string, now time.Time) *client {
	cs.mu.RLock()
	c, ok := cs.byIP[ip]
	cs.mu.RUnlock()

	if !ok {
		cs.mu.Lock()
		if c, ok = cs.byIP[ip]; !ok {
			c = &client{limiter: rate.NewLimiter(rate.Limit(cs.cfg.RPS), cs.cfg.Burst)}
			cs.byIP[ip] = c
		}
		cs.mu.Unlock()
	}

	c.lastSeen.set(now)
	return c
}

func (cs *clients) evictIdle(now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for ip, c := range cs.byIP {
		if now.Sub(c.lastSeen.get()) > cs.cfg.MaxAge {
			delete(cs.byIP, ip)
		}
	}
}

func (cs *clients) sweep(ctx context.Context) {
	ticker := time.NewTicker(cs.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cs.evictIdle(now)
		}
	}
}

// RateLimitMiddleware limits requests per client IP. Idle clients are
// evicted until ctx is done.
func RateLimitMiddleware(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	cs := &clients{cfg: cfg, byIP: make(map[string]*client)}
	go cs.sweep(ctx)

	limit := strconv.Itoa(int(cfg.RPS))

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = c.RemoteIP()
		}
		bucket := cs.get(ip, time.Now()).limiter

		c.Header("X-RateLimit-Limit", limit)
		if !bucket.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(errors.ErrRateLimited.Status, errors.ToErrorResponse(errors.ErrRateLimited))
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(int(bucket.Tokens()), 0)))
		c.Next()
	}
}
