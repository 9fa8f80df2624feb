package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"river/internal/config"
)

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.RateLimitConfig{RPS: 2, CleanupInterval: 30})
	assert.Equal(t, 2.0, cfg.RPS)
	assert.Equal(t, DefaultConfig().Burst, cfg.Burst)
	assert.Equal(t, 30*time.Second, cfg.CleanupInterval)
	assert.Equal(t, DefaultConfig().MaxAge, cfg.MaxAge)
}

func TestRateLimitMiddlewareLimitsPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := gin.New()
	router.Use(RateLimitMiddleware(ctx, RateLimitConfig{RPS: 0.001, Burst: 2, CleanupInterval: time.Hour, MaxAge: time.Hour}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000").Code)

	w := do("10.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000").Code, "other clients keep their own bucket")
}

func TestEvictIdle(t *testing.T) {
	cs := &clients{cfg: RateLimitConfig{RPS: 1, Burst: 1, MaxAge: time.Minute}, byIP: make(map[string]*client)}
	now := time.Now()

	cs.get("a", now.Add(-2*time.Minute))
	cs.get("b", now)
	cs.evictIdle(now)

	assert.NotContains(t, cs.byIP, "a")
	assert.Contains(t, cs.byIP, "b")
}
