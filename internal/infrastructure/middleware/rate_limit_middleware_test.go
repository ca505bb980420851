package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wanderlink/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedRouter(cfg *config.Config, handler gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	if handler == nil {
		handler = ok
	}
	router.GET("/api/v1/calls/current", handler)
	router.GET("/ready", ok)
	return router
}

func strictConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	return cfg
}

func get(router *gin.Engine, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	return perform(router, req)
}

func TestRateLimit_DisabledPassesEverything(t *testing.T) {
	cfg := strictConfig()
	cfg.RateLimiting.Enabled = false
	router := limitedRouter(cfg, nil)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/api/v1/calls/current", "10.0.0.1:5000").Code)
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	router := limitedRouter(strictConfig(), nil)

	assert.Equal(t, http.StatusOK, get(router, "/api/v1/calls/current", "10.0.0.1:5000").Code)

	w := get(router, "/api/v1/calls/current", "10.0.0.1:5001")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])

	// another address has its own bucket
	assert.Equal(t, http.StatusOK, get(router, "/api/v1/calls/current", "10.0.0.2:5000").Code)
}

func TestRateLimit_ProbesAreExempt(t *testing.T) {
	router := limitedRouter(strictConfig(), nil)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "/ready", "10.0.0.1:5000").Code)
	}
	assert.Equal(t, http.StatusOK, get(router, "/api/v1/calls/current", "10.0.0.1:5000").Code)
}

func TestRateLimit_MaxConcurrent(t *testing.T) {
	cfg := strictConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 100
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	entered := make(chan struct{})
	release := make(chan struct{})
	router := limitedRouter(cfg, func(c *gin.Context) {
		entered <- struct{}{}
		<-release
		c.Status(http.StatusOK)
	})

	first := make(chan int, 1)
	go func() {
		first <- get(router, "/api/v1/calls/current", "10.0.0.1:5000").Code
	}()
	<-entered

	w := get(router, "/api/v1/calls/current", "10.0.0.2:5000")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-first)
}

func TestClientLimiters_EvictIdleClients(t *testing.T) {
	limiters := newClientLimiters(1, 1)
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	limiters.now = func() time.Time { return clock }

	assert.True(t, limiters.allow("10.0.0.1"))
	assert.True(t, limiters.allow("10.0.0.2"))
	assert.False(t, limiters.allow("10.0.0.1"))
	assert.Equal(t, 2, limiters.size())

	clock = clock.Add(2 * limiterIdleTTL)
	assert.True(t, limiters.allow("10.0.0.3"))
	assert.Equal(t, 1, limiters.size())
}
