package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classmesh/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func serve(router *gin.Engine, remoteAddr, forwardedFor string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234", ""))
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 1
	cfg.RateLimiting.Burst = 1
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1234", ""))

	// a different client has its own budget
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1234", ""))
}

func TestHTTPRateLimitMiddleware_ForwardedFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 1
	cfg.RateLimiting.Burst = 1
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, serve(router, "127.0.0.1:1", "192.168.1.5, 10.0.0.9"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "127.0.0.1:2", "192.168.1.5"))
	assert.Equal(t, http.StatusOK, serve(router, "127.0.0.1:3", "192.168.1.6"))
}

func TestRateLimiterStore_SweepsIdleClients(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	start := time.Now()

	store.getLimiter("a", start)
	store.getLimiter("b", start)
	assert.Len(t, store.limiters, 2)

	store.getLimiter("c", start.Add(2*idleLimiterTTL))
	assert.Len(t, store.limiters, 1)
}
