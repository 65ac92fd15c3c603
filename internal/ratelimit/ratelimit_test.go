package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5, IdleTTL: time.Minute})
	defer limiter.Stop()

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3, IdleTTL: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"), "client A is limited")
	assert.True(t, limiter.Allow("client-b"), "client B has its own bucket")
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 1, IdleTTL: time.Minute}) // 10 per second
	defer limiter.Stop()

	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("k"))
}

func TestLimiterPrune(t *testing.T) {
	limiter := New(Config{IdleTTL: time.Hour})
	defer limiter.Stop()

	limiter.Allow("old")
	limiter.prune(time.Now().Add(time.Second))
	assert.Equal(t, 0, limiter.Len())
}

func TestDefaultsFillZeroConfig(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()
	assert.Equal(t, DefaultConfig(), limiter.cfg)

	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2, IdleTTL: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/alerts", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}
