package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	// 120 requests per minute = one token every 0.5s, burst of 1
	rl := NewRateLimiter(120, 1)
	defer rl.Close()

	limiter := rl.GetLimiter("192.168.1.1")

	assert.True(t, limiter.Allow(), "first request should be allowed")
	assert.False(t, limiter.Allow(), "second request should be blocked")

	time.Sleep(600 * time.Millisecond)

	assert.True(t, limiter.Allow(), "request after refill should be allowed")
}

func TestRateLimiter_DifferentIPs(t *testing.T) {
	rl := NewRateLimiter(2, 1)
	defer rl.Close()

	limiter1 := rl.GetLimiter("192.168.1.1")
	limiter2 := rl.GetLimiter("192.168.1.2")

	assert.True(t, limiter1.Allow())
	assert.True(t, limiter2.Allow())

	assert.False(t, limiter1.Allow())
	assert.False(t, limiter2.Allow())
	assert.Equal(t, 2, rl.Visitors())
}

func TestRateLimiter_PruneDropsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Close()

	rl.GetLimiter("10.0.0.1")
	busy := rl.GetLimiter("10.0.0.2")
	busy.Allow()
	busy.Allow()

	rl.prune()

	assert.Equal(t, 1, rl.Visitors(), "only the client with a drained bucket is kept")
}

func TestRateLimitMiddleware(t *testing.T) {
	e := echo.New()
	rl := NewRateLimiter(2, 1)
	defer rl.Close()

	wrapped := rl.RateLimitMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	serve := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/email", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		assert.NoError(t, wrapped(e.NewContext(req, rec)))
		return rec
	}

	assert.Equal(t, http.StatusOK, serve("192.168.1.1:12345").Code)

	limited := serve("192.168.1.1:12346")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, serve("192.168.1.2:12345").Code, "other clients are unaffected")
}
