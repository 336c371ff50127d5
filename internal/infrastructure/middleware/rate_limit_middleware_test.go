package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"visiocall/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers...)
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, header http.Header) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func limitedConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	return cfg
}

func TestHTTPRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newRouter(NewHTTPRateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusOK, get(router, nil))
}

func TestHTTPRateLimitMiddleware_PerClient(t *testing.T) {
	router := newRouter(NewHTTPRateLimitMiddleware(limitedConfig()))

	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusTooManyRequests, get(router, nil))

	// A different forwarded client has its own bucket.
	proxied := http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}}
	assert.Equal(t, http.StatusOK, get(router, proxied))
	assert.Equal(t, http.StatusTooManyRequests, get(router, proxied))
}

func TestWebSocketConnectLimitMiddleware(t *testing.T) {
	cfg := limitedConfig()
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	router := newRouter(NewWebSocketConnectLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusOK, get(router, nil))
	assert.Equal(t, http.StatusTooManyRequests, get(router, nil))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote address", remoteAddr: "192.0.2.1:5000", want: "192.0.2.1"},
		{name: "single forwarded", remoteAddr: "192.0.2.1:5000", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain", remoteAddr: "192.0.2.1:5000", forwarded: "203.0.113.7, 10.0.0.1", want: "203.0.113.7"},
		{name: "garbage forwarded", remoteAddr: "192.0.2.1:5000", forwarded: "unknown", want: "192.0.2.1"},
		{name: "no port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
