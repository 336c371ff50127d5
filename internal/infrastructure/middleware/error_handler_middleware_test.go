package middleware

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"visiocall/pkg/errors"
	rlog "visiocall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	router := gin.New()
	router.Use(
		RecoveryMiddleware(logger.Sugar()),
		TracingMiddleware(rlog.NewContextLogger(logger)),
		ErrorHandlerMiddleware(logger.Sugar()),
	)
	router.GET("/test", handler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestErrorHandlerMiddleware_AppError(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		c.Error(errors.NewServiceUnavailableError("presence feed down"))
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["error"])
	assert.Equal(t, "presence feed down", body["message"])
}

func TestErrorHandlerMiddleware_PlainError(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		c.Error(stderrors.New("boom"))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
}

func TestErrorHandlerMiddleware_KeepsWrittenResponse(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		c.Error(stderrors.New("late"))
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
}

func TestRecoveryMiddleware(t *testing.T) {
	w, body := serve(t, func(c *gin.Context) {
		panic("handler exploded")
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
}

func TestTracingMiddleware_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware(nil))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}
