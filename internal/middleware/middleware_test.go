package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, &buf
}

func newTestRouter(logger *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware(), LoggerMiddleware(logger), RecoveryMiddleware(logger), CORSMiddleware())
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	router.Handle(http.MethodOptions, "/dav", func(c *gin.Context) {
		c.Header("DAV", "1, 2")
		c.Status(http.StatusOK)
	})
	return router
}

func TestRequestIDMiddleware(t *testing.T) {
	logger, _ := newTestLogger()
	router := newTestRouter(logger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	router.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())
}

func TestLoggerMiddleware_LogsRequest(t *testing.T) {
	logger, buf := newTestLogger()
	router := newTestRouter(logger)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, buf.String(), `"path":"/ok"`)
	assert.Contains(t, buf.String(), "request processed")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, buf := newTestLogger()
	router := newTestRouter(logger)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestCORSMiddleware(t *testing.T) {
	logger, _ := newTestLogger()
	router := newTestRouter(logger)

	// 浏览器预检
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/dav", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "PROPFIND")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// WebDAV客户端的OPTIONS
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/dav", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1, 2", w.Header().Get("DAV"))
}
