package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetool-dav/internal/session"
	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/webdav"
)

type testServer struct {
	router   *gin.Engine
	locks    *webdav.LockManager
	registry *session.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.NewMemoryStore()
	require.NoError(t, st.PutFile("/docs/a.txt", store.StoredObject{ResourceLength: 3}))
	require.NoError(t, st.PutFile("/docs/sub/b.txt", store.StoredObject{ResourceLength: 4}))

	locks := webdav.NewLockManager(logger)
	propfind := webdav.NewPropfindHandler(st, store.Extensions, locks, webdav.PropfindOptions{BasePath: "/dav"}, logger)

	pool := session.NewWorkerPool(2, logger)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	history := session.NewLogReplySender(logger, 0)
	registry := session.NewRegistry(logger)

	router := setupRouter(routerDeps{
		basePath: "/dav",
		logger:   logger,
		webdav:   webdav.NewHandler(propfind, locks, logger),
		locks:    locks,
		sessions: &sessionAPI{
			registry: registry,
			executor: pool,
			reply:    history,
			history:  history,
			store:    st,
			locks:    locks,
			logger:   logger,
		},
	})
	return &testServer{router: router, locks: locks, registry: registry}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// ==================== Router Tests ====================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["locks"])
	assert.Equal(t, float64(0), body["sessions"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestWebDAVRoutes(t *testing.T) {
	s := newTestServer(t)

	t.Run("OPTIONS", func(t *testing.T) {
		w := s.do(http.MethodOptions, "/dav/docs", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("DAV"), "2")
		assert.Contains(t, w.Header().Get("Allow"), "PROPFIND")
	})

	t.Run("PROPFIND", func(t *testing.T) {
		req := httptest.NewRequest("PROPFIND", "/dav/docs", bytes.NewReader(nil))
		req.Header.Set("Depth", "1")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusMultiStatus, w.Code)
		assert.Contains(t, w.Body.String(), "/dav/docs/a.txt")
		assert.Contains(t, w.Body.String(), "/dav/docs/sub")
		assert.Empty(t, s.locks.GetAllLocks(), "临时锁已释放")
	})

	t.Run("PROPFIND不存在的路径", func(t *testing.T) {
		w := s.do("PROPFIND", "/dav/missing", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestLockRoutes(t *testing.T) {
	s := newTestServer(t)
	lock, err := s.locks.LockResource(nil, "/docs", "alice", true, 0, time.Minute, false)
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/locks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = s.do(http.MethodGet, "/api/locks/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["exclusive_locks"])

	w = s.do("PROPFIND", "/dav/docs", "")
	assert.Equal(t, http.StatusLocked, w.Code)

	w = s.do(http.MethodDelete, "/api/locks/"+lock.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, s.locks.GetLockCount())
}

// ==================== Session Tests ====================

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/sessions", `{"root":"/docs"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody(t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "IDLE", created["status"])
	assert.Equal(t, "/docs", created["root"])

	w = s.do(http.MethodPost, "/api/sessions/"+id+"/start", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := s.do(http.MethodGet, "/api/sessions/"+id, "")
		var snap struct {
			Status string `json:"status"`
		}
		return json.Unmarshal(w.Body.Bytes(), &snap) == nil && snap.Status == "DONE"
	}, time.Second, 5*time.Millisecond)

	w = s.do(http.MethodGet, "/api/sessions/"+id, "")
	body := decodeBody(t, w)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), result["files"])
	assert.Equal(t, float64(7), result["bytes"])
	assert.NotEmpty(t, body["replies"])

	// 扫描任务默认不允许重试
	w = s.do(http.MethodPost, "/api/sessions/"+id+"/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = s.do(http.MethodDelete, "/api/sessions/"+id, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, s.registry.Len())
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"缺少root", http.MethodPost, "/api/sessions", `{}`, http.StatusBadRequest},
		{"非法JSON", http.MethodPost, "/api/sessions", `{`, http.StatusBadRequest},
		{"root不存在", http.MethodPost, "/api/sessions", `{"root":"/missing"}`, http.StatusNotFound},
		{"查询未知会话", http.MethodGet, "/api/sessions/unknown", "", http.StatusNotFound},
		{"启动未知会话", http.MethodPost, "/api/sessions/unknown/start", "", http.StatusNotFound},
		{"删除未知会话", http.MethodDelete, "/api/sessions/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestCancelIdleSession(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/sessions", `{"root":"/docs"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = s.do(http.MethodPost, "/api/sessions/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
