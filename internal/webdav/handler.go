package webdav

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/middleware"
	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/webdav/utils"
)

// MultiStatusContentType multistatus响应的内容类型
const MultiStatusContentType = "text/xml; charset=utf-8"

// Handler WebDAV的gin适配层
type Handler struct {
	propfind    *PropfindHandler
	lockManager *LockManager
	basePath    string
	logger      *logrus.Logger
}

func NewHandler(propfind *PropfindHandler, lockManager *LockManager, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		propfind:    propfind,
		lockManager: lockManager,
		basePath:    propfind.basePath,
		logger:      logger,
	}
}

// ginSink 把PROPFIND结果写回gin响应
type ginSink struct {
	c        *gin.Context
	basePath string
}

func (s *ginSink) SendMultiStatus(body []byte) error {
	s.c.Header("Content-Type", MultiStatusContentType)
	s.c.Status(http.StatusMultiStatus)
	_, err := s.c.Writer.Write(body)
	return err
}

func (s *ginSink) SendLockedReport(statuses map[string]int) error {
	body, err := BuildStatusReport(s.basePath, statuses)
	if err != nil {
		return err
	}
	return s.SendMultiStatus(body)
}

func (s *ginSink) SendError(status int) error {
	s.c.Status(status)
	s.c.Writer.WriteHeaderNow()
	return nil
}

// HandlePropfind 处理PROPFIND请求
func (h *Handler) HandlePropfind(c *gin.Context) {
	requestPath := c.Param("path")
	if requestPath == "" {
		requestPath = "/"
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.WithError(err).WithField("path", requestPath).Warn("failed to read propfind body")
		c.Status(http.StatusBadRequest)
		return
	}

	requestID := c.GetString(middleware.RequestIDKey)
	req := &PropfindRequest{
		Path:          requestPath,
		Body:          body,
		ContentLength: c.Request.ContentLength,
		Depth:         utils.Path.ParseDepth(c.GetHeader("Depth"), DepthInfinity),
		Identity:      requestID + c.Request.RemoteAddr,
	}
	// 分块传输时 ContentLength 为 -1
	if req.ContentLength < 0 {
		req.ContentLength = int64(len(body))
	}

	tx := store.NewTransaction(c.Request.Context(), requestID)
	sink := &ginSink{c: c, basePath: h.basePath}
	if err := h.propfind.HandlePropfind(tx, req, sink); err != nil {
		h.logger.WithError(err).WithField("path", requestPath).Warn("failed to send propfind response")
		_ = c.Error(err)
	}
}

// HandleOptions 声明支持的WebDAV能力
func (h *Handler) HandleOptions(c *gin.Context) {
	c.Header("DAV", "1, 2")
	c.Header("MS-Author-Via", "DAV")
	c.Header("Allow", "OPTIONS, PROPFIND")
	c.Status(http.StatusOK)
}

// HandleListLocks 列出所有有效锁
func (h *Handler) HandleListLocks(c *gin.Context) {
	locks := h.lockManager.GetAllLocks()
	c.JSON(http.StatusOK, gin.H{
		"locks": locks,
		"count": len(locks),
	})
}

// HandleLockStats 锁统计
func (h *Handler) HandleLockStats(c *gin.Context) {
	stats, err := h.lockManager.GetStatistics()
	if err != nil {
		h.logger.WithError(err).Error("failed to collect lock statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect lock statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleDeleteLock 按ID强制释放持久锁
func (h *Handler) HandleDeleteLock(c *gin.Context) {
	id := c.Param("id")
	if !h.lockManager.Unlock(nil, id, "") {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrLockNotFound.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
