package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/middleware"
	"github.com/sitetool-dav/internal/session"
	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/webdav"
)

// sessionAPI 会话HTTP接口的依赖
type sessionAPI struct {
	registry *session.Registry
	executor session.Executor
	reply    session.ReplySender
	// history 回复走日志通道时用于轮询，走Redis时为nil
	history  *session.LogReplySender
	store    store.Store
	locks    *webdav.LockManager
	scanOpts session.ScanOptions
	logger   *logrus.Logger
}

type createSessionRequest struct {
	Root string `json:"root" binding:"required"`
}

type sessionView struct {
	session.Snapshot
	Root    string             `json:"root"`
	Result  session.ScanResult `json:"result"`
	Replies []session.Reply    `json:"replies,omitempty"`
}

func (api *sessionAPI) view(s *session.Session, withReplies bool) sessionView {
	v := sessionView{Snapshot: s.Snapshot()}
	if scan, ok := s.Work().(*session.ScanWork); ok {
		v.Root = scan.Root()
		v.Result = scan.Result()
	}
	if withReplies && api.history != nil {
		v.Replies = api.history.Replies(s.ID())
	}
	return v
}

// writeSessionError 把会话错误映射为HTTP状态
func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrIllegalState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrPoolClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (api *sessionAPI) lookup(c *gin.Context) (*session.Session, bool) {
	s, ok := api.registry.Get(c.Param("id"))
	if !ok {
		writeSessionError(c, session.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}

// handleCreateSession 为子树创建扫描会话
func handleCreateSession(api *sessionAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tx := store.NewTransaction(c.Request.Context(), c.GetString(middleware.RequestIDKey))
		obj, err := api.store.GetStoredObject(tx, req.Root)
		if err != nil {
			if errors.Is(err, store.ErrAccessDenied) {
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
				return
			}
			api.logger.WithError(err).WithField("root", req.Root).Error("failed to resolve session root")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve root"})
			return
		}
		if obj == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "root not found"})
			return
		}

		s, err := api.registry.Create(func(id string) (session.Work, error) {
			return session.NewScanWork(id, req.Root, api.store, api.locks, api.scanOpts, api.logger), nil
		})
		if err != nil {
			writeSessionError(c, err)
			return
		}

		c.JSON(http.StatusCreated, api.view(s, false))
	}
}

func handleListSessions(api *sessionAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := api.registry.List()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			views = append(views, api.view(s, false))
		}
		c.JSON(http.StatusOK, gin.H{
			"sessions": views,
			"count":    len(views),
		})
	}
}

func handleGetSession(api *sessionAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := api.lookup(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, api.view(s, true))
	}
}

// handleStartSession 启动或重试会话
func handleStartSession(api *sessionAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := api.lookup(c)
		if !ok {
			return
		}
		if err := s.Start(api.reply, api.executor); err != nil {
			writeSessionError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, api.view(s, false))
	}
}

func handleCancelSession(api *sessionAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := api.lookup(c)
		if !ok {
			return
		}
		if err := s.Cancel(api.executor); err != nil {
			writeSessionError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, api.view(s, false))
	}
}

func handleDeleteSession(api *sessionAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := api.registry.Remove(id); err != nil {
			writeSessionError(c, err)
			return
		}
		if api.history != nil {
			api.history.Forget(id)
		}
		c.Status(http.StatusNoContent)
	}
}
