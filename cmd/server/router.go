package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/middleware"
	"github.com/sitetool-dav/internal/webdav"
)

// methodPropfind gin没有内置的WebDAV方法常量
const methodPropfind = "PROPFIND"

// routerDeps 路由依赖
type routerDeps struct {
	basePath string
	logger   *logrus.Logger
	webdav   *webdav.Handler
	locks    *webdav.LockManager
	sessions *sessionAPI
}

func setupRouter(deps routerDeps) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(deps.logger))
	router.Use(middleware.LoggerMiddleware(deps.logger))
	router.Use(middleware.CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Unix(),
			"locks":    deps.locks.GetLockCount(),
			"sessions": deps.sessions.registry.Len(),
		})
	})

	// Lock admin routes
	lockGroup := router.Group("/api/locks")
	{
		lockGroup.GET("", deps.webdav.HandleListLocks)
		lockGroup.GET("/stats", deps.webdav.HandleLockStats)
		lockGroup.DELETE("/:id", deps.webdav.HandleDeleteLock)
	}

	// Session routes
	sessionGroup := router.Group("/api/sessions")
	{
		sessionGroup.POST("", handleCreateSession(deps.sessions))
		sessionGroup.GET("", handleListSessions(deps.sessions))
		sessionGroup.GET("/:id", handleGetSession(deps.sessions))
		sessionGroup.POST("/:id/start", handleStartSession(deps.sessions))
		sessionGroup.POST("/:id/cancel", handleCancelSession(deps.sessions))
		sessionGroup.DELETE("/:id", handleDeleteSession(deps.sessions))
	}

	// WebDAV routes
	webdavGroup := router.Group(deps.basePath)
	{
		webdavGroup.Handle(http.MethodOptions, "/*path", deps.webdav.HandleOptions)
		webdavGroup.Handle(methodPropfind, "/*path", deps.webdav.HandlePropfind)
	}

	return router
}
