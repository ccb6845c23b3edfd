package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/config"
	"github.com/sitetool-dav/internal/session"
	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/webdav"
)

func main() {
	configFile := flag.String("config", os.Getenv("SITETOOL_CONFIG"), "path to config file")
	flag.Parse()

	// .env 可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	// Initialize store
	st, mimeTyper, err := newStore(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to create store: %v", err)
	}
	logger.WithField("type", cfg.Storage.Type).Info("Store initialized")

	// Initialize lock manager
	lockManager, err := webdav.NewLockManagerWithConfig(cfg.Locks, logger)
	if err != nil {
		logger.Fatalf("Failed to create lock manager: %v", err)
	}
	defer lockManager.Close()

	propfindHandler := webdav.NewPropfindHandler(st, mimeTyper, lockManager, webdav.PropfindOptions{
		BasePath:    cfg.Server.BasePath,
		TempTimeout: cfg.Locks.TempTimeout,
	}, logger)
	webdavHandler := webdav.NewHandler(propfindHandler, lockManager, logger)

	// Initialize sessions
	reply, history, closeReply, err := newReplySender(cfg.Sessions.Reply, logger)
	if err != nil {
		logger.Fatalf("Failed to create session reply sender: %v", err)
	}
	defer closeReply()

	pool := session.NewWorkerPool(cfg.Sessions.Workers, logger)
	registry := session.NewRegistry(logger)
	sessions := &sessionAPI{
		registry: registry,
		executor: pool,
		reply:    reply,
		history:  history,
		store:    st,
		locks:    lockManager,
		scanOpts: session.ScanOptions{AllowRetry: cfg.Sessions.AllowRetry},
		logger:   logger,
	}

	// Setup Gin
	gin.SetMode(cfg.GetGINMode())
	router := setupRouter(routerDeps{
		basePath: cfg.Server.BasePath,
		logger:   logger,
		webdav:   webdavHandler,
		locks:    lockManager,
		sessions: sessions,
	})

	srv := &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	// Graceful shutdown
	go func() {
		logger.Infof("Starting server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	if n := registry.CancelAll(pool); n > 0 {
		logger.WithField("count", n).Info("Cancelled running sessions")
	}
	if err := pool.Close(ctx); err != nil {
		logger.Errorf("Worker pool did not drain: %v", err)
	}

	logger.Info("Server exited")
}

// newLogger 按配置创建logrus日志器
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// newStore 按存储类型创建资源存储和MIME查找器
func newStore(cfg config.StorageConfig) (store.Store, store.MimeTyper, error) {
	switch cfg.Type {
	case "local":
		if err := os.MkdirAll(cfg.Local.RootPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create storage root: %w", err)
		}
		local, err := store.NewLocalStore(cfg.Local.RootPath)
		if err != nil {
			return nil, nil, err
		}
		return local, local, nil
	case "memory":
		return store.NewMemoryStore(), store.Extensions, nil
	case "minio":
		minioStore, err := store.NewMinIOStore(cfg.MinIO)
		if err != nil {
			return nil, nil, err
		}
		return minioStore, minioStore, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newReplySender 创建会话回复通道；日志通道同时返回可轮询的历史
func newReplySender(cfg config.ReplyConfig, logger *logrus.Logger) (session.ReplySender, *session.LogReplySender, func(), error) {
	switch cfg.Type {
	case "redis":
		client, err := session.NewRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.WithField("address", cfg.Redis.Address).Info("Connected to Redis")
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close redis client")
			}
		}
		return session.NewRedisReplySender(client, cfg.Redis.ChannelPrefix), nil, closeClient, nil
	default:
		history := session.NewLogReplySender(logger, session.DefaultReplyHistory)
		return history, history, func() {}, nil
	}
}
