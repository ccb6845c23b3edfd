package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/config"
)

// Reply 任务发回给客户端的消息
type Reply struct {
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

const (
	ReplyProgress = "progress"
	ReplyResult   = "result"
)

// ReplySender 回复通道
type ReplySender interface {
	Send(ctx context.Context, reply Reply) error
}

// DefaultReplyHistory 每个会话保留的回复条数
const DefaultReplyHistory = 100

// LogReplySender 把回复写入日志并保留最近的若干条供轮询
type LogReplySender struct {
	logger  *logrus.Logger
	limit   int
	mu      sync.RWMutex
	replies map[string][]Reply
}

func NewLogReplySender(logger *logrus.Logger, limit int) *LogReplySender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if limit <= 0 {
		limit = DefaultReplyHistory
	}
	return &LogReplySender{
		logger:  logger,
		limit:   limit,
		replies: make(map[string][]Reply),
	}
}

func (l *LogReplySender) Send(ctx context.Context, reply Reply) error {
	if reply.Time.IsZero() {
		reply.Time = time.Now()
	}

	l.logger.WithFields(logrus.Fields{
		"session_id": reply.SessionID,
		"kind":       reply.Kind,
		"data":       reply.Data,
	}).Info(reply.Message)

	l.mu.Lock()
	defer l.mu.Unlock()
	history := append(l.replies[reply.SessionID], reply)
	if len(history) > l.limit {
		history = history[len(history)-l.limit:]
	}
	l.replies[reply.SessionID] = history
	return nil
}

// Replies 返回会话保留的回复
func (l *LogReplySender) Replies(sessionID string) []Reply {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Reply(nil), l.replies[sessionID]...)
}

// Forget 丢弃会话的回复
func (l *LogReplySender) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.replies, sessionID)
}

// Publisher redis发布接口，*redis.Client 实现了它
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisReplySender 通过Redis pub/sub发送回复，频道为 前缀+会话ID
type RedisReplySender struct {
	publisher Publisher
	prefix    string
}

func NewRedisReplySender(publisher Publisher, channelPrefix string) *RedisReplySender {
	return &RedisReplySender{publisher: publisher, prefix: channelPrefix}
}

// NewRedisClient 按配置创建Redis客户端并检查连接
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Channel 会话的回复频道
func (r *RedisReplySender) Channel(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisReplySender) Send(ctx context.Context, reply Reply) error {
	if reply.Time.IsZero() {
		reply.Time = time.Now()
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}
	if err := r.publisher.Publish(ctx, r.Channel(reply.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}
	return nil
}
