package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrSessionNotFound 会话不存在
var ErrSessionNotFound = errors.New("session not found")

// Registry 按ID管理会话
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *logrus.Logger
}

func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create 生成新的会话ID，用 newWork 构造任务并登记会话
func (r *Registry) Create(newWork func(id string) (Work, error)) (*Session, error) {
	id := uuid.New().String()
	work, err := newWork(id)
	if err != nil {
		return nil, err
	}

	s := New(id, work, r.logger)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.WithField("session_id", id).Debug("session created")
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List 按创建时间排序
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].createdAt.Before(sessions[j].createdAt)
		}
		return sessions[i].id < sessions[j].id
	})
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove 移除未运行的会话并销毁其任务
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if !s.retire() {
		r.mu.Unlock()
		return &ProtocolViolationError{SessionID: id, Operation: "remove", Status: s.Status()}
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.work.Destroy()
	r.logger.WithField("session_id", id).Debug("session removed")
	return nil
}

// CancelAll 取消所有等待或运行中的会话，返回取消的数量
func (r *Registry) CancelAll(exec Executor) int {
	cancelled := 0
	for _, s := range r.List() {
		switch s.Status() {
		case StatusWaiting, StatusRunning:
		default:
			continue
		}
		if err := s.Cancel(exec); err != nil {
			if !errors.Is(err, ErrIllegalState) {
				r.logger.WithError(err).WithField("session_id", s.ID()).Warn("failed to cancel session")
			}
			continue
		}
		cancelled++
	}
	return cancelled
}
