package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status 会话状态
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusRunning
	StatusStopping
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopping:
		return "STOPPING"
	case StatusDone:
		return "DONE"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText 序列化为状态名
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrIllegalState 当前状态不允许该操作
	ErrIllegalState = errors.New("illegal session state")
	// ErrPoolClosed 工作池已关闭，不再接受任务
	ErrPoolClosed = errors.New("worker pool is closed")
)

// ProtocolViolationError 违反会话状态协议
type ProtocolViolationError struct {
	SessionID string
	Operation string
	Status    Status
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Operation, e.Status)
}

func (e *ProtocolViolationError) Unwrap() error {
	return ErrIllegalState
}

// Work 会话中执行的后台任务
type Work interface {
	// CanRetry 结束后是否允许再次启动
	CanRetry() bool
	// Execute 执行任务，ctx 在取消时结束
	Execute(ctx context.Context, reply ReplySender) error
	// Cancel 请求停止正在执行的任务
	Cancel() error
	// Destroy 释放任务持有的资源
	Destroy()
}

// Session 包装一个后台任务的生命周期
//
// 状态迁移的检查和设置在同一临界区内完成。每次 Start 都会开启新的一代，
// 旧一代的任务完成后不会改写新一代的状态。
type Session struct {
	id     string
	work   Work
	logger *logrus.Entry

	mu         sync.Mutex
	status     Status
	lastErr    error
	generation uint64
	started    bool
	retired    bool
	cancelRun  context.CancelFunc
	createdAt  time.Time
	updatedAt  time.Time
}

// New 创建处于 IDLE 状态的会话
func New(id string, work Work, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := time.Now()
	return &Session{
		id:        id,
		work:      work,
		logger:    logger.WithField("session_id", id),
		status:    StatusIdle,
		createdAt: now,
		updatedAt: now,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Work 返回会话包装的任务
func (s *Session) Work() Work {
	return s.work
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError 最近一次进入 ERROR 时的错误
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot 会话状态快照
type Snapshot struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:        s.id,
		Status:    s.status,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// CheckRemove 只有未运行的会话可以移除
func (s *Session) CheckRemove() bool {
	switch s.Status() {
	case StatusIdle, StatusDone, StatusError:
		return true
	default:
		return false
	}
}

// retire 可移除时标记会话不再接受 Start
func (s *Session) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusIdle, StatusDone, StatusError:
		s.retired = true
		return true
	default:
		return false
	}
}

// Start 从 IDLE 启动，或在任务允许重试时从 DONE/ERROR 重新启动
func (s *Session) Start(reply ReplySender, exec Executor) error {
	s.mu.Lock()
	if s.retired {
		defer s.mu.Unlock()
		return s.violationUnsafe("start")
	}
	switch s.status {
	case StatusIdle:
	case StatusDone, StatusError:
		if !s.work.CanRetry() {
			defer s.mu.Unlock()
			return s.violationUnsafe("start")
		}
	default:
		defer s.mu.Unlock()
		return s.violationUnsafe("start")
	}

	previous := s.status
	s.generation++
	generation := s.generation
	s.started = false
	s.setStatusUnsafe(StatusWaiting)
	s.mu.Unlock()

	err := exec.Submit(func(ctx context.Context) {
		s.run(ctx, generation, reply)
	})
	if err != nil {
		s.mu.Lock()
		if s.generation == generation && s.status == StatusWaiting {
			s.setStatusUnsafe(previous)
		}
		s.mu.Unlock()
		return fmt.Errorf("submit session %s: %w", s.id, err)
	}

	s.logger.Debug("session queued")
	return nil
}

// Cancel 停止 WAITING 或 RUNNING 的会话
func (s *Session) Cancel(exec Executor) error {
	s.mu.Lock()
	if s.status != StatusRunning && s.status != StatusWaiting {
		defer s.mu.Unlock()
		return s.violationUnsafe("cancel")
	}

	previous := s.status
	generation := s.generation
	s.setStatusUnsafe(StatusStopping)
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()

	err := exec.Submit(func(context.Context) {
		s.stop(generation)
	})
	if err != nil {
		s.mu.Lock()
		if s.generation == generation && s.status == StatusStopping {
			if previous == StatusWaiting && s.started {
				// 任务已经看到 STOPPING 并放弃执行
				s.setStatusUnsafe(StatusIdle)
			} else {
				s.setStatusUnsafe(previous)
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("submit cancel of session %s: %w", s.id, err)
	}

	s.logger.Debug("session stopping")
	return nil
}

func (s *Session) run(ctx context.Context, generation uint64, reply ReplySender) {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.started = true
	if s.status != StatusWaiting {
		// 启动前已被取消，终态由取消任务决定
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelRun = cancel
	s.setStatusUnsafe(StatusRunning)
	s.mu.Unlock()

	s.logger.Info("session running")
	err := s.execute(runCtx, reply)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return
	}
	s.cancelRun = nil
	if s.status != StatusRunning {
		return
	}
	if err != nil {
		s.lastErr = err
		s.setStatusUnsafe(StatusError)
		s.logger.WithError(err).Warn("session failed")
		return
	}
	s.setStatusUnsafe(StatusDone)
	s.logger.Info("session done")
}

func (s *Session) execute(ctx context.Context, reply ReplySender) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session work panicked: %v", r)
		}
	}()
	return s.work.Execute(ctx, reply)
}

func (s *Session) stop(generation uint64) {
	err := s.cancelWork()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation || s.status != StatusStopping {
		return
	}
	if err != nil {
		s.lastErr = err
		s.setStatusUnsafe(StatusError)
		s.logger.WithError(err).Warn("session cancel failed")
		return
	}
	s.setStatusUnsafe(StatusDone)
	s.logger.Info("session cancelled")
}

func (s *Session) cancelWork() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session cancel panicked: %v", r)
		}
	}()
	return s.work.Cancel()
}

func (s *Session) setStatusUnsafe(status Status) {
	s.status = status
	s.updatedAt = time.Now()
}

func (s *Session) violationUnsafe(operation string) error {
	return &ProtocolViolationError{
		SessionID: s.id,
		Operation: operation,
		Status:    s.status,
	}
}
