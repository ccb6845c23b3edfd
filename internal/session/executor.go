package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Executor 执行会话任务
type Executor interface {
	// Submit 提交任务，不阻塞调用者
	Submit(job func(ctx context.Context)) error
}

// WorkerPool 基于errgroup的有界工作池
//
// 提交的任务先交给分发goroutine，再由 errgroup 限制并发数。
type WorkerPool struct {
	eg      *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logrus.Logger
	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

// NewWorkerPool 创建最多 workers 个并发任务的工作池
func NewWorkerPool(workers int, logger *logrus.Logger) *WorkerPool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if workers < 1 {
		workers = 1
	}

	eg := &errgroup.Group{}
	eg.SetLimit(workers)
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		eg:     eg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

func (p *WorkerPool) Submit(job func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		p.eg.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					p.logger.WithField("panic", fmt.Sprint(r)).Error("worker job panicked")
				}
			}()
			job(p.ctx)
			return nil
		})
	}()
	return nil
}

// Close 停止接受新任务并等待已提交任务结束；ctx 结束时取消仍在运行的任务
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		_ = p.eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
