package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/webdav"
	"github.com/sitetool-dav/internal/webdav/utils"
)

// DefaultProgressInterval 每访问多少个资源发送一次进度
const DefaultProgressInterval = 100

// ScanResult 扫描统计
type ScanResult struct {
	Folders int   `json:"folders"`
	Files   int   `json:"files"`
	Bytes   int64 `json:"bytes"`
}

// ScanOptions 扫描任务选项
type ScanOptions struct {
	AllowRetry       bool
	LockTimeout      time.Duration
	ProgressInterval int
}

// ScanWork 遍历子树并统计文件夹、文件和字节数
//
// 运行期间在根路径上持有无限深度的共享锁，持有者为 "session:<id>:<run>"，
// 因此排他写锁无法在扫描期间加在子树上。每次执行使用独立的持有者，
// 被取消的旧执行释放锁时不会带走重试执行持有的锁。
type ScanWork struct {
	sessionID string
	root      string
	store     store.Store
	locks     *webdav.LockManager
	opts      ScanOptions
	logger    *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	runs   uint64
	result ScanResult
}

func NewScanWork(sessionID, root string, st store.Store, locks *webdav.LockManager, opts ScanOptions, logger *logrus.Logger) *ScanWork {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	root = utils.Path.Clean(root)
	return &ScanWork{
		sessionID: sessionID,
		root:      root,
		store:     st,
		locks:     locks,
		opts:      opts,
		logger: logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"root":       root,
		}),
	}
}

// Owner 最近一次执行持有的锁的持有者
func (w *ScanWork) Owner() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ownerUnsafe(w.runs)
}

func (w *ScanWork) ownerUnsafe(run uint64) string {
	return fmt.Sprintf("session:%s:%d", w.sessionID, run)
}

func (w *ScanWork) Root() string {
	return w.root
}

// Result 最近一次执行的统计
func (w *ScanWork) Result() ScanResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

func (w *ScanWork) CanRetry() bool {
	return w.opts.AllowRetry
}

func (w *ScanWork) Execute(ctx context.Context, reply ReplySender) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.runs++
	run := w.runs
	owner := w.ownerUnsafe(run)
	w.cancel = cancel
	w.result = ScanResult{}
	w.mu.Unlock()

	tx := store.NewTransaction(ctx, owner)
	lock, err := w.locks.LockResource(tx, w.root, owner, false, webdav.DepthInfinity, w.opts.LockTimeout, false)
	if err != nil {
		return fmt.Errorf("lock %s: %w", w.root, err)
	}
	defer w.locks.Unlock(tx, lock.ID, owner)

	obj, err := w.store.GetStoredObject(tx, w.root)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.root, err)
	}
	if obj == nil {
		return fmt.Errorf("resolve %s: %w", w.root, store.ErrNotFound)
	}

	scan := &scanWalk{work: w, run: run, tx: tx, reply: reply}
	if err := scan.visit(ctx, w.root, obj); err != nil {
		return err
	}

	result := scan.result
	w.logger.WithFields(logrus.Fields{
		"folders": result.Folders,
		"files":   result.Files,
		"bytes":   result.Bytes,
	}).Info("scan completed")

	return reply.Send(ctx, Reply{
		SessionID: w.sessionID,
		Kind:      ReplyResult,
		Message:   "scan completed",
		Data:      resultData(w.root, result),
	})
}

func (w *ScanWork) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

func (w *ScanWork) Destroy() {
	_ = w.Cancel()
}

type scanWalk struct {
	work    *ScanWork
	run     uint64
	tx      *store.Transaction
	reply   ReplySender
	visited int
	result  ScanResult
}

func (s *scanWalk) visit(ctx context.Context, path string, obj *store.StoredObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w := s.work
	if obj.IsFolder {
		s.result.Folders++
	} else {
		s.result.Files++
		s.result.Bytes += obj.ResourceLength
	}
	result := s.result

	// 只有最近一次执行更新对外可见的统计
	w.mu.Lock()
	if w.runs == s.run {
		w.result = result
	}
	w.mu.Unlock()

	s.visited++
	if s.visited%w.opts.ProgressInterval == 0 {
		err := s.reply.Send(ctx, Reply{
			SessionID: w.sessionID,
			Kind:      ReplyProgress,
			Message:   "scanning " + path,
			Data:      resultData(path, result),
		})
		if err != nil {
			return fmt.Errorf("send progress: %w", err)
		}
	}

	if !obj.IsFolder {
		return nil
	}

	names, err := w.store.GetChildrenNames(s.tx, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// 扫描期间被删除
			return nil
		}
		return fmt.Errorf("list children of %s: %w", path, err)
	}

	for _, name := range names {
		childPath := utils.Path.Join(path, name)
		child, err := w.store.GetStoredObject(s.tx, childPath)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", childPath, err)
		}
		if child == nil {
			continue
		}
		if err := s.visit(ctx, childPath, child); err != nil {
			return err
		}
	}
	return nil
}

func resultData(path string, result ScanResult) map[string]any {
	return map[string]any{
		"path":    path,
		"folders": result.Folders,
		"files":   result.Files,
		"bytes":   result.Bytes,
	}
}
