package webdav

import (
	"errors"
	"strings"
)

var (
	// ErrLocked 请求的锁与已有锁冲突
	ErrLocked = errors.New("resource is locked")
	// ErrLockNotFound 锁不存在或已过期
	ErrLockNotFound = errors.New("lock token not found")
)

// LockConflictError 锁冲突，Paths 为冲突锁的根路径
type LockConflictError struct {
	Path  string
	Paths []string
}

func (e *LockConflictError) Error() string {
	return "resource " + e.Path + " is locked by: " + strings.Join(e.Paths, ", ")
}

// Is 使 errors.Is(err, ErrLocked) 成立
func (e *LockConflictError) Is(target error) bool {
	return target == ErrLocked
}
