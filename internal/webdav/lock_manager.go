package webdav

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/config"
	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/webdav/utils"
)

// DepthInfinity 无限深度
const DepthInfinity = -1

// LockScope 定义锁定范围
type LockScope string

const (
	LockScopeExclusive LockScope = "exclusive"
	LockScopeShared    LockScope = "shared"
)

// LockTypeWrite 唯一支持的锁类型
const LockTypeWrite = "write"

// LockedObject 锁定信息结构
type LockedObject struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Scope     LockScope     `json:"scope"`
	Type      string        `json:"type"`
	Depth     int           `json:"depth"` // 0 或 DepthInfinity
	Owners    []string      `json:"owners"`
	Timeout   time.Duration `json:"timeout"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Temporary bool          `json:"temporary"`
}

// IsExclusive 是否为排他锁
func (l *LockedObject) IsExclusive() bool {
	return l.Scope == LockScopeExclusive
}

// Expired 是否已过期
func (l *LockedObject) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining 剩余有效时间
func (l *LockedObject) Remaining(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// Token 锁令牌
func (l *LockedObject) Token() string {
	return "opaquelocktoken:" + l.ID
}

// HasOwner 是否包含指定持有者
func (l *LockedObject) HasOwner(owner string) bool {
	for _, o := range l.Owners {
		if o == owner {
			return true
		}
	}
	return false
}

func (l *LockedObject) clone() *LockedObject {
	c := *l
	c.Owners = append([]string(nil), l.Owners...)
	return &c
}

// overlaps 判断已有锁与请求的路径范围是否重叠
func overlaps(existing *LockedObject, path string, depth int) bool {
	if existing.Path == path {
		return true
	}
	if existing.Depth == DepthInfinity && utils.Path.IsAncestor(existing.Path, path) {
		return true
	}
	return depth == DepthInfinity && utils.Path.IsAncestor(path, existing.Path)
}

// lockTable 按ID和路径索引的锁表
type lockTable struct {
	byID   map[string]*LockedObject
	byPath map[string][]*LockedObject
}

func newLockTable() *lockTable {
	return &lockTable{
		byID:   make(map[string]*LockedObject),
		byPath: make(map[string][]*LockedObject),
	}
}

func (t *lockTable) add(lock *LockedObject) {
	t.byID[lock.ID] = lock
	t.byPath[lock.Path] = append(t.byPath[lock.Path], lock)
}

func (t *lockTable) remove(id string) (*LockedObject, bool) {
	lock, exists := t.byID[id]
	if !exists {
		return nil, false
	}

	if locks, ok := t.byPath[lock.Path]; ok {
		for i, l := range locks {
			if l.ID == id {
				t.byPath[lock.Path] = append(locks[:i], locks[i+1:]...)
				break
			}
		}
		if len(t.byPath[lock.Path]) == 0 {
			delete(t.byPath, lock.Path)
		}
	}

	delete(t.byID, id)
	return lock, true
}

// LockStats 锁定统计信息
type LockStats struct {
	TotalLocks     int            `json:"total_locks"`
	ExclusiveLocks int            `json:"exclusive_locks"`
	SharedLocks    int            `json:"shared_locks"`
	TemporaryLocks int            `json:"temporary_locks"`
	ExpiredLocks   int            `json:"expired_locks"`
	ActiveLocks    int            `json:"active_locks"`
	PersistedLocks int            `json:"persisted_locks"`
	AverageTimeout float64        `json:"average_timeout"` // 秒
	LocksByPath    map[string]int `json:"locks_by_path"`
	LocksByOwner   map[string]int `json:"locks_by_owner"`
}

// LockManager 锁定管理器
//
// 临时锁和持久锁分表保存，冲突检查同时考虑两者。过期的锁在读取时视为不存在，
// 在下一次加锁时统一清理。
type LockManager struct {
	mu             sync.RWMutex
	permanent      *lockTable
	temporary      *lockTable
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	persistence    *LockPersistence
	logger         *logrus.Logger
	now            func() time.Time
}

// NewLockManager 创建使用默认超时的内存锁定管理器
func NewLockManager(logger *logrus.Logger) *LockManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LockManager{
		permanent:      newLockTable(),
		temporary:      newLockTable(),
		defaultTimeout: 30 * time.Minute,
		maxTimeout:     24 * time.Hour,
		logger:         logger,
		now:            time.Now,
	}
}

// NewLockManagerWithConfig 按配置创建锁定管理器，启用持久化时从数据库恢复锁
func NewLockManagerWithConfig(cfg config.LockConfig, logger *logrus.Logger) (*LockManager, error) {
	lm := NewLockManager(logger)
	if cfg.DefaultTimeout > 0 {
		lm.defaultTimeout = cfg.DefaultTimeout
	}
	if cfg.MaxTimeout > 0 {
		lm.maxTimeout = cfg.MaxTimeout
	}

	if cfg.Persistence.Enabled {
		persistence, err := NewLockPersistence(cfg.Persistence.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize lock persistence: %w", err)
		}
		lm.persistence = persistence

		if err := lm.restoreFromPersistence(); err != nil {
			persistence.Close()
			return nil, err
		}
	}

	return lm, nil
}

// clampTimeout 应用默认值和上限
func (lm *LockManager) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = lm.defaultTimeout
	}
	if timeout > lm.maxTimeout {
		timeout = lm.maxTimeout
	}
	return timeout
}

// Lock 尝试加锁，成功返回 true
func (lm *LockManager) Lock(tx *store.Transaction, path, owner string, exclusive bool, depth int, timeout time.Duration, temporary bool) bool {
	_, err := lm.LockResource(tx, path, owner, exclusive, depth, timeout, temporary)
	if err != nil {
		lm.logger.WithFields(logrus.Fields{
			"path":  path,
			"owner": owner,
		}).WithError(err).Debug("lock refused")
		return false
	}
	return true
}

// LockResource 加锁，冲突时返回 *LockConflictError 且不产生任何副作用
//
// 同一路径上相同深度的共享锁会合并为一个锁对象，新持有者追加到 Owners。
func (lm *LockManager) LockResource(tx *store.Transaction, path, owner string, exclusive bool, depth int, timeout time.Duration, temporary bool) (*LockedObject, error) {
	path = utils.Path.Clean(path)
	if depth != 0 {
		depth = DepthInfinity
	}
	scope := LockScopeShared
	if exclusive {
		scope = LockScopeExclusive
	}
	timeout = lm.clampTimeout(timeout)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	lm.purgeExpiredUnsafe(now)

	conflicts := lm.conflictsUnsafe(path, exclusive, depth)
	if len(conflicts) > 0 {
		return nil, &LockConflictError{Path: path, Paths: conflicts}
	}

	table := lm.permanent
	if temporary {
		table = lm.temporary
	}

	if !exclusive {
		for _, existing := range table.byPath[path] {
			if existing.IsExclusive() || existing.Depth != depth {
				continue
			}
			if !existing.HasOwner(owner) {
				existing.Owners = append(existing.Owners, owner)
			}
			if expires := now.Add(timeout); expires.After(existing.ExpiresAt) {
				existing.Timeout = timeout
				existing.ExpiresAt = expires
			}
			lm.persistUnsafe(existing)
			return existing.clone(), nil
		}
	}

	lock := &LockedObject{
		ID:        uuid.New().String(),
		Path:      path,
		Scope:     scope,
		Type:      LockTypeWrite,
		Depth:     depth,
		Owners:    []string{owner},
		Timeout:   timeout,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Temporary: temporary,
	}
	table.add(lock)
	lm.persistUnsafe(lock)

	return lock.clone(), nil
}

// conflictsUnsafe 返回与请求冲突的锁根路径（去重、排序）
func (lm *LockManager) conflictsUnsafe(path string, exclusive bool, depth int) []string {
	seen := make(map[string]bool)
	var paths []string

	for _, table := range []*lockTable{lm.permanent, lm.temporary} {
		for _, lock := range table.byID {
			if !exclusive && !lock.IsExclusive() {
				continue
			}
			if !overlaps(lock, path, depth) {
				continue
			}
			if !seen[lock.Path] {
				seen[lock.Path] = true
				paths = append(paths, lock.Path)
			}
		}
	}

	sort.Strings(paths)
	return paths
}

// UnlockTemporaryLockedObjects 释放 owner 在 path 及其子孙路径上的所有临时锁，可重复调用
func (lm *LockManager) UnlockTemporaryLockedObjects(tx *store.Transaction, path, owner string) {
	path = utils.Path.Clean(path)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	var released []string
	for id, lock := range lm.temporary.byID {
		if !utils.Path.IsSelfOrDescendant(path, lock.Path) || !lock.HasOwner(owner) {
			continue
		}
		if len(lock.Owners) > 1 {
			lock.Owners = removeOwner(lock.Owners, owner)
			continue
		}
		released = append(released, id)
	}
	for _, id := range released {
		lm.temporary.remove(id)
	}
}

// GetLockedObjectByPath 返回 path 上的有效持久锁，排他锁优先
func (lm *LockManager) GetLockedObjectByPath(tx *store.Transaction, path string) *LockedObject {
	locks := lm.GetLockedObjectsByPath(tx, path)
	if len(locks) == 0 {
		return nil
	}
	for _, lock := range locks {
		if lock.IsExclusive() {
			return lock
		}
	}
	return locks[0]
}

// GetLockedObjectsByPath 返回 path 上所有有效的持久锁
func (lm *LockManager) GetLockedObjectsByPath(tx *store.Transaction, path string) []*LockedObject {
	path = utils.Path.Clean(path)

	lm.mu.RLock()
	defer lm.mu.RUnlock()

	now := lm.now()
	var locks []*LockedObject
	for _, lock := range lm.permanent.byPath[path] {
		if !lock.Expired(now) {
			locks = append(locks, lock.clone())
		}
	}
	return locks
}

// Unlock 释放持久锁；owner 为空时直接删除整个锁
func (lm *LockManager) Unlock(tx *store.Transaction, id, owner string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lock, exists := lm.permanent.byID[id]
	if !exists {
		return false
	}
	if owner != "" {
		if !lock.HasOwner(owner) {
			return false
		}
		if len(lock.Owners) > 1 {
			lock.Owners = removeOwner(lock.Owners, owner)
			lm.persistUnsafe(lock)
			return true
		}
	}

	lm.permanent.remove(id)
	lm.unpersistUnsafe(id)
	return true
}

// RefreshLock 刷新持久锁的超时
func (lm *LockManager) RefreshLock(id string, timeout time.Duration) (*LockedObject, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lock, exists := lm.permanent.byID[id]
	if !exists {
		return nil, ErrLockNotFound
	}

	now := lm.now()
	if lock.Expired(now) {
		lm.permanent.remove(id)
		lm.unpersistUnsafe(id)
		return nil, ErrLockNotFound
	}

	lock.Timeout = lm.clampTimeout(timeout)
	lock.ExpiresAt = now.Add(lock.Timeout)
	lm.persistUnsafe(lock)

	return lock.clone(), nil
}

// GetLock 获取锁定信息
func (lm *LockManager) GetLock(id string) (*LockedObject, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	lock, exists := lm.permanent.byID[id]
	if !exists {
		lock, exists = lm.temporary.byID[id]
	}
	if !exists || lock.Expired(lm.now()) {
		return nil, false
	}
	return lock.clone(), true
}

// GetAllLocks 获取所有有效锁定，按路径排序
func (lm *LockManager) GetAllLocks() []*LockedObject {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	now := lm.now()
	locks := make([]*LockedObject, 0, len(lm.permanent.byID)+len(lm.temporary.byID))
	for _, table := range []*lockTable{lm.permanent, lm.temporary} {
		for _, lock := range table.byID {
			if !lock.Expired(now) {
				locks = append(locks, lock.clone())
			}
		}
	}

	sort.Slice(locks, func(i, j int) bool {
		if locks[i].Path != locks[j].Path {
			return locks[i].Path < locks[j].Path
		}
		return locks[i].CreatedAt.Before(locks[j].CreatedAt)
	})
	return locks
}

// GetLockCount 获取有效锁定数量
func (lm *LockManager) GetLockCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	now := lm.now()
	count := 0
	for _, table := range []*lockTable{lm.permanent, lm.temporary} {
		for _, lock := range table.byID {
			if !lock.Expired(now) {
				count++
			}
		}
	}
	return count
}

// GetStatistics 获取锁定统计信息
func (lm *LockManager) GetStatistics() (*LockStats, error) {
	stats := &LockStats{
		LocksByPath:  make(map[string]int),
		LocksByOwner: make(map[string]int),
	}

	lm.mu.RLock()
	now := lm.now()
	for _, table := range []*lockTable{lm.permanent, lm.temporary} {
		for _, lock := range table.byID {
			stats.TotalLocks++
			if lock.Expired(now) {
				stats.ExpiredLocks++
				continue
			}

			stats.ActiveLocks++
			if lock.IsExclusive() {
				stats.ExclusiveLocks++
			} else {
				stats.SharedLocks++
			}
			if lock.Temporary {
				stats.TemporaryLocks++
			}

			stats.LocksByPath[lock.Path]++
			for _, owner := range lock.Owners {
				stats.LocksByOwner[owner]++
			}
			stats.AverageTimeout += lock.Timeout.Seconds()
		}
	}
	lm.mu.RUnlock()

	if stats.ActiveLocks > 0 {
		stats.AverageTimeout /= float64(stats.ActiveLocks)
	}

	if lm.persistence != nil {
		persisted, err := lm.persistence.GetStats()
		if err != nil {
			return nil, err
		}
		stats.PersistedLocks = persisted.ActiveLocks
	}

	return stats, nil
}

// CleanExpiredLocks 清理过期的锁定，返回清理数量
func (lm *LockManager) CleanExpiredLocks() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.purgeExpiredUnsafe(lm.now())
}

func (lm *LockManager) purgeExpiredUnsafe(now time.Time) int {
	count := 0
	for _, table := range []*lockTable{lm.permanent, lm.temporary} {
		var expired []string
		for id, lock := range table.byID {
			if lock.Expired(now) {
				expired = append(expired, id)
			}
		}
		for _, id := range expired {
			if lock, ok := table.remove(id); ok && !lock.Temporary {
				lm.unpersistUnsafe(id)
			}
		}
		count += len(expired)
	}

	if count > 0 {
		lm.logger.WithField("count", count).Debug("purged expired locks")
	}
	return count
}

func (lm *LockManager) persistUnsafe(lock *LockedObject) {
	if lm.persistence == nil || lock.Temporary {
		return
	}
	if err := lm.persistence.SaveLock(lock); err != nil {
		lm.logger.WithError(err).WithField("lock_id", lock.ID).Warn("failed to persist lock")
	}
}

func (lm *LockManager) unpersistUnsafe(id string) {
	if lm.persistence == nil {
		return
	}
	if err := lm.persistence.DeleteLock(id); err != nil {
		lm.logger.WithError(err).WithField("lock_id", id).Warn("failed to delete lock from persistence")
	}
}

// restoreFromPersistence 从持久化存储恢复锁定数据
func (lm *LockManager) restoreFromPersistence() error {
	if _, err := lm.persistence.CleanExpiredLocks(lm.now()); err != nil {
		lm.logger.WithError(err).Warn("failed to clean expired locks from persistence")
	}

	locks, err := lm.persistence.LoadAllLocks(lm.now())
	if err != nil {
		return fmt.Errorf("failed to load locks from persistence: %w", err)
	}

	lm.mu.Lock()
	for _, lock := range locks {
		lm.permanent.add(lock)
	}
	lm.mu.Unlock()

	lm.logger.WithField("count", len(locks)).Info("restored locks from persistence")
	return nil
}

// Close 关闭锁定管理器
func (lm *LockManager) Close() error {
	if lm.persistence != nil {
		if err := lm.persistence.Close(); err != nil {
			return fmt.Errorf("failed to close persistence: %w", err)
		}
	}
	return nil
}

func removeOwner(owners []string, owner string) []string {
	kept := make([]string, 0, len(owners))
	for _, o := range owners {
		if o != owner {
			kept = append(kept, o)
		}
	}
	return kept
}
