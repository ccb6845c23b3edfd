package webdav

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// LockPersistence 持久锁的SQLite存储，临时锁从不落盘
type LockPersistence struct {
	db *sql.DB
	mu sync.RWMutex
}

// PersistenceStats 持久化存储中的锁统计
type PersistenceStats struct {
	TotalLocks   int `json:"total_locks"`
	ActiveLocks  int `json:"active_locks"`
	ExpiredLocks int `json:"expired_locks"`
}

// NewLockPersistence 打开或创建锁数据库
func NewLockPersistence(path string) (*LockPersistence, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)

	lp := &LockPersistence{db: db}
	if err := lp.initDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return lp, nil
}

// initDatabase 初始化数据库表结构
func (lp *LockPersistence) initDatabase() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS locks (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			scope TEXT NOT NULL,
			type TEXT NOT NULL,
			depth INTEGER NOT NULL,
			owners TEXT NOT NULL,
			timeout_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_path ON locks(path)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_expires_at ON locks(expires_at)`,
	}

	for _, query := range queries {
		if _, err := lp.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// SaveLock 保存锁定到持久化存储
func (lp *LockPersistence) SaveLock(lock *LockedObject) error {
	if lock.Temporary {
		return nil
	}

	owners, err := json.Marshal(lock.Owners)
	if err != nil {
		return fmt.Errorf("failed to marshal owners: %w", err)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO locks
		(id, path, scope, type, depth, owners, timeout_ms, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = lp.db.Exec(query,
		lock.ID, lock.Path, string(lock.Scope), lock.Type, lock.Depth, string(owners),
		lock.Timeout.Milliseconds(), lock.CreatedAt.UnixMilli(), lock.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save lock: %w", err)
	}
	return nil
}

// DeleteLock 从持久化存储删除锁定
func (lp *LockPersistence) DeleteLock(id string) error {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	if _, err := lp.db.Exec(`DELETE FROM locks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

// LoadAllLocks 加载所有在 now 时刻仍有效的锁定
func (lp *LockPersistence) LoadAllLocks(now time.Time) ([]*LockedObject, error) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()

	rows, err := lp.db.Query(`
		SELECT id, path, scope, type, depth, owners, timeout_ms, created_at, expires_at
		FROM locks WHERE expires_at > ? ORDER BY created_at`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []*LockedObject
	for rows.Next() {
		var (
			lock                            LockedObject
			scope, owners                   string
			timeoutMS, createdAt, expiresAt int64
		)
		if err := rows.Scan(&lock.ID, &lock.Path, &scope, &lock.Type, &lock.Depth, &owners,
			&timeoutMS, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		if err := json.Unmarshal([]byte(owners), &lock.Owners); err != nil {
			// 跳过损坏的记录
			continue
		}
		lock.Scope = LockScope(scope)
		lock.Timeout = time.Duration(timeoutMS) * time.Millisecond
		lock.CreatedAt = time.UnixMilli(createdAt)
		lock.ExpiresAt = time.UnixMilli(expiresAt)
		locks = append(locks, &lock)
	}

	return locks, rows.Err()
}

// CleanExpiredLocks 删除在 now 时刻已过期的锁定
func (lp *LockPersistence) CleanExpiredLocks(now time.Time) (int, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	result, err := lp.db.Exec(`DELETE FROM locks WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired locks: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

// GetStats 获取持久化存储的统计信息
func (lp *LockPersistence) GetStats() (*PersistenceStats, error) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()

	stats := &PersistenceStats{}
	row := lp.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM locks`, time.Now().UnixMilli())
	if err := row.Scan(&stats.TotalLocks, &stats.ExpiredLocks); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.ActiveLocks = stats.TotalLocks - stats.ExpiredLocks
	return stats, nil
}

// Close 关闭持久化管理器
func (lp *LockPersistence) Close() error {
	if lp == nil || lp.db == nil {
		return nil
	}
	return lp.db.Close()
}
