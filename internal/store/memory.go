package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryStore 基于B树路径索引的内存资源存储
//
// 路径按字典序保存在B树中，列出子节点时从 "folder/" 开始做前缀扫描。
type MemoryStore struct {
	mu    sync.RWMutex
	paths *btree.Map[string, *StoredObject]
}

// NewMemoryStore 创建只包含根目录的内存存储
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	m := &MemoryStore{
		paths: btree.NewMap[string, *StoredObject](0),
	}
	m.paths.Set("/", &StoredObject{IsFolder: true, CreationDate: now, LastModified: now})
	return m
}

// PutFolder 创建文件夹，缺失的父目录一并创建
func (m *MemoryStore) PutFolder(folderPath string, created time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := CleanPath(folderPath)
	if err := m.ensureParentsUnsafe(p, created); err != nil {
		return err
	}
	if existing, ok := m.paths.Get(p); ok {
		if !existing.IsFolder {
			return fmt.Errorf("put folder %s: %w", p, ErrNotFolder)
		}
		return nil
	}
	m.paths.Set(p, &StoredObject{IsFolder: true, CreationDate: created, LastModified: created})
	return nil
}

// PutFile 写入文件元数据，缺失的父目录一并创建
func (m *MemoryStore) PutFile(filePath string, obj StoredObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := CleanPath(filePath)
	if p == "/" {
		return fmt.Errorf("put file: root is a folder")
	}
	if err := m.ensureParentsUnsafe(p, obj.CreationDate); err != nil {
		return err
	}
	if existing, ok := m.paths.Get(p); ok && existing.IsFolder {
		return fmt.Errorf("put file %s: path is a folder", p)
	}

	obj.IsFolder = false
	m.paths.Set(p, &obj)
	return nil
}

// Remove 删除资源及其所有子孙节点
func (m *MemoryStore) Remove(resourcePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := CleanPath(resourcePath)
	if p == "/" {
		return
	}

	doomed := []string{p}
	prefix := p + "/"
	m.paths.Ascend(prefix, func(key string, _ *StoredObject) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		doomed = append(doomed, key)
		return true
	})
	for _, key := range doomed {
		m.paths.Delete(key)
	}
}

// Len 返回资源数量（包括根目录）
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths.Len()
}

// GetStoredObject 返回路径对应的资源副本
func (m *MemoryStore) GetStoredObject(tx *Transaction, resourcePath string) (*StoredObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.paths.Get(CleanPath(resourcePath))
	if !ok {
		return nil, nil
	}
	snapshot := *obj
	return &snapshot, nil
}

// GetChildrenNames 按字典序返回直接子节点名称
func (m *MemoryStore) GetChildrenNames(tx *Transaction, folderPath string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := CleanPath(folderPath)
	obj, ok := m.paths.Get(p)
	if !ok {
		return nil, fmt.Errorf("list %s: %w", p, ErrNotFound)
	}
	if !obj.IsFolder {
		return nil, fmt.Errorf("list %s: %w", p, ErrNotFolder)
	}

	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}

	names := make([]string, 0)
	m.paths.Ascend(prefix, func(key string, _ *StoredObject) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		rest := key[len(prefix):]
		if rest != "" && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
		return true
	})
	return names, nil
}

func (m *MemoryStore) ensureParentsUnsafe(p string, created time.Time) error {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	current := "/"
	for _, segment := range segments[:len(segments)-1] {
		current = childPath(current, segment)
		existing, ok := m.paths.Get(current)
		if !ok {
			m.paths.Set(current, &StoredObject{IsFolder: true, CreationDate: created, LastModified: created})
			continue
		}
		if !existing.IsFolder {
			return fmt.Errorf("parent %s: %w", current, ErrNotFolder)
		}
	}
	return nil
}
