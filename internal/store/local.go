package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
)

// LocalStore 以本地目录为根的资源存储
type LocalStore struct {
	root string
}

// NewLocalStore 创建本地存储，root 必须是已存在的目录
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s: %w", abs, ErrNotFolder)
	}
	return &LocalStore{root: abs}, nil
}

// Root 返回存储根目录
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) resolve(resourcePath string) string {
	// CleanPath 已消除 ".."，拼接结果不会逃出根目录
	return filepath.Join(s.root, filepath.FromSlash(CleanPath(resourcePath)))
}

// GetStoredObject 返回本地文件或目录的元数据
func (s *LocalStore) GetStoredObject(tx *Transaction, resourcePath string) (*StoredObject, error) {
	info, err := os.Stat(s.resolve(resourcePath))
	if err != nil {
		return nil, mapFSError(err)
	}

	obj := &StoredObject{
		IsFolder:     info.IsDir(),
		CreationDate: info.ModTime().UTC(),
		LastModified: info.ModTime().UTC(),
	}
	if !obj.IsFolder {
		obj.ResourceLength = info.Size()
	}
	return obj, nil
}

// GetChildrenNames 按名称排序返回目录项
func (s *LocalStore) GetChildrenNames(tx *Transaction, folderPath string) ([]string, error) {
	full := s.resolve(folderPath)
	info, err := os.Stat(full)
	if err != nil {
		if mapped := mapFSError(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("list %s: %w", folderPath, ErrNotFound)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: %w", folderPath, ErrNotFolder)
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, ErrAccessDenied
		}
		return nil, fmt.Errorf("read dir %s: %w", folderPath, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// GetMimeType 按扩展名查找MIME类型，扩展名未知时嗅探文件内容
func (s *LocalStore) GetMimeType(resourcePath string) string {
	if mimeType := Extensions.GetMimeType(resourcePath); mimeType != "" {
		return mimeType
	}

	full := s.resolve(resourcePath)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return ""
	}
	detected, err := mimetype.DetectFile(full)
	if err != nil {
		return ""
	}
	return detected.String()
}

// mapFSError 不存在返回 nil，权限不足映射为 ErrAccessDenied
func mapFSError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return nil
	case errors.Is(err, fs.ErrPermission):
		return ErrAccessDenied
	default:
		return fmt.Errorf("stat: %w", err)
	}
}
