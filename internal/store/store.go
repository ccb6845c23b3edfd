package store

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrAccessDenied 存储拒绝访问该资源
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("resource not found")
	// ErrNotFolder 资源不是文件夹，无法列出子节点
	ErrNotFolder = errors.New("resource is not a folder")
)

// StoredObject 存储中资源的元数据快照
type StoredObject struct {
	IsFolder       bool
	CreationDate   time.Time
	LastModified   time.Time
	ResourceLength int64
	// IsNullResource 被锁定但尚未写入内容的占位资源
	IsNullResource bool
	// ContentID 内容标识，非空时用作强ETag
	ContentID string
}

// Transaction 一次请求内贯穿存储和锁管理器调用的事务句柄
type Transaction struct {
	ctx context.Context
	id  string
}

// NewTransaction 创建事务
func NewTransaction(ctx context.Context, id string) *Transaction {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Transaction{ctx: ctx, id: id}
}

// Context 返回事务关联的上下文，tx 为 nil 时返回 context.Background
func (tx *Transaction) Context() context.Context {
	if tx == nil || tx.ctx == nil {
		return context.Background()
	}
	return tx.ctx
}

// ID 返回事务标识
func (tx *Transaction) ID() string {
	if tx == nil {
		return ""
	}
	return tx.id
}

// Store 分层资源存储
type Store interface {
	// GetStoredObject 返回路径对应的资源，不存在时返回 nil, nil
	GetStoredObject(tx *Transaction, resourcePath string) (*StoredObject, error)
	// GetChildrenNames 返回文件夹的直接子节点名称
	GetChildrenNames(tx *Transaction, folderPath string) ([]string, error)
}

// MimeTyper 按路径查找MIME类型，未知时返回空字符串
type MimeTyper interface {
	GetMimeType(resourcePath string) string
}

// CleanPath 规范化资源路径：以 "/" 开头，不以 "/" 结尾（根路径除外）
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

// childPath 拼接父路径和子节点名称
func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
