package store

import (
	"mime"
	"path"
	"strings"
)

// ExtensionTyper 按文件扩展名查找MIME类型
type ExtensionTyper struct {
	overrides map[string]string
}

// Extensions 默认的扩展名MIME查找器
var Extensions = NewExtensionTyper(nil)

// NewExtensionTyper 创建扩展名查找器，overrides 的键为带点的小写扩展名
func NewExtensionTyper(overrides map[string]string) ExtensionTyper {
	table := map[string]string{
		".md":   "text/markdown",
		".yaml": "application/yaml",
		".yml":  "application/yaml",
	}
	for ext, mimeType := range overrides {
		table[strings.ToLower(ext)] = mimeType
	}
	return ExtensionTyper{overrides: table}
}

// GetMimeType 实现 MimeTyper
func (e ExtensionTyper) GetMimeType(resourcePath string) string {
	ext := strings.ToLower(path.Ext(resourcePath))
	if ext == "" {
		return ""
	}
	if mimeType, ok := e.overrides[ext]; ok {
		return mimeType
	}
	return mime.TypeByExtension(ext)
}
