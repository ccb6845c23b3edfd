package utils

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// PathUtil 资源路径工具类
type PathUtil struct{}

var Path PathUtil

// Clean 规范化资源路径：以 "/" 开头，除根路径外不以 "/" 结尾
func (p PathUtil) Clean(resourcePath string) string {
	if resourcePath == "" {
		return "/"
	}
	return path.Clean("/" + strings.ReplaceAll(resourcePath, "\\", "/"))
}

// Join 拼接父路径和子节点名称，不产生重复的 "/"
func (p PathUtil) Join(parent, name string) string {
	name = strings.TrimPrefix(name, "/")
	if strings.HasSuffix(parent, "/") {
		return parent + name
	}
	return parent + "/" + name
}

// LastSegment 返回路径最后一段，根路径返回空字符串
func (p PathUtil) LastSegment(resourcePath string) string {
	if idx := strings.LastIndex(resourcePath, "/"); idx >= 0 {
		return resourcePath[idx+1:]
	}
	return resourcePath
}

// Parent 返回父路径，根路径返回自身
func (p PathUtil) Parent(resourcePath string) string {
	return path.Dir(p.Clean(resourcePath))
}

// IsAncestor 判断 ancestor 是否是 descendant 的真祖先
func (p PathUtil) IsAncestor(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}
	if ancestor == "/" {
		return strings.HasPrefix(descendant, "/")
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}

// IsSelfOrDescendant 判断 candidate 是否为 root 或其子孙
func (p PathUtil) IsSelfOrDescendant(root, candidate string) bool {
	return root == candidate || p.IsAncestor(root, candidate)
}

// Href 拼接基础路径和资源路径，文件夹追加 "/"，各段做URL转义
func (p PathUtil) Href(basePath, resourcePath string, isFolder bool) string {
	href := basePath
	if strings.HasSuffix(href, "/") && strings.HasPrefix(resourcePath, "/") {
		href += resourcePath[1:]
	} else {
		href += resourcePath
	}
	if isFolder && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	return p.escape(href)
}

// escape 逐段转义，保留 "/"
func (p PathUtil) escape(href string) string {
	segments := strings.Split(href, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

// ParseDepth 解析Depth请求头，缺失或无法解析时返回 infinity
func (p PathUtil) ParseDepth(header string, infinity int) int {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, "infinity") {
		return infinity
	}
	depth, err := strconv.Atoi(header)
	if err != nil || depth < 0 {
		return infinity
	}
	return depth
}

// TimeUtil 时间工具类
type TimeUtil struct{}

var Time TimeUtil

// CreationDateFormat creationdate属性使用的格式（UTC）
const CreationDateFormat = "2006-01-02T15:04:05Z"

// FormatCreationDate 格式化creationdate
func (t TimeUtil) FormatCreationDate(tm time.Time) string {
	return tm.UTC().Format(CreationDateFormat)
}

// FormatLastModified 按HTTP日期格式化getlastmodified
func (t TimeUtil) FormatLastModified(tm time.Time) string {
	return tm.UTC().Format(http.TimeFormat)
}

// WholeSeconds 向下取整到秒，负值返回0
func (t TimeUtil) WholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
