package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ========================================
// Namespace Constants - 命名空间常量
// ========================================

const (
	// NamespaceDAV DAV命名空间
	NamespaceDAV = "DAV:"

	// PrefixDAV DAV命名空间的默认前缀
	PrefixDAV = "D"
)

// DefaultNamespaces 序列化时预注册的命名空间前缀表
func DefaultNamespaces() map[string]string {
	return map[string]string{NamespaceDAV: PrefixDAV}
}

// ========================================
// Live Properties - 活属性名称
// ========================================

// 限定名格式为 "命名空间:本地名"，例如 "DAV::getetag"
const (
	PropCreationDate       = NamespaceDAV + ":creationdate"
	PropDisplayName        = NamespaceDAV + ":displayname"
	PropGetContentLanguage = NamespaceDAV + ":getcontentlanguage"
	PropGetContentLength   = NamespaceDAV + ":getcontentlength"
	PropGetContentType     = NamespaceDAV + ":getcontenttype"
	PropGetETag            = NamespaceDAV + ":getetag"
	PropGetLastModified    = NamespaceDAV + ":getlastmodified"
	PropResourceType       = NamespaceDAV + ":resourcetype"
	PropSource             = NamespaceDAV + ":source"
	PropSupportedLock      = NamespaceDAV + ":supportedlock"
	PropLockDiscovery      = NamespaceDAV + ":lockdiscovery"
)

// multistatus 响应中使用的元素名
const (
	ElemMultiStatus = NamespaceDAV + ":multistatus"
	ElemResponse    = NamespaceDAV + ":response"
	ElemHref        = NamespaceDAV + ":href"
	ElemPropStat    = NamespaceDAV + ":propstat"
	ElemProp        = NamespaceDAV + ":prop"
	ElemStatus      = NamespaceDAV + ":status"
	ElemCollection  = NamespaceDAV + ":collection"
	ElemLockEntry   = NamespaceDAV + ":lockentry"
	ElemLockScope   = NamespaceDAV + ":lockscope"
	ElemLockType    = NamespaceDAV + ":locktype"
	ElemExclusive   = NamespaceDAV + ":exclusive"
	ElemShared      = NamespaceDAV + ":shared"
	ElemActiveLock  = NamespaceDAV + ":activelock"
	ElemDepth       = NamespaceDAV + ":depth"
	ElemOwner       = NamespaceDAV + ":owner"
	ElemTimeout     = NamespaceDAV + ":timeout"
	ElemLockToken   = NamespaceDAV + ":locktoken"
)

// KnownLiveProperties 已知的活属性
var KnownLiveProperties = map[string]bool{
	PropCreationDate:       true,
	PropDisplayName:        true,
	PropGetContentLanguage: true,
	PropGetContentLength:   true,
	PropGetContentType:     true,
	PropGetETag:            true,
	PropGetLastModified:    true,
	PropResourceType:       true,
	PropSource:             true,
	PropSupportedLock:      true,
	PropLockDiscovery:      true,
}

// FolderOmittedProperties 集合资源没有单一表示，这些属性对文件夹不适用
var FolderOmittedProperties = map[string]bool{
	PropGetContentLanguage: true,
	PropGetContentLength:   true,
	PropGetContentType:     true,
	PropGetETag:            true,
	PropGetLastModified:    true,
}

// DAVName 构造DAV命名空间下的限定名
func DAVName(local string) string {
	return NamespaceDAV + ":" + local
}

// SplitName 将限定名拆分为命名空间和本地名
func SplitName(name string) (namespace, local string) {
	idx := strings.LastIndex(name, ":")
	if idx < 0 {
		return "", name
	}
	return name[:idx], name[idx+1:]
}

// ========================================
// PROPFIND Types
// ========================================

// FindType PROPFIND属性查找模式
type FindType int

const (
	// FindAll 返回所有标准属性
	FindAll FindType = iota
	// FindByProperty 按请求的属性名返回
	FindByProperty
	// FindNames 只返回属性名
	FindNames
)

func (f FindType) String() string {
	switch f {
	case FindAll:
		return "allprop"
	case FindByProperty:
		return "prop"
	case FindNames:
		return "propname"
	default:
		return "unknown"
	}
}

// StatusLine 生成propstat中的状态行，例如 "HTTP/1.1 200 OK"
func StatusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}
