package webdav

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sitetool-dav/internal/store"
	"github.com/sitetool-dav/internal/types"
	"github.com/sitetool-dav/internal/webdav/utils"
	davxml "github.com/sitetool-dav/internal/webdav/xml"
)

// DefaultTempLockTimeout PROPFIND期间临时锁的默认超时
const DefaultTempLockTimeout = 10 * time.Second

// PropfindRequest 已从传输层解析出的PROPFIND请求
type PropfindRequest struct {
	Path          string
	Body          []byte
	ContentLength int64
	Depth         int
	// Identity 请求标识，用于生成临时锁持有者
	Identity string
}

// ResponseSink 响应输出
type ResponseSink interface {
	SendMultiStatus(body []byte) error
	SendLockedReport(statuses map[string]int) error
	SendError(status int) error
}

// PropfindOptions PROPFIND处理器选项
type PropfindOptions struct {
	BasePath    string
	TempTimeout time.Duration
}

// PropfindHandler 处理PROPFIND请求
type PropfindHandler struct {
	store       store.Store
	mimeTyper   store.MimeTyper
	locks       *LockManager
	basePath    string
	tempTimeout time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPropfindHandler 创建PROPFIND处理器
func NewPropfindHandler(st store.Store, mimeTyper store.MimeTyper, locks *LockManager, opts PropfindOptions, logger *logrus.Logger) *PropfindHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if mimeTyper == nil {
		mimeTyper = store.Extensions
	}
	if opts.TempTimeout <= 0 {
		opts.TempTimeout = DefaultTempLockTimeout
	}
	return &PropfindHandler{
		store:       st,
		mimeTyper:   mimeTyper,
		locks:       locks,
		basePath:    opts.BasePath,
		tempTimeout: opts.TempTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// HandlePropfind 执行一次PROPFIND
//
// 临时共享锁覆盖整个遍历过程，无论成功、出错还是panic都会释放。
// 只有 sink 返回的错误会返回给调用者。
func (h *PropfindHandler) HandlePropfind(tx *store.Transaction, req *PropfindRequest, sink ResponseSink) error {
	path := utils.Path.Clean(req.Path)
	depth := req.Depth
	if depth < 0 {
		depth = DepthInfinity
	}
	owner := "propfind" + strconv.FormatInt(h.now().UnixNano(), 10) + req.Identity
	log := h.logger.WithFields(logrus.Fields{
		"path":  path,
		"depth": depth,
	})

	if _, err := h.locks.LockResource(tx, path, owner, false, depth, h.tempTimeout, true); err != nil {
		statuses := map[string]int{path: http.StatusLocked}
		var conflict *LockConflictError
		if errors.As(err, &conflict) {
			for _, p := range conflict.Paths {
				statuses[p] = http.StatusLocked
			}
		}
		log.WithError(err).Debug("propfind refused by lock")
		return sink.SendLockedReport(statuses)
	}
	defer h.locks.UnlockTemporaryLockedObjects(tx, path, owner)

	obj, err := h.store.GetStoredObject(tx, path)
	if err != nil {
		return h.sendStoreError(sink, log, err)
	}
	if obj == nil {
		return sink.SendError(http.StatusNotFound)
	}

	findType := types.FindAll
	var properties []string
	if req.ContentLength != 0 && len(req.Body) > 0 {
		findType, properties, err = davxml.ParsePropfind(req.Body)
		if err != nil {
			log.WithError(err).Error("failed to parse propfind body")
			return sink.SendError(http.StatusInternalServerError)
		}
	}

	var buf bytes.Buffer
	w := davxml.NewWriter(&buf, types.DefaultNamespaces())
	w.WriteXMLHeader()
	w.WriteElement(types.ElemMultiStatus, davxml.Opening)

	walk := &propfindWalk{
		handler:    h,
		tx:         tx,
		w:          w,
		findType:   findType,
		properties: properties,
	}
	if err := walk.visit(path, obj, depth); err != nil {
		return h.sendStoreError(sink, log, err)
	}

	w.WriteElement(types.ElemMultiStatus, davxml.Closing)
	if err := w.Close(); err != nil {
		log.WithError(err).Error("failed to serialize multistatus")
		return sink.SendError(http.StatusInternalServerError)
	}

	log.WithFields(logrus.Fields{
		"find_type": findType.String(),
		"responses": walk.count,
	}).Debug("propfind completed")
	return sink.SendMultiStatus(buf.Bytes())
}

// sendStoreError 访问拒绝返回403，其余错误记录日志并返回500
func (h *PropfindHandler) sendStoreError(sink ResponseSink, log *logrus.Entry, err error) error {
	if errors.Is(err, store.ErrAccessDenied) {
		return sink.SendError(http.StatusForbidden)
	}
	log.WithError(err).Error("propfind failed")
	return sink.SendError(http.StatusInternalServerError)
}

// propfindWalk 一次遍历的状态
type propfindWalk struct {
	handler    *PropfindHandler
	tx         *store.Transaction
	w          *davxml.Writer
	findType   types.FindType
	properties []string
	count      int
}

// visit 输出当前资源，深度允许时递归子节点；无限深度不递减
func (p *propfindWalk) visit(path string, obj *store.StoredObject, depth int) error {
	p.writeResponse(path, obj)
	p.count++

	if depth == 0 || !obj.IsFolder {
		return nil
	}

	names, err := p.handler.store.GetChildrenNames(p.tx, path)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", path, err)
	}

	next := depth - 1
	if depth == DepthInfinity {
		next = DepthInfinity
	}

	for _, name := range names {
		childPath := utils.Path.Join(path, name)
		child, err := p.handler.store.GetStoredObject(p.tx, childPath)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", childPath, err)
		}
		if child == nil {
			// 列出后被删除
			continue
		}
		if err := p.visit(childPath, child, next); err != nil {
			return err
		}
	}
	return nil
}

func (p *propfindWalk) writeResponse(path string, obj *store.StoredObject) {
	w := p.w
	h := p.handler

	w.WriteElement(types.ElemResponse, davxml.Opening)
	w.WriteElement(types.ElemHref, davxml.Opening)
	w.WriteText(utils.Path.Href(h.basePath, path, obj.IsFolder))
	w.WriteElement(types.ElemHref, davxml.Closing)

	switch p.findType {
	case types.FindAll:
		p.writeAll(path, obj)
	case types.FindNames:
		p.writeNames(obj)
	case types.FindByProperty:
		p.writeByProperty(path, obj)
	}

	w.WriteElement(types.ElemResponse, davxml.Closing)
}

func (p *propfindWalk) writeAll(path string, obj *store.StoredObject) {
	w := p.w
	h := p.handler

	w.WriteElement(types.ElemPropStat, davxml.Opening)
	w.WriteElement(types.ElemProp, davxml.Opening)

	w.WriteProperty(types.PropCreationDate, utils.Time.FormatCreationDate(obj.CreationDate))
	writeDisplayName(w, path)

	if !obj.IsFolder {
		w.WriteProperty(types.PropGetLastModified, utils.Time.FormatLastModified(obj.LastModified))
		w.WriteProperty(types.PropGetContentLength, strconv.FormatInt(obj.ResourceLength, 10))
		if contentType := h.mimeTyper.GetMimeType(path); contentType != "" {
			w.WriteProperty(types.PropGetContentType, contentType)
		}
		w.WriteProperty(types.PropGetETag, ETag(obj))
	}
	writeResourceType(w, obj)

	h.writeSupportedLock(p.tx, w, path)
	h.writeLockDiscovery(p.tx, w, path)
	w.WriteProperty(types.PropSource, "")

	w.WriteElement(types.ElemProp, davxml.Closing)
	writeStatus(w, http.StatusOK)
	w.WriteElement(types.ElemPropStat, davxml.Closing)
}

func (p *propfindWalk) writeNames(obj *store.StoredObject) {
	w := p.w

	w.WriteElement(types.ElemPropStat, davxml.Opening)
	w.WriteElement(types.ElemProp, davxml.Opening)

	w.WriteElement(types.PropCreationDate, davxml.NoContent)
	w.WriteElement(types.PropDisplayName, davxml.NoContent)
	if !obj.IsFolder {
		w.WriteElement(types.PropGetContentLanguage, davxml.NoContent)
		w.WriteElement(types.PropGetContentLength, davxml.NoContent)
		w.WriteElement(types.PropGetContentType, davxml.NoContent)
		w.WriteElement(types.PropGetETag, davxml.NoContent)
		w.WriteElement(types.PropGetLastModified, davxml.NoContent)
	}
	w.WriteElement(types.PropResourceType, davxml.NoContent)
	w.WriteElement(types.PropSupportedLock, davxml.NoContent)
	w.WriteElement(types.PropLockDiscovery, davxml.NoContent)
	w.WriteElement(types.PropSource, davxml.NoContent)

	w.WriteElement(types.ElemProp, davxml.Closing)
	writeStatus(w, http.StatusOK)
	w.WriteElement(types.ElemPropStat, davxml.Closing)
}

func (p *propfindWalk) writeByProperty(path string, obj *store.StoredObject) {
	w := p.w
	h := p.handler
	var notFound []string

	w.WriteElement(types.ElemPropStat, davxml.Opening)
	w.WriteElement(types.ElemProp, davxml.Opening)

	for _, property := range p.properties {
		if obj.IsFolder && types.FolderOmittedProperties[property] {
			notFound = append(notFound, property)
			continue
		}

		switch property {
		case types.PropCreationDate:
			w.WriteProperty(types.PropCreationDate, utils.Time.FormatCreationDate(obj.CreationDate))
		case types.PropDisplayName:
			writeDisplayName(w, path)
		case types.PropGetContentLanguage:
			w.WriteElement(types.PropGetContentLanguage, davxml.NoContent)
		case types.PropGetContentLength:
			w.WriteProperty(types.PropGetContentLength, strconv.FormatInt(obj.ResourceLength, 10))
		case types.PropGetContentType:
			contentType := h.mimeTyper.GetMimeType(path)
			if contentType == "" {
				notFound = append(notFound, property)
				continue
			}
			w.WriteProperty(types.PropGetContentType, contentType)
		case types.PropGetETag:
			if obj.IsNullResource {
				notFound = append(notFound, property)
				continue
			}
			w.WriteProperty(types.PropGetETag, ETag(obj))
		case types.PropGetLastModified:
			w.WriteProperty(types.PropGetLastModified, utils.Time.FormatLastModified(obj.LastModified))
		case types.PropResourceType:
			writeResourceType(w, obj)
		case types.PropSource:
			w.WriteProperty(types.PropSource, "")
		case types.PropSupportedLock:
			h.writeSupportedLock(p.tx, w, path)
		case types.PropLockDiscovery:
			h.writeLockDiscovery(p.tx, w, path)
		default:
			notFound = append(notFound, property)
		}
	}

	w.WriteElement(types.ElemProp, davxml.Closing)
	writeStatus(w, http.StatusOK)
	w.WriteElement(types.ElemPropStat, davxml.Closing)

	if len(notFound) == 0 {
		return
	}

	w.WriteElement(types.ElemPropStat, davxml.Opening)
	w.WriteElement(types.ElemProp, davxml.Opening)
	for _, property := range notFound {
		w.WriteElement(property, davxml.NoContent)
	}
	w.WriteElement(types.ElemProp, davxml.Closing)
	writeStatus(w, http.StatusNotFound)
	w.WriteElement(types.ElemPropStat, davxml.Closing)
}

// writeSupportedLock 未锁定时两种锁都可用，共享锁下只能再加共享锁，排他锁下没有可用的锁
func (h *PropfindHandler) writeSupportedLock(tx *store.Transaction, w *davxml.Writer, path string) {
	lock := h.locks.GetLockedObjectByPath(tx, path)

	w.WriteElement(types.PropSupportedLock, davxml.Opening)
	switch {
	case lock == nil:
		writeLockEntry(w, types.ElemExclusive, LockTypeWrite)
		writeLockEntry(w, types.ElemShared, LockTypeWrite)
	case !lock.IsExclusive():
		writeLockEntry(w, types.ElemShared, lock.Type)
	}
	w.WriteElement(types.PropSupportedLock, davxml.Closing)
}

func writeLockEntry(w *davxml.Writer, scope, lockType string) {
	w.WriteElement(types.ElemLockEntry, davxml.Opening)
	w.WriteElement(types.ElemLockScope, davxml.Opening)
	w.WriteElement(scope, davxml.NoContent)
	w.WriteElement(types.ElemLockScope, davxml.Closing)
	w.WriteElement(types.ElemLockType, davxml.Opening)
	w.WriteElement(types.DAVName(lockType), davxml.NoContent)
	w.WriteElement(types.ElemLockType, davxml.Closing)
	w.WriteElement(types.ElemLockEntry, davxml.Closing)
}

// writeLockDiscovery 每个有效的持久锁输出一个 activelock
func (h *PropfindHandler) writeLockDiscovery(tx *store.Transaction, w *davxml.Writer, path string) {
	locks := h.locks.GetLockedObjectsByPath(tx, path)
	if len(locks) == 0 {
		w.WriteElement(types.PropLockDiscovery, davxml.NoContent)
		return
	}

	now := h.now()
	w.WriteElement(types.PropLockDiscovery, davxml.Opening)
	for _, lock := range locks {
		w.WriteElement(types.ElemActiveLock, davxml.Opening)

		w.WriteElement(types.ElemLockType, davxml.Opening)
		w.WriteElement(types.DAVName(lock.Type), davxml.NoContent)
		w.WriteElement(types.ElemLockType, davxml.Closing)

		w.WriteElement(types.ElemLockScope, davxml.Opening)
		if lock.IsExclusive() {
			w.WriteElement(types.ElemExclusive, davxml.NoContent)
		} else {
			w.WriteElement(types.ElemShared, davxml.NoContent)
		}
		w.WriteElement(types.ElemLockScope, davxml.Closing)

		w.WriteProperty(types.ElemDepth, depthText(lock.Depth))

		for _, owner := range lock.Owners {
			w.WriteElement(types.ElemOwner, davxml.Opening)
			w.WriteProperty(types.ElemHref, owner)
			w.WriteElement(types.ElemOwner, davxml.Closing)
		}

		w.WriteProperty(types.ElemTimeout, "Second-"+strconv.FormatInt(utils.Time.WholeSeconds(lock.Remaining(now)), 10))

		w.WriteElement(types.ElemLockToken, davxml.Opening)
		w.WriteProperty(types.ElemHref, lock.Token())
		w.WriteElement(types.ElemLockToken, davxml.Closing)

		w.WriteElement(types.ElemActiveLock, davxml.Closing)
	}
	w.WriteElement(types.PropLockDiscovery, davxml.Closing)
}

func writeDisplayName(w *davxml.Writer, path string) {
	w.WriteElement(types.PropDisplayName, davxml.Opening)
	w.WriteData(utils.Path.LastSegment(path))
	w.WriteElement(types.PropDisplayName, davxml.Closing)
}

func writeResourceType(w *davxml.Writer, obj *store.StoredObject) {
	if !obj.IsFolder {
		w.WriteElement(types.PropResourceType, davxml.NoContent)
		return
	}
	w.WriteElement(types.PropResourceType, davxml.Opening)
	w.WriteElement(types.ElemCollection, davxml.NoContent)
	w.WriteElement(types.PropResourceType, davxml.Closing)
}

func writeStatus(w *davxml.Writer, code int) {
	w.WriteProperty(types.ElemStatus, types.StatusLine(code))
}

func depthText(depth int) string {
	if depth == DepthInfinity {
		return "Infinity"
	}
	return strconv.Itoa(depth)
}

// ETag 有内容标识时为强ETag，否则由长度和修改时间生成弱ETag
func ETag(obj *store.StoredObject) string {
	if obj.ContentID != "" {
		return `"` + obj.ContentID + `"`
	}
	return fmt.Sprintf(`W/"%d-%d"`, obj.ResourceLength, obj.LastModified.UnixMilli())
}

// BuildStatusReport 生成每个路径一个状态的multistatus文档
func BuildStatusReport(basePath string, statuses map[string]int) ([]byte, error) {
	paths := make([]string, 0, len(statuses))
	for p := range statuses {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	w := davxml.NewWriter(&buf, types.DefaultNamespaces())
	w.WriteXMLHeader()
	w.WriteElement(types.ElemMultiStatus, davxml.Opening)
	for _, p := range paths {
		w.WriteElement(types.ElemResponse, davxml.Opening)
		w.WriteProperty(types.ElemHref, utils.Path.Href(basePath, p, false))
		writeStatus(w, statuses[p])
		w.WriteElement(types.ElemResponse, davxml.Closing)
	}
	w.WriteElement(types.ElemMultiStatus, davxml.Closing)

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
