package xml

import (
	"bufio"
	"encoding/xml"
	"io"
	"sort"
	"strings"

	"github.com/sitetool-dav/internal/types"
)

// ElementKind 元素输出方式
type ElementKind int

const (
	// Opening 开始标签 <name>
	Opening ElementKind = iota
	// Closing 结束标签 </name>
	Closing
	// NoContent 自闭合标签 <name/>
	NoContent
)

// Writer 流式XML写入器
//
// 元素名使用限定名 "命名空间:本地名"（如 "DAV::multistatus"），
// 已注册的命名空间输出为前缀形式 "D:multistatus"，
// 未注册的命名空间在元素上内联声明 xmlns。
// 写入错误是粘滞的，通过 Err 获取。
type Writer struct {
	w          *bufio.Writer
	namespaces map[string]string
	nsWritten  bool
	err        error
}

// NewWriter 创建新的XML写入器，namespaces 为 命名空间URI -> 前缀
func NewWriter(w io.Writer, namespaces map[string]string) *Writer {
	if namespaces == nil {
		namespaces = types.DefaultNamespaces()
	}
	return &Writer{
		w:          bufio.NewWriter(w),
		namespaces: namespaces,
	}
}

// WriteXMLHeader 写入XML声明
func (x *Writer) WriteXMLHeader() {
	x.writeString(`<?xml version="1.0" encoding="utf-8" ?>` + "\n")
}

// WriteElement 写入元素标签
func (x *Writer) WriteElement(name string, kind ElementKind) {
	namespace, local := types.SplitName(name)
	prefix, known := x.namespaces[namespace]

	tag := local
	if known && prefix != "" {
		tag = prefix + ":" + local
	}

	switch kind {
	case Opening:
		x.writeString("<" + tag + x.attributes(namespace, known) + ">")
	case Closing:
		x.writeString("</" + tag + ">")
	case NoContent:
		x.writeString("<" + tag + x.attributes(namespace, known) + "/>")
	}
}

// attributes 第一个元素上声明所有已注册的命名空间
func (x *Writer) attributes(namespace string, known bool) string {
	var sb strings.Builder
	if !x.nsWritten {
		x.nsWritten = true
		uris := make([]string, 0, len(x.namespaces))
		for uri := range x.namespaces {
			uris = append(uris, uri)
		}
		sort.Strings(uris)
		for _, uri := range uris {
			sb.WriteString(" xmlns:" + x.namespaces[uri] + "=\"" + escapeAttr(uri) + "\"")
		}
	}
	if !known && namespace != "" {
		sb.WriteString(" xmlns=\"" + escapeAttr(namespace) + "\"")
	}
	return sb.String()
}

// WriteProperty 写入带文本值的属性元素
func (x *Writer) WriteProperty(name, value string) {
	x.WriteElement(name, Opening)
	x.WriteText(value)
	x.WriteElement(name, Closing)
}

// WriteText 写入转义后的文本
func (x *Writer) WriteText(text string) {
	if x.err != nil {
		return
	}
	x.err = xml.EscapeText(x.w, []byte(text))
}

// WriteData 写入CDATA段
func (x *Writer) WriteData(data string) {
	// "]]>" 不能出现在CDATA内部，需要拆分
	x.writeString("<![CDATA[" + strings.ReplaceAll(data, "]]>", "]]]]><![CDATA[>") + "]]>")
}

// Close 刷新缓冲区并返回第一个写入错误
func (x *Writer) Close() error {
	if x.err != nil {
		return x.err
	}
	x.err = x.w.Flush()
	return x.err
}

// Err 返回第一个写入错误
func (x *Writer) Err() error {
	return x.err
}

func (x *Writer) writeString(s string) {
	if x.err != nil {
		return
	}
	_, x.err = x.w.WriteString(s)
}

func escapeAttr(s string) string {
	var sb strings.Builder
	if err := xml.EscapeText(&sb, []byte(s)); err != nil {
		return s
	}
	return sb.String()
}
