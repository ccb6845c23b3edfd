package xml

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetool-dav/internal/types"
)

// ==================== Writer Tests ====================

func TestWriter_NamespaceDeclaredOnFirstElement(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, types.DefaultNamespaces())

	w.WriteXMLHeader()
	w.WriteElement("DAV::multistatus", Opening)
	w.WriteElement("DAV::response", Opening)
	w.WriteElement("DAV::response", Closing)
	w.WriteElement("DAV::multistatus", Closing)
	require.NoError(t, w.Close())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, `<?xml version="1.0" encoding="utf-8" ?>`))
	assert.Contains(t, out, `<D:multistatus xmlns:D="DAV:">`)
	assert.Contains(t, out, `<D:response></D:response>`)
	assert.Equal(t, 1, strings.Count(out, "xmlns:D"))
}

func TestWriter_ElementKinds(t *testing.T) {
	tests := []struct {
		name     string
		element  string
		kind     ElementKind
		expected string
	}{
		{name: "开始标签", element: "DAV::prop", kind: Opening, expected: "<D:prop>"},
		{name: "结束标签", element: "DAV::prop", kind: Closing, expected: "</D:prop>"},
		{name: "自闭合标签", element: "DAV::collection", kind: NoContent, expected: "<D:collection/>"},
		{name: "未知命名空间", element: "urn:x:color", kind: NoContent, expected: `<color xmlns="urn:x"/>`},
		{name: "无命名空间", element: "plain", kind: NoContent, expected: "<plain/>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf, types.DefaultNamespaces())
			// 先输出一个元素以消耗命名空间声明
			w.WriteElement("DAV::root", Opening)
			require.NoError(t, w.Close())
			buf.Reset()
			w.WriteElement(tt.element, tt.kind)
			require.NoError(t, w.Close())
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestWriter_EscapesText(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, map[string]string{})

	w.WriteProperty("DAV::displayname", "a<b>&c")
	require.NoError(t, w.Close())

	assert.Contains(t, buf.String(), "a&lt;b&gt;&amp;c")
}

func TestWriter_CDATASplitsTerminator(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)

	w.WriteData("x]]>y")
	require.NoError(t, w.Close())

	assert.Equal(t, "<![CDATA[x]]]]><![CDATA[>y]]>", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, assert.AnError
}

func TestWriter_StickyError(t *testing.T) {
	w := NewWriter(failingWriter{}, nil)

	w.WriteXMLHeader()
	w.WriteElement("DAV::multistatus", Opening)

	assert.ErrorIs(t, w.Close(), assert.AnError)
	assert.ErrorIs(t, w.Err(), assert.AnError)
}
