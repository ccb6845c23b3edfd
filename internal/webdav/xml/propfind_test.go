package xml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetool-dav/internal/types"
)

// ==================== ParsePropfind Tests ====================

func TestParsePropfind(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		findType   types.FindType
		properties []string
	}{
		{
			name:     "空请求体",
			body:     "",
			findType: types.FindAll,
		},
		{
			name:     "仅空白",
			body:     " \n\t ",
			findType: types.FindAll,
		},
		{
			name:     "allprop",
			body:     `<?xml version="1.0"?><D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`,
			findType: types.FindAll,
		},
		{
			name:     "propname",
			body:     `<propfind xmlns="DAV:"><propname/></propfind>`,
			findType: types.FindNames,
		},
		{
			name:       "prop保留顺序和重复",
			body:       `<D:propfind xmlns:D="DAV:"><D:prop><D:getetag/><D:displayname/><D:getetag/></D:prop></D:propfind>`,
			findType:   types.FindByProperty,
			properties: []string{"DAV::getetag", "DAV::displayname", "DAV::getetag"},
		},
		{
			name:       "自定义命名空间",
			body:       `<D:propfind xmlns:D="DAV:" xmlns:x="urn:x"><D:prop><x:color/></D:prop></D:propfind>`,
			findType:   types.FindByProperty,
			properties: []string{"urn:x:color"},
		},
		{
			name:       "prop优先于propname",
			body:       `<D:propfind xmlns:D="DAV:"><D:propname/><D:prop><D:getcontentlength/></D:prop></D:propfind>`,
			findType:   types.FindByProperty,
			properties: []string{"DAV::getcontentlength"},
		},
		{
			name:     "无识别子元素",
			body:     `<D:propfind xmlns:D="DAV:"><D:other/></D:propfind>`,
			findType: types.FindAll,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findType, properties, err := ParsePropfind([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.findType, findType)
			assert.Equal(t, tt.properties, properties)
		})
	}
}

func TestParsePropfind_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "未闭合", body: `<D:propfind xmlns:D="DAV:"><D:prop>`},
		{name: "非XML文本", body: `not xml at all`},
		{name: "标签不匹配", body: `<a><b></a>`},
		{name: "根元素之后还有元素", body: `<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind><x/>`},
		{name: "根元素之后还有文本", body: `<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>trailing`},
		{name: "根元素之前有文本", body: `junk<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParsePropfind([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParsePropfind_TrailingContent(t *testing.T) {
	_, _, err := ParsePropfind([]byte(`<D:propfind xmlns:D="DAV:"><D:propname/></D:propfind><D:prop/>`))
	assert.ErrorIs(t, err, ErrTrailingContent)

	// 根元素之后的空白和注释合法
	findType, _, err := ParsePropfind([]byte("<D:propfind xmlns:D=\"DAV:\"><D:propname/></D:propfind>\n<!-- end -->\n"))
	assert.NoError(t, err)
	assert.Equal(t, types.FindNames, findType)
}
