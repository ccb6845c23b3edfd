package xml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/sitetool-dav/internal/types"
)

// ErrEmptyDocument 请求体中没有根元素
var ErrEmptyDocument = errors.New("XML文档没有根元素")

// ErrTrailingContent 根元素之外出现元素或文本
var ErrTrailingContent = errors.New("XML文档在根元素之外有内容")

// ParsePropfind 解析PROPFIND请求体，返回查找模式和按顺序请求的属性限定名
//
// 空白请求体视为 allprop。根元素的直接子元素中 prop 优先于 propname，
// propname 优先于 allprop；都不存在时按 allprop 处理。
func ParsePropfind(body []byte) (types.FindType, []string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return types.FindAll, nil, nil
	}

	decoder := xml.NewDecoder(bytes.NewReader(body))

	var (
		depth       int
		rootSeen    bool
		hasProp     bool
		hasPropname bool
		hasAllprop  bool
		inProp      bool
		properties  []string
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.FindAll, nil, fmt.Errorf("XML语法错误: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && rootSeen {
				return types.FindAll, nil, ErrTrailingContent
			}
			depth++
			switch depth {
			case 1:
				rootSeen = true
			case 2:
				switch t.Name.Local {
				case "prop":
					hasProp = true
					inProp = true
				case "propname":
					hasPropname = true
				case "allprop":
					hasAllprop = true
				}
			case 3:
				if inProp {
					properties = append(properties, t.Name.Space+":"+t.Name.Local)
				}
			}
		case xml.EndElement:
			if depth == 2 {
				inProp = false
			}
			depth--
		case xml.CharData:
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return types.FindAll, nil, ErrTrailingContent
			}
		}
	}

	if !rootSeen {
		return types.FindAll, nil, ErrEmptyDocument
	}

	switch {
	case hasProp:
		return types.FindByProperty, properties, nil
	case hasPropname:
		return types.FindNames, nil, nil
	case hasAllprop:
		return types.FindAll, nil, nil
	default:
		return types.FindAll, nil, nil
	}
}
