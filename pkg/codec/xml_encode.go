package codec

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
)

const xmlIndent = "  "

// EncodeXML renders a document under a root element named by
// meta.ResultElementName or by the document's sole key. Keys prefixed with
// AttributePrefix become attributes, nil values become empty elements and
// lists become repeated siblings. No XML declaration is written.
func EncodeXML(doc map[string]any, meta XMLMeta) ([]byte, error) {
	rootName := meta.ResultElementName
	var content any = doc
	if rootName == "" {
		if len(doc) != 1 {
			return nil, gwerrors.NewCodecError(fmt.Sprintf("cannot infer root element from %d top-level keys", len(doc)), nil)
		}
		for k, v := range doc {
			rootName, content = k, v
		}
	} else if v, ok := doc[rootName]; ok && len(doc) == 1 {
		content = v
	}

	var rootAttrs []xml.Attr
	if meta.ResponseNamespace != "" {
		rootAttrs = append(rootAttrs, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: meta.ResponseNamespace})
	}

	var buf bytes.Buffer
	if err := writeElement(&buf, rootName, content, 0, rootAttrs); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeElement(buf *bytes.Buffer, name string, value any, depth int, extra []xml.Attr) error {
	indent := strings.Repeat(xmlIndent, depth)

	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if err := writeElement(buf, name, item, depth, extra); err != nil {
				return err
			}
		}
		return nil
	case []map[string]any:
		for _, item := range v {
			if err := writeElement(buf, name, item, depth, extra); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		attrs := append([]xml.Attr{}, extra...)
		var text any
		var keys []string
		for k, val := range v {
			switch {
			case k == TextKey:
				text = val
			case strings.HasPrefix(k, AttributePrefix):
				attrs = append(attrs, xml.Attr{Name: xml.Name{Local: strings.TrimPrefix(k, AttributePrefix)}, Value: FormatScalar(val)})
			default:
				keys = append(keys, k)
			}
		}
		sort.Slice(attrs[len(extra):], func(i, j int) bool {
			return attrs[len(extra)+i].Name.Local < attrs[len(extra)+j].Name.Local
		})
		sort.Strings(keys)

		buf.WriteString(indent)
		openTag(buf, name, attrs)
		switch {
		case len(keys) > 0:
			buf.WriteString(">\n")
			for _, k := range keys {
				if err := writeElement(buf, k, v[k], depth+1, nil); err != nil {
					return err
				}
			}
			buf.WriteString(indent)
			closeTag(buf, name)
		case text != nil:
			buf.WriteByte('>')
			escapeText(buf, FormatScalar(text))
			closeTag(buf, name)
		default:
			buf.WriteString("/>\n")
		}
		return nil
	case nil:
		buf.WriteString(indent)
		openTag(buf, name, extra)
		buf.WriteString("/>\n")
		return nil
	default:
		buf.WriteString(indent)
		openTag(buf, name, extra)
		buf.WriteByte('>')
		escapeText(buf, FormatScalar(v))
		closeTag(buf, name)
		return nil
	}
}

func openTag(buf *bytes.Buffer, name string, attrs []xml.Attr) {
	buf.WriteByte('<')
	buf.WriteString(name)
	for _, a := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name.Local)
		buf.WriteString(`="`)
		escapeText(buf, a.Value)
		buf.WriteByte('"')
	}
}

func closeTag(buf *bytes.Buffer, name string) {
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteString(">\n")
}

func escapeText(buf *bytes.Buffer, s string) {
	// EscapeText only fails when the writer does
	_ = xml.EscapeText(buf, []byte(s))
}

// FormatScalar renders a scalar the way it appears in XML text and SQL literals
func FormatScalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case json.Number:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	case []byte:
		return string(val)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}
