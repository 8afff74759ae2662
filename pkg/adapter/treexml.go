package adapter

import (
	"bytes"
	"encoding/xml"
	"sort"

	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// TreeXML renders a parameter tree as compact XML. Attribute nodes become
// attributes of their parent. A childless leaf with no value is self-closing
// unless it is typed STRING.
func TreeXML(nodes []*model.ParamTreeNode) string {
	var buf bytes.Buffer
	for _, n := range nodes {
		writeTreeNode(&buf, n)
	}
	return buf.String()
}

func writeTreeNode(buf *bytes.Buffer, n *model.ParamTreeNode) {
	if n == nil || n.Key == "" {
		return
	}
	buf.WriteByte('<')
	buf.WriteString(n.Key)
	for _, a := range n.Attributes {
		buf.WriteByte(' ')
		buf.WriteString(a.Key)
		buf.WriteString(`="`)
		escape(buf, codec.FormatScalar(a.Value))
		buf.WriteByte('"')
	}

	if len(n.Children) == 0 && n.Value == nil {
		if n.Type == model.TypeString {
			buf.WriteString("></")
			buf.WriteString(n.Key)
			buf.WriteByte('>')
			return
		}
		buf.WriteString("/>")
		return
	}

	buf.WriteByte('>')
	if len(n.Children) > 0 {
		for _, c := range n.Children {
			writeTreeNode(buf, c)
		}
	} else {
		writeValue(buf, n.Value)
	}
	buf.WriteString("</")
	buf.WriteString(n.Key)
	buf.WriteByte('>')
}

// writeValue renders a copied sub-document or list held as a node value
func writeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeNamed(buf, k, val[k])
		}
	case []any:
		for _, item := range val {
			writeValue(buf, item)
		}
	default:
		escape(buf, codec.FormatScalar(val))
	}
}

func writeNamed(buf *bytes.Buffer, name string, v any) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			writeNamed(buf, name, item)
		}
		return
	}
	if v == nil {
		buf.WriteString("<" + name + "/>")
		return
	}
	buf.WriteString("<" + name + ">")
	writeValue(buf, v)
	buf.WriteString("</" + name + ">")
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}
