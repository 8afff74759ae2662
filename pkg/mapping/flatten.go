package mapping

import (
	"strings"

	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// Shape selects how a tree is flattened back into a document
type Shape int

const (
	// ShapeDefault collapses single-leaf array entries to their value
	ShapeDefault Shape = iota
	// ShapeJSON keeps every array entry as an object or scalar
	ShapeJSON
	// ShapeXML nests maps and gathers same-named siblings into lists
	ShapeXML
)

// SelectShape picks the response shape of a node
func SelectShape(kind model.NodeKind, responseType string) Shape {
	switch {
	case strings.EqualFold(responseType, "xml"):
		return ShapeXML
	case kind == model.KindSOAP:
		return ShapeJSON
	default:
		return ShapeDefault
	}
}

// Flatten flattens nodes in the given shape. Flattening never mutates the tree.
func Flatten(shape Shape, nodes []*model.ParamTreeNode) map[string]any {
	switch shape {
	case ShapeXML:
		return FlattenXML(nodes)
	case ShapeJSON:
		return FlattenJSON(nodes)
	default:
		return FlattenDefault(nodes)
	}
}

// FlattenToMap is the JSON-shaped flattening
func FlattenToMap(nodes []*model.ParamTreeNode) map[string]any {
	return FlattenJSON(nodes)
}

// FlattenJSON nests children as maps; an ARRAY node yields one list entry per
// child, the child's nested map when it has children, otherwise its value.
func FlattenJSON(nodes []*model.ParamTreeNode) map[string]any {
	return flatten(nodes, false)
}

// FlattenDefault is FlattenJSON except that an array entry holding exactly one
// leaf collapses to that leaf's value.
func FlattenDefault(nodes []*model.ParamTreeNode) map[string]any {
	return flatten(nodes, true)
}

func flatten(nodes []*model.ParamTreeNode, collapse bool) map[string]any {
	out := make(map[string]any, len(nodes))
	for _, n := range nodes {
		out[n.Key] = nodeValue(n, collapse)
	}
	return out
}

// ArrayValue renders an array node as a list
func ArrayValue(n *model.ParamTreeNode, collapse bool) []any {
	if len(n.Children) == 0 {
		if list, ok := n.Value.([]any); ok {
			return list
		}
		if n.Value != nil {
			return []any{n.Value}
		}
		return []any{}
	}
	list := make([]any, 0, len(n.Children))
	for _, c := range n.Children {
		switch {
		case collapse && len(c.Children) == 1 && len(c.Attributes) == 0 && !c.Children[0].HasChildren():
			list = append(list, c.Children[0].Value)
		case c.HasChildren():
			list = append(list, objectValue(c, collapse))
		default:
			list = append(list, c.Value)
		}
	}
	return list
}

func nodeValue(n *model.ParamTreeNode, collapse bool) any {
	if n.Type.IsArray() {
		return ArrayValue(n, collapse)
	}
	if n.HasChildren() {
		return objectValue(n, collapse)
	}
	return n.Value
}

func objectValue(n *model.ParamTreeNode, collapse bool) map[string]any {
	m := flatten(n.Children, collapse)
	for _, a := range n.Attributes {
		m[codec.AttributePrefix+a.Key] = a.Value
	}
	return m
}

// FlattenXML nests children as maps and gathers siblings sharing a key into
// a list, mirroring repeated XML elements.
func FlattenXML(nodes []*model.ParamTreeNode) map[string]any {
	counts := make(map[string]int, len(nodes))
	for _, n := range nodes {
		counts[n.Key]++
	}
	out := make(map[string]any, len(counts))
	for _, n := range nodes {
		var v any = n.Value
		if n.HasChildren() {
			m := FlattenXML(n.Children)
			for _, a := range n.Attributes {
				m[codec.AttributePrefix+a.Key] = a.Value
			}
			v = m
		}
		if counts[n.Key] > 1 {
			list, _ := out[n.Key].([]any)
			out[n.Key] = append(list, v)
			continue
		}
		out[n.Key] = v
	}
	return out
}
