package codec

import (
	"bytes"
	"encoding/xml"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
)

// DefaultResultElementName is the SOAP result element read when none is configured
const DefaultResultElementName = "MessageInResult"

// TextKey holds the character data of an element that also carries attributes
const TextKey = "#text"

// AttributePrefix marks document keys rendered as XML attributes
const AttributePrefix = "#"

// XMLMeta configures CDATA unwrapping and root naming
type XMLMeta struct {
	UseCdata           bool
	RequestNamespace   string
	RequestElementName string
	RequestType        string
	ResponseNamespace  string
	ResultElementName  string

	// ListKeys name elements that always decode as lists, even when they
	// occur once
	ListKeys []string
	// ParseNumbers decodes leaf text in canonical number form as float64
	ParseNumbers bool
}

// decodeOptions are the XMLMeta settings that shape element values
type decodeOptions struct {
	listKeys     []string
	parseNumbers bool
}

func (m XMLMeta) options() decodeOptions {
	return decodeOptions{listKeys: m.ListKeys, parseNumbers: m.ParseNumbers}
}

// scalar converts leaf text. Only text that formats back identically becomes
// a number, so "007" and "1e3" stay strings.
func (o decodeOptions) scalar(text string) any {
	if !o.parseNumbers {
		return text
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || strconv.FormatFloat(f, 'f', -1, 64) != text {
		return text
	}
	return f
}

type element struct {
	name     xml.Name
	attrs    []xml.Attr
	children []*element
	text     strings.Builder
}

func parseDocument(data []byte) (*element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader

	var root *element
	var stack []*element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, gwerrors.NewCodecError("malformed XML", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{name: t.Name, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, gwerrors.NewCodecError("multiple root elements", nil)
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, gwerrors.NewCodecError("empty XML document", nil)
	}
	return root, nil
}

// find walks the tree depth-first for an element with the given local name,
// restricted to space when it is not empty
func (e *element) find(local, space string) *element {
	if e.name.Local == local && (space == "" || e.name.Space == space) {
		return e
	}
	for _, c := range e.children {
		if found := c.find(local, space); found != nil {
			return found
		}
	}
	return nil
}

func (e *element) textContent() string {
	if len(e.children) == 0 {
		return e.text.String()
	}
	var b strings.Builder
	b.WriteString(e.text.String())
	for _, c := range e.children {
		b.WriteString(c.textContent())
	}
	return b.String()
}

func isNamespaceDecl(a xml.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}

func (e *element) value(o decodeOptions) any {
	attrs := make([]xml.Attr, 0, len(e.attrs))
	for _, a := range e.attrs {
		if !isNamespaceDecl(a) {
			attrs = append(attrs, a)
		}
	}
	text := strings.TrimSpace(e.text.String())

	if len(e.children) == 0 && len(attrs) == 0 {
		if text == "" {
			return nil
		}
		return o.scalar(text)
	}

	m := make(map[string]any, len(attrs)+len(e.children))
	for _, a := range attrs {
		m[a.Name.Local] = a.Value
	}
	if len(e.children) == 0 {
		if text != "" {
			m[TextKey] = text
		}
		return m
	}

	var order []string
	groups := make(map[string][]*element)
	for _, c := range e.children {
		if _, seen := groups[c.name.Local]; !seen {
			order = append(order, c.name.Local)
		}
		groups[c.name.Local] = append(groups[c.name.Local], c)
	}
	for _, name := range order {
		group := groups[name]
		if len(group) == 1 && !slices.Contains(o.listKeys, name) {
			m[name] = collapse(name, group[0].value(o))
			continue
		}
		list := make([]any, len(group))
		for i, c := range group {
			list[i] = collapse(name, c.value(o))
		}
		m[name] = list
	}
	return m
}

// collapse drops a wrapper level of the form <x><x>v</x></x>
func collapse(name string, v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return v
	}
	inner, ok := m[name]
	if !ok {
		return v
	}
	switch inner.(type) {
	case map[string]any, []any:
		return v
	}
	return inner
}

func (e *element) document(o decodeOptions) map[string]any {
	switch v := e.value(o).(type) {
	case map[string]any:
		return v
	case nil:
		return map[string]any{}
	default:
		return map[string]any{e.name.Local: v}
	}
}

// rooted keeps the document element name as the sole key
func (e *element) rooted(o decodeOptions) map[string]any {
	return map[string]any{e.name.Local: e.value(o)}
}

// DecodeXML is the inverse of EncodeXML. With ResultElementName set it
// returns the content of the document element; without it the element name
// is kept as the sole top-level key, the way EncodeXML takes it from there.
// With UseCdata set the text of the configured element is decoded as a
// nested document, as JSON when RequestType is "json".
func DecodeXML(data []byte, meta XMLMeta) (map[string]any, error) {
	root, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	if !meta.UseCdata {
		if meta.ResultElementName == "" {
			return root.rooted(meta.options()), nil
		}
		return root.document(meta.options()), nil
	}

	target := root
	if meta.RequestElementName != "" {
		target = root.find(meta.RequestElementName, meta.RequestNamespace)
		if target == nil {
			return nil, gwerrors.NewCodecError("request element "+meta.RequestElementName+" not found", nil)
		}
	}
	return decodeEmbedded(target, strings.EqualFold(meta.RequestType, "json"))
}

// DecodeXMLContent decodes the content of the document element whatever its
// name. Downstream responses and embedded fragments are read this way.
func DecodeXMLContent(data []byte) (map[string]any, error) {
	root, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	return root.document(decodeOptions{}), nil
}

// DecodeResponseXML unwraps a SOAP response by locating the result element
// (MessageInResult unless configured) and decoding its content. A missing
// result element falls back to the whole document.
func DecodeResponseXML(data []byte, meta XMLMeta) (map[string]any, error) {
	root, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	name := meta.ResultElementName
	if name == "" {
		name = DefaultResultElementName
	}
	target := root.find(name, meta.ResponseNamespace)
	if target == nil {
		return root.document(meta.options()), nil
	}
	if len(target.children) > 0 {
		return target.document(meta.options()), nil
	}
	return decodeEmbedded(target, strings.EqualFold(meta.RequestType, "json"))
}

func decodeEmbedded(target *element, asJSON bool) (map[string]any, error) {
	inner := strings.TrimSpace(target.textContent())
	if inner == "" {
		return map[string]any{}, nil
	}
	if asJSON || strings.HasPrefix(inner, "{") {
		return DecodeJSON([]byte(inner))
	}
	return DecodeXMLContent([]byte(inner))
}
