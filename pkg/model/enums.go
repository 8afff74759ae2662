package model

import (
	"encoding/json"
	"strings"
)

// NodeKind selects the protocol adapter of a workflow node
type NodeKind string

const (
	KindNone NodeKind = "NONE"
	KindHTTP NodeKind = "HTTP"
	KindSQL  NodeKind = "SQL"
	KindSOAP NodeKind = "SOAP"
	KindMock NodeKind = "MOCK"
)

var nodeKindAliases = map[string]NodeKind{
	"NONE":       KindNone,
	"HTTP":       KindHTTP,
	"SQL":        KindSQL,
	"DATABASE":   KindSQL,
	"SOAP":       KindSOAP,
	"WEBSERVICE": KindSOAP,
	"MOCK":       KindMock,
}

// ParseNodeKind maps a configured kind to a NodeKind, KindNone when unknown
func ParseNodeKind(s string) NodeKind {
	if k, ok := nodeKindAliases[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return k
	}
	return KindNone
}

// UnmarshalJSON accepts any casing and the legacy aliases
func (k *NodeKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*k = ParseNodeKind(s)
	return nil
}

// ParamType is the declared type of a mapping source or target
type ParamType string

const (
	TypeNone      ParamType = "NONE"
	TypeString    ParamType = "STRING"
	TypeInteger   ParamType = "INTEGER"
	TypeLong      ParamType = "LONG"
	TypeBoolean   ParamType = "BOOLEAN"
	TypeObject    ParamType = "OBJECT"
	TypeArray     ParamType = "ARRAY"
	TypePureArray ParamType = "PURE_ARRAY"
)

// ParseParamType maps a configured type to a ParamType, TypeNone when unknown
func ParseParamType(s string) ParamType {
	switch t := ParamType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeString, TypeInteger, TypeLong, TypeBoolean, TypeObject, TypeArray, TypePureArray:
		return t
	}
	return TypeNone
}

// IsArray reports ARRAY and PURE_ARRAY
func (t ParamType) IsArray() bool {
	return t == TypeArray || t == TypePureArray
}

// UnmarshalJSON accepts any casing
func (t *ParamType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = ParseParamType(s)
	return nil
}

// MappingKind selects the value resolution strategy of a rule
type MappingKind string

const (
	MappingConstant       MappingKind = "CONSTANT"
	MappingName           MappingKind = "NAME"
	MappingExpression     MappingKind = "EXPRESSION"
	MappingBeanExpression MappingKind = "BEAN_EXPRESSION"
	MappingDirect         MappingKind = "DIRECT"
)

// ParseMappingKind maps a configured kind, MappingName when unknown
func ParseMappingKind(s string) MappingKind {
	switch k := MappingKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case MappingConstant, MappingName, MappingExpression, MappingBeanExpression, MappingDirect:
		return k
	}
	return MappingName
}

// UnmarshalJSON accepts any casing
func (k *MappingKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*k = ParseMappingKind(s)
	return nil
}

// MappingSource selects which document an array rule reads from
type MappingSource string

const (
	SourceInput    MappingSource = "INPUT"
	SourceResponse MappingSource = "RESPONSE"
)

// Phase partitions the rules of a node
type Phase string

const (
	PhasePre  Phase = "PRE"
	PhasePost Phase = "POST"
)

// InputSource selects the input of the next node in a chain
type InputSource string

const (
	InputOriginal      InputSource = "ORIGINAL"
	InputCurrentOutput InputSource = "CURRENT_OUTPUT"
)

// ContentType is the wire format of a workflow's inbound body
type ContentType string

const (
	ContentJSON ContentType = "JSON"
	ContentXML  ContentType = "XML"
)

// ParseContentType defaults to JSON
func ParseContentType(s string) ContentType {
	if strings.EqualFold(strings.TrimSpace(s), string(ContentXML)) {
		return ContentXML
	}
	return ContentJSON
}

// UnmarshalJSON accepts any casing
func (c *ContentType) UnmarshalJSON(b []byte) error {
	s, err := upperString(b)
	if err != nil {
		return err
	}
	*c = ParseContentType(s)
	return nil
}

// UnmarshalJSON accepts any casing
func (p *Phase) UnmarshalJSON(b []byte) error {
	s, err := upperString(b)
	if err != nil {
		return err
	}
	*p = Phase(s)
	return nil
}

// UnmarshalJSON accepts any casing
func (m *MappingSource) UnmarshalJSON(b []byte) error {
	s, err := upperString(b)
	if err != nil {
		return err
	}
	*m = MappingSource(s)
	return nil
}

// UnmarshalJSON accepts any casing; empty means ORIGINAL
func (i *InputSource) UnmarshalJSON(b []byte) error {
	s, err := upperString(b)
	if err != nil {
		return err
	}
	if s == "" {
		s = string(InputOriginal)
	}
	*i = InputSource(s)
	return nil
}

func upperString(b []byte) (string, error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return "", err
	}
	return strings.ToUpper(strings.TrimSpace(s)), nil
}
