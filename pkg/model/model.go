// Package model holds the workflow configuration read by the gateway and the
// per-invocation parameter tree built from it.
package model

import "encoding/json"

// ContentMeta configures the XML codec for a workflow's inbound and outbound body
type ContentMeta struct {
	UseCdata           bool   `json:"useCdata,omitempty"`
	RequestNamespace   string `json:"requestNamespace,omitempty"`
	RequestElementName string `json:"requestElementName,omitempty"`
	RequestType        string `json:"requestType,omitempty"`
	ResponseNamespace  string `json:"responseNamespace,omitempty"`
	ResultElementName  string `json:"resultElementName,omitempty"`

	ListKeys     []string `json:"listKeys,omitempty"`
	ParseNumbers bool     `json:"parseNumbers,omitempty"`
}

// Workflow binds an inbound route to its first nodes
type Workflow struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	InboundRoute string      `json:"inboundRoute"`
	ContentType  ContentType `json:"contentType"`
	ContentMeta  ContentMeta `json:"contentMeta"`
	FirstNodeIDs []int64     `json:"firstNodeIds"`
	Enabled      bool        `json:"enabled"`
}

// WorkflowNode is one remote invocation step
type WorkflowNode struct {
	ID                  int64           `json:"id"`
	WorkflowID          int64           `json:"workflowId"`
	Name                string          `json:"name"`
	Kind                NodeKind        `json:"kind"`
	MetaInfo            json.RawMessage `json:"metaInfo,omitempty"`
	InputFilterExpr     string          `json:"inputFilterExpr,omitempty"`
	NextNodeExpr        string          `json:"nextNodeExpr,omitempty"`
	NextNodeInputSource InputSource     `json:"nextNodeInputSource,omitempty"`
}

// ParamMappingRule is one flat configuration row. Rows of one node and phase
// form a forest through ParentID.
type ParamMappingRule struct {
	ID            int64         `json:"id"`
	Phase         Phase         `json:"phase"`
	NodeID        int64         `json:"nodeId"`
	ParentID      *int64        `json:"parentId,omitempty"`
	SourceKey     string        `json:"sourceKey,omitempty"`
	SourceType    ParamType     `json:"sourceType"`
	Description   string        `json:"description,omitempty"`
	TargetKey     string        `json:"targetKey"`
	TargetType    ParamType     `json:"targetType"`
	SortOrder     int           `json:"sortOrder"`
	MappingKind   MappingKind   `json:"mappingKind"`
	MappingSource MappingSource `json:"mappingSource,omitempty"`
	MappingRule   string        `json:"mappingRule,omitempty"`
}

// IsRoot reports whether the rule has no parent
func (r ParamMappingRule) IsRoot() bool {
	return r.ParentID == nil
}

// ParamTreeNode is built once per invocation and never persisted
type ParamTreeNode struct {
	Key        string           `json:"key"`
	Value      any              `json:"value,omitempty"`
	Type       ParamType        `json:"type"`
	Children   []*ParamTreeNode `json:"children,omitempty"`
	Attributes []*ParamTreeNode `json:"attributes,omitempty"`
}

// HasChildren reports child elements or attributes
func (n *ParamTreeNode) HasChildren() bool {
	return len(n.Children) > 0 || len(n.Attributes) > 0
}

// Int64 returns a pointer to v, for building ParentID values
func Int64(v int64) *int64 {
	return &v
}
