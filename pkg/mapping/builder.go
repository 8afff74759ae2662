// Package mapping turns a node's flat parameter mapping rules into a
// ParamTreeNode forest projected from a business document, and flattens
// such trees back into documents.
package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/expression"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// ScalarElementKey wraps scalar array elements so child rules can read them
// by name
const ScalarElementKey = "value"

// Builder builds parameter trees. It is safe for concurrent use.
type Builder struct {
	resolvers map[model.MappingKind]Resolver
	logger    *zap.Logger
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger used to report dropped branches
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithResolver registers or replaces the resolver of a mapping kind
func WithResolver(kind model.MappingKind, r Resolver) Option {
	return func(b *Builder) {
		b.resolvers[kind] = r
	}
}

// NewBuilder creates a builder. eval may be nil when no rule uses
// expressions. services are exposed to BEAN_EXPRESSION rules only.
func NewBuilder(eval expression.Evaluator, services expression.Services, opts ...Option) *Builder {
	b := &Builder{
		resolvers: map[model.MappingKind]Resolver{
			model.MappingConstant:       ResolverFunc(constantResolver),
			model.MappingName:           ResolverFunc(nameResolver),
			model.MappingDirect:         ResolverFunc(directResolver),
			model.MappingExpression:     &expressionResolver{eval: eval},
			model.MappingBeanExpression: &expressionResolver{eval: eval, services: services},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// forest indexes rules by parent once per build
type forest struct {
	rules    []model.ParamMappingRule
	roots    []int
	children map[int64][]int
}

func newForest(rules []model.ParamMappingRule) *forest {
	f := &forest{rules: rules, children: make(map[int64][]int)}
	for i := range rules {
		if rules[i].ParentID == nil {
			f.roots = append(f.roots, i)
			continue
		}
		pid := *rules[i].ParentID
		f.children[pid] = append(f.children[pid], i)
	}
	byOrder := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool {
			return rules[idx[a]].SortOrder < rules[idx[b]].SortOrder
		})
	}
	byOrder(f.roots)
	for _, idx := range f.children {
		byOrder(idx)
	}
	return f
}

// Build projects businessData through the root rules and their descendants.
// rootData is what INPUT-sourced array rules and expressions see as "source".
// A rule that fails is logged and left out of the tree.
func (b *Builder) Build(ctx context.Context, rules []model.ParamMappingRule, businessData, rootData map[string]any) []*model.ParamTreeNode {
	if len(rules) == 0 {
		return nil
	}
	f := newForest(rules)
	nodes, attrs := b.build(ctx, f, f.roots, businessData, rootData, map[int64]bool{})
	// an attribute needs an enclosing element
	for _, a := range attrs {
		b.logger.Warn("mapping rule dropped: attribute without a parent element",
			zap.String("target_key", codec.AttributePrefix+a.Key))
	}
	return nodes
}

func (b *Builder) build(ctx context.Context, f *forest, idx []int, data, root map[string]any, visiting map[int64]bool) (nodes, attrs []*model.ParamTreeNode) {
	for _, i := range idx {
		rule := &f.rules[i]
		node, err := b.buildNode(ctx, f, rule, data, root, visiting)
		if err != nil {
			b.logger.Warn("mapping rule dropped",
				zap.Int64("rule_id", rule.ID),
				zap.Int64("node_id", rule.NodeID),
				zap.String("target_key", rule.TargetKey),
				zap.Error(err))
			continue
		}
		if strings.HasPrefix(rule.TargetKey, codec.AttributePrefix) {
			attrs = append(attrs, node)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, attrs
}

func (b *Builder) buildNode(ctx context.Context, f *forest, rule *model.ParamMappingRule, data, root map[string]any, visiting map[int64]bool) (*model.ParamTreeNode, error) {
	if visiting[rule.ID] {
		return nil, fmt.Errorf("rule %d is its own ancestor", rule.ID)
	}
	visiting[rule.ID] = true
	defer delete(visiting, rule.ID)

	node := &model.ParamTreeNode{
		Key:  strings.TrimPrefix(rule.TargetKey, codec.AttributePrefix),
		Type: rule.TargetType,
	}
	children := f.children[rule.ID]

	switch {
	case rule.TargetType == model.TypeObject:
		sub, err := objectSource(rule, data)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 && rule.SourceType != model.TypeNone {
			node.Value = codec.DeepCopy(sub)
			return node, nil
		}
		node.Children, node.Attributes = b.build(ctx, f, children, sub, root, visiting)

	case rule.TargetType.IsArray():
		src := arraySource(rule, data, root)
		if rule.MappingKind == model.MappingDirect {
			node.Value = codec.DeepCopyValue(src)
			return node, nil
		}
		for _, el := range elements(src) {
			ch, at := b.build(ctx, f, children, elementDocument(el), root, visiting)
			node.Children = append(node.Children, ch...)
			node.Attributes = append(node.Attributes, at...)
		}

	default:
		r, ok := b.resolvers[rule.MappingKind]
		if !ok {
			r = b.resolvers[model.MappingName]
		}
		v, err := r.Resolve(ctx, Scope{Rule: rule, Data: data, Root: root})
		if err != nil {
			return nil, err
		}
		node.Value = coerce(v, rule.TargetType)
	}

	return node, nil
}

// objectSource picks the sub-document an OBJECT rule's children read
func objectSource(rule *model.ParamMappingRule, data map[string]any) (map[string]any, error) {
	switch rule.SourceType {
	case model.TypeNone:
		return data, nil
	case model.TypeObject:
		return codec.ToDocument(codec.Lookup(data, rule.SourceKey))
	case model.TypeArray, model.TypePureArray:
		v := codec.Lookup(data, rule.SourceKey)
		if v == nil {
			return map[string]any{}, nil
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("source %q is %T, not a list", rule.SourceKey, v)
		}
		if len(list) == 0 {
			return map[string]any{}, nil
		}
		head, ok := list[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("first element of %q is %T, not an object", rule.SourceKey, list[0])
		}
		return head, nil
	default:
		return map[string]any{}, nil
	}
}

func arraySource(rule *model.ParamMappingRule, data, root map[string]any) any {
	base := data
	if rule.MappingSource == model.SourceInput {
		base = root
	}
	return codec.Lookup(base, rule.SourceKey)
}

func elements(src any) []any {
	switch v := src.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	default:
		return []any{v}
	}
}

func elementDocument(el any) map[string]any {
	if m, ok := el.(map[string]any); ok {
		return m
	}
	return map[string]any{ScalarElementKey: el}
}
