package mapping

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/expression"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// Scope is what a resolver sees for one scalar rule
type Scope struct {
	Rule *model.ParamMappingRule
	Data map[string]any // current sub-document
	Root map[string]any // document the tree build started from
}

// Resolver produces the value of a scalar rule
type Resolver interface {
	Resolve(ctx context.Context, scope Scope) (any, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, scope Scope) (any, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, scope Scope) (any, error) {
	return f(ctx, scope)
}

func constantResolver(_ context.Context, s Scope) (any, error) {
	return s.Rule.MappingRule, nil
}

func nameResolver(_ context.Context, s Scope) (any, error) {
	if s.Data == nil {
		return nil, nil
	}
	return s.Data[s.Rule.SourceKey], nil
}

func directResolver(_ context.Context, s Scope) (any, error) {
	return codec.Lookup(s.Data, s.Rule.SourceKey), nil
}

// expressionResolver evaluates MappingRule with data bound to the source key's
// value (or the whole sub-document when no key is set) and source bound to the root
type expressionResolver struct {
	eval     expression.Evaluator
	services expression.Services
}

func (r *expressionResolver) Resolve(ctx context.Context, s Scope) (any, error) {
	if r.eval == nil {
		return nil, fmt.Errorf("no expression evaluator configured")
	}
	if strings.TrimSpace(s.Rule.MappingRule) == "" {
		return nil, fmt.Errorf("rule %d has an empty expression", s.Rule.ID)
	}

	var target any = s.Data
	if s.Rule.SourceKey != "" && s.Data != nil {
		target = s.Data[s.Rule.SourceKey]
	}
	// copies keep a mutating expression from leaking into the next rule
	bindings := map[string]any{
		expression.BindingData:   codec.DeepCopyValue(target),
		expression.BindingSource: codec.DeepCopy(s.Root),
	}
	if r.services != nil {
		bindings = r.services.Bind(bindings)
	}
	return r.eval.Evaluate(ctx, s.Rule.MappingRule, bindings)
}

// coerce converts v to the declared target type when the conversion is
// lossless, otherwise v is returned unchanged
func coerce(v any, t model.ParamType) any {
	switch t {
	case model.TypeString:
		switch val := v.(type) {
		case float64, float32, int, int32, int64, bool:
			return codec.FormatScalar(val)
		}
	case model.TypeInteger, model.TypeLong:
		switch val := v.(type) {
		case string:
			s := strings.TrimSpace(val)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
				return int64(f)
			}
		case float64:
			if val == float64(int64(val)) {
				return int64(val)
			}
		case int:
			return int64(val)
		case int32:
			return int64(val)
		}
	case model.TypeBoolean:
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return b
			}
		}
	}
	return v
}
