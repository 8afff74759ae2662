// Package adapter invokes workflow nodes over their protocols. Every adapter
// runs the same three steps: build the PRE tree from the business document,
// make the protocol call, then build and flatten the POST tree from the
// response.
package adapter

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/audit"
	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/mapping"
	"github.com/wehubfusion/Hermes/pkg/metrics"
	"github.com/wehubfusion/Hermes/pkg/model"
)

// Exchange is the raw traffic of one call, kept for the audit trail
type Exchange struct {
	Request  string
	Response string
}

// Caller is the protocol-specific step. It returns the decoded response:
// a document, a list, or a scalar.
type Caller interface {
	Call(ctx context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error)
}

// CallerFunc adapts a function to Caller
type CallerFunc func(ctx context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error)

// Call calls f
func (f CallerFunc) Call(ctx context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error) {
	return f(ctx, node, params)
}

// Invoker runs one node against a business document
type Invoker interface {
	Invoke(ctx context.Context, node *model.WorkflowNode, data map[string]any) (map[string]any, error)
}

// RuleFinder loads a node's mapping rules
type RuleFinder interface {
	FindRules(ctx context.Context, nodeID int64, phase model.Phase) ([]model.ParamMappingRule, error)
}

// Adapter wraps a Caller with the pre and post mapping steps
type Adapter struct {
	caller   Caller
	rules    RuleFinder
	builder  *mapping.Builder
	recorder audit.Recorder
	metrics  metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
}

// Option configures an Adapter
type Option func(*Adapter)

// WithRecorder sets the audit recorder
func WithRecorder(r audit.Recorder) Option {
	return func(a *Adapter) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(a *Adapter) {
		if c != nil {
			a.metrics = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an adapter around caller
func New(caller Caller, rules RuleFinder, builder *mapping.Builder, opts ...Option) *Adapter {
	a := &Adapter{
		caller:   caller,
		rules:    rules,
		builder:  builder,
		recorder: audit.Nop{},
		metrics:  metrics.Nop{},
		tracer:   otel.Tracer("hermes/adapter"),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.builder == nil {
		a.builder = mapping.NewBuilder(nil, nil, mapping.WithLogger(a.logger))
	}
	return a
}

// Invoke runs the node. Call failures that are not already typed are
// reported as RemoteInvokeError.
func (a *Adapter) Invoke(ctx context.Context, node *model.WorkflowNode, data map[string]any) (map[string]any, error) {
	ctx, span := a.tracer.Start(ctx, "adapter.Invoke", trace.WithAttributes(
		attribute.Int64("node.id", node.ID),
		attribute.String("node.name", node.Name),
		attribute.String("node.kind", string(node.Kind)),
	))
	defer span.End()

	event := audit.NewEvent(node.ID, node.Name, string(node.Kind))
	event.Route = audit.RouteFrom(ctx)
	event.InputBefore = codec.DeepCopy(data)

	start := time.Now()
	out, ex, err := a.invoke(ctx, node, data)
	elapsed := time.Since(start)

	event.ElapsedMs = elapsed.Milliseconds()
	if ex != nil {
		event.RawRequest = ex.Request
		event.RawResponse = ex.Response
	}
	span.SetAttributes(attribute.Int64("node.elapsed_ms", event.ElapsedMs))

	if err != nil {
		event.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.ObserveNode(string(node.Kind), metrics.OutcomeError, elapsed)
		a.logger.Warn("Node invocation failed",
			zap.Int64("node_id", node.ID),
			zap.String("node_name", node.Name),
			zap.String("kind", string(node.Kind)),
			zap.Error(err))
	} else {
		event.OutputAfter = codec.DeepCopy(out)
		span.SetStatus(codes.Ok, "")
		a.metrics.ObserveNode(string(node.Kind), metrics.OutcomeSuccess, elapsed)
	}
	a.recorder.Emit(event)

	return out, err
}

func (a *Adapter) invoke(ctx context.Context, node *model.WorkflowNode, data map[string]any) (map[string]any, *Exchange, error) {
	pre, err := a.rules.FindRules(ctx, node.ID, model.PhasePre)
	if err != nil {
		return nil, nil, fmt.Errorf("load pre rules of node %d: %w", node.ID, err)
	}
	params := a.builder.Build(ctx, pre, data, data)

	resp, ex, err := a.caller.Call(ctx, node, params)
	if err != nil {
		if gwerrors.CodeOf(err) == "" {
			err = gwerrors.NewRemoteInvokeError(fmt.Sprintf("node %d", node.ID), err)
		}
		return nil, ex, err
	}

	post, err := a.rules.FindRules(ctx, node.ID, model.PhasePost)
	if err != nil {
		return nil, ex, fmt.Errorf("load post rules of node %d: %w", node.ID, err)
	}
	if len(post) == 0 {
		return map[string]any{}, ex, nil
	}

	nodes := a.builder.Build(ctx, post, responseDocument(resp), data)
	shape := mapping.SelectShape(node.Kind, codec.MetaString(node.MetaInfo, "responseType"))
	return mapping.Flatten(shape, nodes), ex, nil
}

// responseDocument turns a decoded response into the document POST rules
// read from. Anything that is not an object is placed under "data".
func responseDocument(resp any) map[string]any {
	switch v := resp.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"data": v}
	}
}
