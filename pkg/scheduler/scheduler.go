// Package scheduler walks a workflow's node graph. A single start node runs
// its filter, its adapter and its routing expression in turn; several start
// nodes run as parallel branches whose outputs are merged.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/adapter"
	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/concurrency"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/expression"
	"github.com/wehubfusion/Hermes/pkg/metrics"
	"github.com/wehubfusion/Hermes/pkg/model"
	"github.com/wehubfusion/Hermes/pkg/store"
)

// DefaultMaxDepth bounds the length of a node chain
const DefaultMaxDepth = 64

// NodeFinder loads workflow nodes
type NodeFinder interface {
	FindNodeByID(ctx context.Context, id int64) (*model.WorkflowNode, error)
}

// Scheduler executes node graphs
type Scheduler struct {
	nodes    NodeFinder
	invoker  adapter.Invoker
	eval     expression.Evaluator
	limiter  *concurrency.Limiter
	metrics  metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
	maxDepth int
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLimiter bounds concurrent node invocations
func WithLimiter(l *concurrency.Limiter) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxDepth overrides DefaultMaxDepth
func WithMaxDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// New creates a scheduler. eval runs filter and routing expressions.
func New(nodes NodeFinder, invoker adapter.Invoker, eval expression.Evaluator, opts ...Option) *Scheduler {
	s := &Scheduler{
		nodes:    nodes,
		invoker:  invoker,
		eval:     eval,
		metrics:  metrics.Nop{},
		tracer:   otel.Tracer("hermes/scheduler"),
		logger:   zap.NewNop(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = concurrency.LoadConfig().NewLimiter()
	}
	return s
}

// Schedule runs the nodes in ids against data
func (s *Scheduler) Schedule(ctx context.Context, ids []int64, data map[string]any) (map[string]any, error) {
	return s.schedule(ctx, ids, data, 0)
}

func (s *Scheduler) schedule(ctx context.Context, ids []int64, data map[string]any, depth int) (map[string]any, error) {
	if depth > s.maxDepth {
		return nil, gwerrors.NewError(gwerrors.CodeDepthExceeded,
			fmt.Sprintf("node chain deeper than %d", s.maxDepth), nil)
	}
	switch len(ids) {
	case 0:
		return nil, gwerrors.ErrNoStartNode
	case 1:
		return s.executeSingle(ctx, ids[0], data, depth)
	default:
		return s.executeParallel(ctx, ids, data, depth)
	}
}

func (s *Scheduler) executeSingle(ctx context.Context, id int64, data map[string]any, depth int) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.executeSingle", trace.WithAttributes(
		attribute.Int64("node.id", id),
		attribute.Int("schedule.depth", depth),
	))
	defer span.End()

	out, err := s.runNode(ctx, id, data, depth)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (s *Scheduler) runNode(ctx context.Context, id int64, data map[string]any, depth int) (map[string]any, error) {
	node, err := s.nodes.FindNodeByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gwerrors.NewError(gwerrors.CodeNodeNotFound, fmt.Sprintf("node %d", id), err)
		}
		return nil, fmt.Errorf("load node %d: %w", id, err)
	}

	input, ok, err := s.filter(ctx, node, data)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Debug("Node skipped by input filter", zap.Int64("node_id", node.ID))
		return map[string]any{}, nil
	}

	var out map[string]any
	err = s.limiter.DoKey(ctx, breakerKey(node), func() error {
		var invokeErr error
		out, invokeErr = s.invoker.Invoke(ctx, node, input)
		return invokeErr
	}, gwerrors.IsRemoteInvoke)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}

	next, err := s.nextNodes(ctx, node, out, input)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return out, nil
	}

	nextInput := data
	if node.NextNodeInputSource == model.InputCurrentOutput {
		nextInput = out
	}
	s.logger.Debug("Routing to next nodes",
		zap.Int64("node_id", node.ID),
		zap.Int64s("next", next),
		zap.String("input_source", string(node.NextNodeInputSource)))
	return s.schedule(ctx, next, nextInput, depth+1)
}

// filter evaluates the node's input filter on a copy of data. It reports
// false when the node must be skipped: the filter returned false, or the
// document left over is empty.
func (s *Scheduler) filter(ctx context.Context, node *model.WorkflowNode, data map[string]any) (map[string]any, bool, error) {
	input := codec.DeepCopy(data)
	if input == nil {
		input = map[string]any{}
	}
	if strings.TrimSpace(node.InputFilterExpr) == "" {
		return input, len(input) > 0, nil
	}

	res, err := s.eval.Evaluate(ctx, node.InputFilterExpr, map[string]any{expression.BindingData: input})
	if err != nil {
		return nil, false, err
	}
	switch v := res.(type) {
	case map[string]any:
		return v, len(v) > 0, nil
	case bool:
		return input, v && len(input) > 0, nil
	default:
		return input, len(input) > 0, nil
	}
}

// breakerKey names the downstream a node calls: kind plus the host of its
// url or datasource. Nodes without a target share their kind's breaker.
func breakerKey(node *model.WorkflowNode) string {
	target := codec.MetaString(node.MetaInfo, "url")
	if target == "" {
		target = codec.MetaString(node.MetaInfo, "datasource.url")
	}
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.Host
	}
	return strings.TrimSpace(string(node.Kind) + " " + target)
}

// nextNodes evaluates the routing expression against the node output
func (s *Scheduler) nextNodes(ctx context.Context, node *model.WorkflowNode, out, input map[string]any) ([]int64, error) {
	if strings.TrimSpace(node.NextNodeExpr) == "" {
		return nil, nil
	}
	res, err := s.eval.Evaluate(ctx, node.NextNodeExpr, map[string]any{
		expression.BindingData:   codec.DeepCopy(out),
		expression.BindingSource: codec.DeepCopy(input),
	})
	if err != nil {
		return nil, err
	}
	return ParseNodeIDs(node.NextNodeExpr, res)
}

// ParseNodeIDs accepts null or a list of integral numbers. Strings holding an
// integer are accepted as well.
func ParseNodeIDs(expr string, v any) ([]int64, error) {
	var items []any
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []int64:
		return list, nil
	case []any:
		items = list
	default:
		return nil, gwerrors.NewExpressionTypeError(expr, v)
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, ok := integral(item)
		if !ok {
			return nil, gwerrors.NewExpressionTypeError(expr, item)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

type branchResult struct {
	out map[string]any
	err error
}

func (s *Scheduler) executeParallel(ctx context.Context, ids []int64, data map[string]any, depth int) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.executeParallel", trace.WithAttributes(
		attribute.Int("branch.count", len(ids)),
		attribute.Int("schedule.depth", depth),
	))
	defer span.End()

	start := time.Now()
	results := make([]branchResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64, input map[string]any) {
			defer wg.Done()
			out, err := s.executeSingle(ctx, id, input, depth)
			results[i] = branchResult{out: out, err: err}
		}(i, id, codec.DeepCopy(data))
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outputs := make([]map[string]any, 0, len(results))
	for i, r := range results {
		switch {
		case r.err != nil && branchDroppable(r.err):
			s.metrics.ObserveBranch(metrics.OutcomeError)
			s.logger.Warn("Parallel branch failed, dropping its result",
				zap.Int64("node_id", ids[i]),
				zap.Error(r.err))
		case r.err != nil:
			s.metrics.ObserveBranch(metrics.OutcomeError)
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			return nil, r.err
		case len(r.out) == 0:
			s.metrics.ObserveBranch(metrics.OutcomeSkipped)
		default:
			s.metrics.ObserveBranch(metrics.OutcomeSuccess)
			outputs = append(outputs, r.out)
		}
	}

	merged := mergeResults(outputs, func(key string) {
		s.logger.Debug("Merge kept first value", zap.String("key", key))
	})
	span.SetAttributes(
		attribute.Int("branch.merged", len(outputs)),
		attribute.Int64("branch.elapsed_ms", time.Since(start).Milliseconds()),
	)
	span.SetStatus(codes.Ok, "")
	return merged, nil
}

// branchDroppable reports errors that only remove a branch from the merge.
// Configuration and expression defects fail the whole request.
func branchDroppable(err error) bool {
	return gwerrors.IsRemoteInvoke(err) ||
		errors.Is(err, concurrency.ErrCircuitOpen) ||
		gwerrors.IsTimeout(err)
}
