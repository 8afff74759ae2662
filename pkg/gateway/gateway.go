// Package gateway is the entry point of a business request: it resolves the
// workflow bound to a route, decodes the body, schedules the workflow and
// encodes the merged result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/audit"
	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/metrics"
	"github.com/wehubfusion/Hermes/pkg/model"
	"github.com/wehubfusion/Hermes/pkg/store"
)

// DefaultFailureElement names the XML failure envelope when the workflow has
// no result element configured
const DefaultFailureElement = "Response"

// WorkflowFinder resolves routes to workflows
type WorkflowFinder interface {
	FindWorkflowByRoute(ctx context.Context, route string) (*model.Workflow, error)
}

// Scheduler runs a workflow's start nodes
type Scheduler interface {
	Schedule(ctx context.Context, ids []int64, data map[string]any) (map[string]any, error)
}

// Gateway dispatches inbound requests
type Gateway struct {
	workflows     WorkflowFinder
	scheduler     Scheduler
	hub           *sentry.Hub
	metrics       metrics.Collector
	tracer        trace.Tracer
	logger        *zap.Logger
	wholeEnvelope map[string]bool
}

// Option configures a Gateway
type Option func(*Gateway)

// WithSentry reports dispatch failures other than unknown routes to hub
func WithSentry(hub *sentry.Hub) Option {
	return func(g *Gateway) { g.hub = hub }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(g *Gateway) {
		if c != nil {
			g.metrics = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithWholeEnvelopeMethods lists the named methods whose business data is
// the whole payload rather than its "data" field
func WithWholeEnvelopeMethods(methods ...string) Option {
	return func(g *Gateway) {
		g.wholeEnvelope = make(map[string]bool, len(methods))
		for _, m := range methods {
			g.wholeEnvelope[m] = true
		}
	}
}

// New creates a gateway
func New(workflows WorkflowFinder, scheduler Scheduler, opts ...Option) *Gateway {
	g := &Gateway{
		workflows:     workflows,
		scheduler:     scheduler,
		metrics:       metrics.Nop{},
		tracer:        otel.Tracer("hermes/gateway"),
		logger:        zap.NewNop(),
		wholeEnvelope: map[string]bool{"GetItemResult": true},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dispatch runs the workflow bound to route. On failure the returned bytes
// are a failure envelope in the workflow's content type and the error is the
// cause.
func (g *Gateway) Dispatch(ctx context.Context, raw []byte, route string) ([]byte, error) {
	ctx = audit.WithRoute(ctx, route)
	ctx, span := g.tracer.Start(ctx, "gateway.Dispatch", trace.WithAttributes(
		attribute.String("route", route),
		attribute.Int("request.bytes", len(raw)),
	))
	defer span.End()

	start := time.Now()
	wf, out, err := g.dispatch(ctx, raw, route)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.ObserveDispatch(route, metrics.OutcomeError, elapsed)
		g.logger.Error("Dispatch failed",
			zap.String("route", route),
			zap.String("code", gwerrors.CodeOf(err)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		g.report(route, err)
		return failureEnvelope(wf, err), err
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("response.bytes", len(out)))
	g.metrics.ObserveDispatch(route, metrics.OutcomeSuccess, elapsed)
	g.logger.Info("Dispatch completed",
		zap.String("route", route),
		zap.Duration("elapsed", elapsed))
	return out, nil
}

func (g *Gateway) dispatch(ctx context.Context, raw []byte, route string) (*model.Workflow, []byte, error) {
	wf, err := g.resolve(ctx, route)
	if err != nil {
		return nil, nil, err
	}

	data, err := decodeRequest(wf, raw)
	if err != nil {
		return wf, nil, err
	}

	result, err := g.scheduler.Schedule(ctx, wf.FirstNodeIDs, data)
	if err != nil {
		return wf, nil, err
	}

	out, err := encodeResponse(wf, result)
	if err != nil {
		return wf, nil, err
	}
	return wf, out, nil
}

func (g *Gateway) resolve(ctx context.Context, route string) (*model.Workflow, error) {
	wf, err := g.workflows.FindWorkflowByRoute(ctx, route)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gwerrors.NewRouteNotFound(route)
		}
		return nil, fmt.Errorf("resolve route %q: %w", route, err)
	}
	if !wf.Enabled {
		return nil, gwerrors.NewRouteNotFound(route)
	}
	return wf, nil
}

func (g *Gateway) report(route string, err error) {
	if g.hub == nil || gwerrors.IsRouteNotFound(err) {
		return
	}
	hub := g.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("route", route)
		if code := gwerrors.CodeOf(err); code != "" {
			scope.SetTag("error_code", code)
		}
		hub.CaptureException(err)
	})
}

// xmlMeta maps a workflow's content metadata onto the XML codec
func xmlMeta(m model.ContentMeta) codec.XMLMeta {
	return codec.XMLMeta{
		UseCdata:           m.UseCdata,
		RequestNamespace:   m.RequestNamespace,
		RequestElementName: m.RequestElementName,
		RequestType:        m.RequestType,
		ResponseNamespace:  m.ResponseNamespace,
		ResultElementName:  m.ResultElementName,
		ListKeys:           m.ListKeys,
		ParseNumbers:       m.ParseNumbers,
	}
}

func decodeRequest(wf *model.Workflow, raw []byte) (map[string]any, error) {
	if wf.ContentType == model.ContentXML {
		if len(raw) == 0 {
			return map[string]any{}, nil
		}
		return codec.DecodeXML(raw, xmlMeta(wf.ContentMeta))
	}
	return codec.DecodeJSON(raw)
}

func encodeResponse(wf *model.Workflow, result map[string]any) ([]byte, error) {
	if wf.ContentType == model.ContentXML {
		return codec.EncodeXML(result, xmlMeta(wf.ContentMeta))
	}
	return codec.EncodeJSON(result)
}

// failureEnvelope renders {"code":"-1","message":...} in the workflow's
// content type, JSON when the workflow is unknown
func failureEnvelope(wf *model.Workflow, err error) []byte {
	doc := map[string]any{"code": FailCode, "message": err.Error()}
	if wf != nil && wf.ContentType == model.ContentXML {
		meta := xmlMeta(wf.ContentMeta)
		if meta.ResultElementName == "" {
			meta.ResultElementName = DefaultFailureElement
		}
		if out, encErr := codec.EncodeXML(doc, meta); encErr == nil {
			return out
		}
	}
	out, _ := codec.EncodeJSON(doc)
	return out
}
