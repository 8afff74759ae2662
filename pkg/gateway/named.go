package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/audit"
	"github.com/wehubfusion/Hermes/pkg/codec"
	"github.com/wehubfusion/Hermes/pkg/metrics"
)

// Result codes of named dispatch
const (
	OkCode   = "200"
	FailCode = "-1"
)

// Result is the envelope returned to named-method callers
type Result struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Ok wraps data in a success result
func Ok(data any) Result {
	return Result{Code: OkCode, Message: "success", Data: data}
}

// Fail builds a failure result
func Fail(message string) Result {
	return Result{Code: FailCode, Message: message}
}

// DispatchNamed runs the workflow registered under method. The schedule
// result must carry code "200" to succeed; its "rsp" field becomes the data.
func (g *Gateway) DispatchNamed(ctx context.Context, method string, payload map[string]any) Result {
	ctx = audit.WithRoute(ctx, method)
	ctx, span := g.tracer.Start(ctx, "gateway.DispatchNamed", trace.WithAttributes(
		attribute.String("method", method),
	))
	defer span.End()

	start := time.Now()
	res, err := g.dispatchNamed(ctx, method, payload)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.ObserveDispatch(method, metrics.OutcomeError, elapsed)
		g.logger.Error("Named dispatch failed",
			zap.String("method", method),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		g.report(method, err)
		return Fail(err.Error())
	}

	outcome := metrics.OutcomeSuccess
	if res.Code != OkCode {
		outcome = metrics.OutcomeError
	}
	span.SetAttributes(attribute.String("result.code", res.Code))
	span.SetStatus(codes.Ok, "")
	g.metrics.ObserveDispatch(method, outcome, elapsed)
	return res
}

func (g *Gateway) dispatchNamed(ctx context.Context, method string, payload map[string]any) (Result, error) {
	wf, err := g.resolve(ctx, method)
	if err != nil {
		return Result{}, err
	}

	data := payload
	if !g.wholeEnvelope[method] {
		if data, err = codec.ToDocument(payload["data"]); err != nil {
			return Result{}, err
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	rsp, err := g.scheduler.Schedule(ctx, wf.FirstNodeIDs, data)
	if err != nil {
		return Result{}, err
	}
	if isOkCode(rsp["code"]) {
		return Ok(rsp["rsp"]), nil
	}
	message, _ := rsp["message"].(string)
	return Fail(message), nil
}

func isOkCode(v any) bool {
	switch c := v.(type) {
	case string:
		return c == OkCode
	case float64, int, int64:
		return fmt.Sprint(c) == OkCode
	}
	return false
}
