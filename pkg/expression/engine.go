// Package expression evaluates routing, filter and mapping expressions as
// sandboxed JavaScript. Every evaluation sees the caller's bindings as
// globals, typically "data" (the current document) and "source" (the root
// document), plus any named lookup services.
package expression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
)

// Binding names shared by the mapping engine and the scheduler
const (
	BindingData   = "data"
	BindingSource = "source"
)

// Evaluator is the narrow capability the rest of the gateway depends on
type Evaluator interface {
	Evaluate(ctx context.Context, src string, bindings map[string]any) (any, error)
}

// Services are named values, usually lookup clients, exposed to expressions
type Services map[string]any

// Bind returns bindings extended with every service. Explicit bindings win.
func (s Services) Bind(bindings map[string]any) map[string]any {
	out := make(map[string]any, len(s)+len(bindings))
	for name, svc := range s {
		out[name] = svc
	}
	for k, v := range bindings {
		out[k] = v
	}
	return out
}

// Engine evaluates expressions on pooled goja runtimes
type Engine struct {
	cfg      Config
	pool     *VMPool
	programs sync.Map // source -> *goja.Program
	logger   *zap.Logger

	evaluations int64
	failures    int64
}

// NewEngine creates an engine with its VM pool
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, gwerrors.NewInvalidConfig("expression config", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := NewVMPool(&cfg)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, pool: pool, logger: logger}, nil
}

func (e *Engine) compile(src string) (*goja.Program, error) {
	if p, ok := e.programs.Load(src); ok {
		return p.(*goja.Program), nil
	}
	p, err := goja.Compile("expr", src, false)
	if err != nil {
		return nil, err
	}
	e.programs.Store(src, p)
	return p, nil
}

// Evaluate runs src with bindings as globals and exports the result:
// objects as map[string]any, arrays as []any, null and undefined as nil.
// Failures are returned as ExpressionEvalError wrapping a *JSError.
func (e *Engine) Evaluate(ctx context.Context, src string, bindings map[string]any) (result any, err error) {
	atomic.AddInt64(&e.evaluations, 1)
	defer func() {
		if r := recover(); r != nil {
			err = gwerrors.NewExpressionEvalError(src, fmt.Errorf("panic during evaluation: %v", r))
		}
		if err != nil {
			atomic.AddInt64(&e.failures, 1)
		}
	}()

	prog, err := e.compile(src)
	if err != nil {
		return nil, gwerrors.NewExpressionEvalError(src, parseError(err))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	vm, err := e.pool.Acquire(timeoutCtx)
	if err != nil {
		return nil, gwerrors.NewExpressionEvalError(src, fmt.Errorf("failed to acquire VM: %w", err))
	}
	defer e.pool.Release(vm)

	// the watcher must exit before the VM goes back to the pool
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-timeoutCtx.Done():
			vm.vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for name, v := range bindings {
		if err := vm.vm.Set(name, v); err != nil {
			return nil, gwerrors.NewExpressionEvalError(src, fmt.Errorf("failed to bind %s: %w", name, err))
		}
	}

	value, err := vm.vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			e.logger.Warn("expression interrupted", zap.String("expression", src), zap.Duration("timeout", e.cfg.Timeout))
			return nil, gwerrors.NewExpressionEvalError(src, errors.Join(newTimeoutError(e.cfg.Timeout), gwerrors.ErrTimeout))
		}
		return nil, gwerrors.NewExpressionEvalError(src, parseError(err))
	}

	return export(value), nil
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// Stats reports evaluation counters and pool state
func (e *Engine) Stats() (evaluations, failures int64, pool PoolStats) {
	return atomic.LoadInt64(&e.evaluations), atomic.LoadInt64(&e.failures), e.pool.Stats()
}

// Close releases the VM pool
func (e *Engine) Close() {
	e.pool.Close()
}

func registerHelpers(vm *goja.Runtime) error {
	// clear empties a document in place, the idiom filters use to skip a node
	if err := vm.Set("clear", func(m map[string]any) map[string]any {
		for k := range m {
			delete(m, k)
		}
		return m
	}); err != nil {
		return err
	}
	return vm.Set("formatDate", formatDate)
}
