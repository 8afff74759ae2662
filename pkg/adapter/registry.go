package adapter

import (
	"context"
	"sync"

	"github.com/wehubfusion/Hermes/pkg/model"
)

// Registry selects an Invoker by node kind. Unregistered kinds fall back to
// the no-op invoker.
type Registry struct {
	mu       sync.RWMutex
	invokers map[model.NodeKind]Invoker
	fallback Invoker
}

// NewRegistry creates a registry whose fallback returns an empty document
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[model.NodeKind]Invoker),
		fallback: noopInvoker{},
	}
}

// Register binds kind to inv
func (r *Registry) Register(kind model.NodeKind, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[kind] = inv
}

// SetFallback replaces the invoker used for unknown kinds
func (r *Registry) SetFallback(inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = inv
}

// Lookup returns the invoker for kind
func (r *Registry) Lookup(kind model.NodeKind) Invoker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inv, ok := r.invokers[kind]; ok {
		return inv
	}
	return r.fallback
}

// Invoke dispatches to the node's invoker
func (r *Registry) Invoke(ctx context.Context, node *model.WorkflowNode, data map[string]any) (map[string]any, error) {
	return r.Lookup(node.Kind).Invoke(ctx, node, data)
}

type noopInvoker struct{}

func (noopInvoker) Invoke(context.Context, *model.WorkflowNode, map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}
