package expression

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// PoolConfig defines the configuration for the VM pool
type PoolConfig struct {
	MinSize       int `mapstructure:"min_size"`        // VMs created up front
	MaxSize       int `mapstructure:"max_size"`        // upper bound on live VMs
	MaxReuseCount int `mapstructure:"max_reuse_count"` // evaluations before a VM is recreated
}

func (p *PoolConfig) applyDefaults() {
	if p.MinSize < 0 {
		p.MinSize = 0
	}
	if p.MaxSize <= 0 {
		p.MaxSize = 32
	}
	if p.MinSize > p.MaxSize {
		p.MinSize = p.MaxSize
	}
	if p.MaxReuseCount <= 0 {
		p.MaxReuseCount = 1000
	}
}

// keptGlobals survive the reset between evaluations
var keptGlobals = []string{
	"Object", "Array", "Function", "String", "Number", "Boolean",
	"Date", "RegExp", "Error", "TypeError", "RangeError", "SyntaxError", "Math", "JSON",
	"parseInt", "parseFloat", "isNaN", "isFinite",
	"decodeURI", "decodeURIComponent", "encodeURI", "encodeURIComponent",
	"undefined", "NaN", "Infinity", "eval", "globalThis",
	"clear", "formatDate",
}

// VMPool manages reusable sandboxed goja runtimes
type VMPool struct {
	pool          chan *pooledVM
	config        *Config
	maxSize       int
	maxReuseCount int
	currentSize   int32
	totalCreated  int64
	totalAcquired int64
	reset         *goja.Program
	mu            sync.Mutex
	closed        bool
}

type pooledVM struct {
	vm         *goja.Runtime
	createdAt  time.Time
	reuseCount int
}

// NewVMPool creates a pool and pre-creates MinSize VMs
func NewVMPool(cfg *Config) (*VMPool, error) {
	cfg.Pool.applyDefaults()

	reset, err := goja.Compile("reset", resetScript(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reset script: %w", err)
	}

	p := &VMPool{
		pool:          make(chan *pooledVM, cfg.Pool.MaxSize),
		config:        cfg,
		maxSize:       cfg.Pool.MaxSize,
		maxReuseCount: cfg.Pool.MaxReuseCount,
		reset:         reset,
	}

	for i := 0; i < cfg.Pool.MinSize; i++ {
		vm, err := p.createVM()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create initial VM: %w", err)
		}
		p.pool <- vm
	}

	return p, nil
}

func resetScript() string {
	kept := "{"
	for i, name := range keptGlobals {
		if i > 0 {
			kept += ","
		}
		kept += fmt.Sprintf("%q:true", name)
	}
	kept += "}"
	return `(function(g) {
		var kept = ` + kept + `;
		var names = Object.getOwnPropertyNames(g);
		for (var i = 0; i < names.length; i++) {
			if (!kept[names[i]]) {
				try { delete g[names[i]]; } catch (e) {}
			}
		}
	})(this)`
}

// Acquire gets a VM from the pool, creating one while under MaxSize,
// otherwise waiting until one is released or ctx is done
func (p *VMPool) Acquire(ctx context.Context) (*pooledVM, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	p.mu.Unlock()

	atomic.AddInt64(&p.totalAcquired, 1)

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return p.recycle(vm)
	default:
	}

	if atomic.AddInt32(&p.currentSize, 1) <= int32(p.maxSize) {
		vm, err := p.newRuntime()
		if err != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return nil, err
		}
		return vm, nil
	}
	atomic.AddInt32(&p.currentSize, -1)

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return p.recycle(vm)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *VMPool) recycle(vm *pooledVM) (*pooledVM, error) {
	vm.reuseCount++
	if vm.reuseCount < p.maxReuseCount && p.isHealthy(vm) {
		return vm, nil
	}
	// replaced one for one, so the live count is unchanged
	replacement, err := p.newRuntime()
	if err != nil {
		atomic.AddInt32(&p.currentSize, -1)
		return nil, fmt.Errorf("failed to recreate VM: %w", err)
	}
	return replacement, nil
}

// Release clears per-evaluation globals and returns the VM to the pool
func (p *VMPool) Release(vm *pooledVM) {
	if vm == nil {
		return
	}
	vm.vm.ClearInterrupt()
	if _, err := vm.vm.RunProgram(p.reset); err != nil {
		atomic.AddInt32(&p.currentSize, -1)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		atomic.AddInt32(&p.currentSize, -1)
		return
	}

	select {
	case p.pool <- vm:
	default:
		atomic.AddInt32(&p.currentSize, -1)
	}
}

func (p *VMPool) createVM() (*pooledVM, error) {
	atomic.AddInt32(&p.currentSize, 1)
	vm, err := p.newRuntime()
	if err != nil {
		atomic.AddInt32(&p.currentSize, -1)
	}
	return vm, err
}

func (p *VMPool) newRuntime() (*pooledVM, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if err := NewSandbox(p.config).Apply(rt); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}
	if err := registerHelpers(rt); err != nil {
		return nil, fmt.Errorf("failed to register helpers: %w", err)
	}

	atomic.AddInt64(&p.totalCreated, 1)
	return &pooledVM{vm: rt, createdAt: time.Now()}, nil
}

func (p *VMPool) isHealthy(vm *pooledVM) bool {
	if vm == nil || vm.vm == nil {
		return false
	}
	_, err := vm.vm.RunString("1+1")
	return err == nil
}

// Close closes the pool and drops all idle VMs
func (p *VMPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.pool)
	for range p.pool {
		atomic.AddInt32(&p.currentSize, -1)
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	CurrentSize   int   `json:"current_size"`
	MaxSize       int   `json:"max_size"`
	TotalCreated  int64 `json:"total_created"`
	TotalAcquired int64 `json:"total_acquired"`
	Available     int   `json:"available"`
}

// Stats returns pool statistics
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		CurrentSize:   int(atomic.LoadInt32(&p.currentSize)),
		MaxSize:       p.maxSize,
		TotalCreated:  atomic.LoadInt64(&p.totalCreated),
		TotalAcquired: atomic.LoadInt64(&p.totalAcquired),
		Available:     len(p.pool),
	}
}
