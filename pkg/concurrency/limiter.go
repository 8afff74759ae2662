package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a snapshot of limiter activity
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a semaphore guarded by circuit breakers. Slots are shared; each
// downstream key trips its own breaker, and the empty key uses the default one.
type Limiter struct {
	sem      chan struct{}
	active   atomic.Int64
	breaker  *CircuitBreaker
	breakers sync.Map // key -> *CircuitBreaker

	acquired atomic.Int64
	released atomic.Int64
	rejected atomic.Int64
	peak     atomic.Int64
	waitNs   atomic.Int64
}

// NewLimiter creates a limiter whose breaker opens after 100 consecutive failures
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with a custom breaker
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if cb == nil {
		cb = NewCircuitBreaker(0, 0)
	}
	return &Limiter{
		sem:     make(chan struct{}, maxConcurrent),
		breaker: cb,
	}
}

// Acquire takes a slot, waiting until one frees up or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.acquire(ctx, l.breaker)
}

func (l *Limiter) acquire(ctx context.Context, cb *CircuitBreaker) error {
	if cb.IsOpen() {
		l.rejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		l.rejected.Add(1)
		return ctx.Err()
	}
}

// Release returns a slot
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn in the caller's goroutine while holding a slot. failure decides
// which errors count against the breaker; nil counts every error.
func (l *Limiter) Do(ctx context.Context, fn func() error, failure func(error) bool) error {
	return l.DoKey(ctx, "", fn, failure)
}

// DoKey is Do against the breaker of one downstream
func (l *Limiter) DoKey(ctx context.Context, key string, fn func() error, failure func(error) bool) error {
	cb := l.BreakerFor(key)
	if err := l.acquire(ctx, cb); err != nil {
		return err
	}
	defer l.Release()

	err := fn()
	if err != nil && (failure == nil || failure(err)) {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return err
}

// BreakerFor returns the breaker of key, created with the default breaker's
// threshold and reset timeout on first use
func (l *Limiter) BreakerFor(key string) *CircuitBreaker {
	if key == "" {
		return l.breaker
	}
	if cb, ok := l.breakers.Load(key); ok {
		return cb.(*CircuitBreaker)
	}
	cb, _ := l.breakers.LoadOrStore(key, NewCircuitBreaker(l.breaker.threshold, l.breaker.reset))
	return cb.(*CircuitBreaker)
}

// CurrentActive returns the number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Capacity returns the slot count
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// GetMetrics returns a snapshot of the counters
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		TotalRejected:   l.rejected.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// GetAverageWaitTime is the mean time spent waiting for a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Breaker exposes the default circuit breaker
func (l *Limiter) Breaker() *CircuitBreaker {
	return l.breaker
}
