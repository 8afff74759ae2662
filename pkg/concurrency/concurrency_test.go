package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigRespectsEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvMaxParallelBranches, "42")
	t.Setenv(EnvBranchCircuitThreshold, "7")
	t.Setenv(EnvBranchCircuitReset, "5s")

	cfg := LoadConfig()
	assert.Equal(t, 42, cfg.MaxParallelBranches)
	assert.Equal(t, int64(7), cfg.CircuitThreshold)
	assert.Equal(t, 5*time.Second, cfg.CircuitReset)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Equal(t, 42, cfg.NewLimiter().Capacity())
}

func TestLoadConfigMultiplier(t *testing.T) {
	t.Setenv(EnvBranchMultiplier, "3")
	cfg := LoadConfig()
	assert.Equal(t, cfg.EffectiveCPUs*3, cfg.MaxParallelBranches)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvBranchCircuitReset, "bogus")
	cfg := LoadConfig()
	assert.GreaterOrEqual(t, cfg.MaxParallelBranches, 1)
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.Equal(t, int64(100), cfg.CircuitThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitReset)
	assert.Contains(t, cfg.String(), "MaxParallelBranches")
}

func TestLimiterAcquireReleaseTracksMetrics(t *testing.T) {
	l := NewLimiter(2)
	require.NoError(t, l.Acquire(context.Background()))
	assert.Equal(t, int64(1), l.CurrentActive())
	l.Release()
	l.Release()

	m := l.GetMetrics()
	assert.Equal(t, int64(1), m.TotalAcquired)
	assert.Equal(t, int64(1), m.TotalReleased)
	assert.Equal(t, int64(1), m.PeakConcurrent)
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), l.GetMetrics().TotalRejected)
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func() error {
				time.Sleep(2 * time.Millisecond)
				return nil
			}, nil)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, l.GetMetrics().PeakConcurrent, int64(3))
	assert.Equal(t, int64(0), l.CurrentActive())
}

func TestLimiterDoOpensCircuit(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(2, NewCircuitBreaker(2, time.Hour))
	boom := errors.New("boom")
	ignored := errors.New("config")
	countable := func(err error) bool { return errors.Is(err, boom) }

	assert.ErrorIs(t, l.Do(context.Background(), func() error { return ignored }, countable), ignored)
	assert.Equal(t, StateClosed, l.Breaker().GetState(), "non-countable errors leave the breaker alone")

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, l.Do(context.Background(), func() error { return boom }, countable), boom)
	}
	assert.Equal(t, StateOpen, l.Breaker().GetState())
	assert.ErrorIs(t, l.Do(context.Background(), func() error { return nil }, countable), ErrCircuitOpen)
}

func TestLimiterBreakersAreKeyed(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(2, NewCircuitBreaker(2, time.Hour))
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, l.DoKey(context.Background(), "HTTP bad.test", func() error { return boom }, nil), boom)
	}
	assert.ErrorIs(t, l.DoKey(context.Background(), "HTTP bad.test", func() error { return nil }, nil), ErrCircuitOpen)

	assert.NoError(t, l.DoKey(context.Background(), "HTTP good.test", func() error { return nil }, nil))
	assert.NoError(t, l.Do(context.Background(), func() error { return nil }, nil))
	assert.Equal(t, StateClosed, l.Breaker().GetState())
	assert.Equal(t, StateClosed, l.BreakerFor("HTTP good.test").GetState())
	assert.Equal(t, StateOpen, l.BreakerFor("HTTP bad.test").GetState())
	assert.Same(t, l.Breaker(), l.BreakerFor(""))
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	now = now.Add(2 * time.Second)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState(), "failure while half-open reopens")

	now = now.Add(2 * time.Second)
	require.False(t, cb.IsOpen())
	for i := 0; i < halfOpenSuccesses; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())

	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}
