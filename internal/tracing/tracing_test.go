package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestShutdown(t *testing.T) {
	assert.NoError(t, Shutdown(nil, nil))
	assert.NoError(t, Shutdown(func(context.Context) error { return nil }, nil))

	boom := errors.New("boom")
	assert.ErrorIs(t, Shutdown(func(context.Context) error { return boom }, nil), boom)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "hermes", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}
