package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "hermes", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), ConnectionConfig{}, nil)
	require.Error(t, err)
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, DefaultConnectionConfig("nats://127.0.0.1:1"), nil)
	require.Error(t, err)
}

func TestNilConnection(t *testing.T) {
	assert.False(t, IsConnected(nil))
	assert.NoError(t, Close(nil))
}
