package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"codec", NewCodecError("bad json", errors.New("eof")), ErrCodec, true},
		{"wrapped codec", fmt.Errorf("decode body: %w", NewCodecError("bad xml", nil)), ErrCodec, true},
		{"different code", NewCodecError("bad json", nil), ErrRemoteInvoke, false},
		{"route", NewRouteNotFound("/api/x"), ErrRouteNotFound, true},
		{"placeholder", NewPlaceholderUnresolved([]string{"missing"}), ErrPlaceholderUnresolved, true},
		{"plain error", errors.New("boom"), ErrCodec, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRemoteInvokeError("POST http://svc", cause)

	assert.Equal(t, "[REMOTE_INVOKE_ERROR] POST http://svc: connection refused", err.Error())
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, IsRemoteInvoke(err))
	assert.Equal(t, CodeRemoteInvoke, CodeOf(fmt.Errorf("node 3: %w", err)))
	assert.Equal(t, "", CodeOf(cause))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(NewRemoteInvokeError("GET", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(ErrCodec))
}
