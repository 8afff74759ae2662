package expression

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

type deptLookup struct{}

func (deptLookup) Name(code string) string {
	return strings.ToUpper(code) + "-DEPT"
}

func TestEvaluate(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	data := map[string]any{"code": "200", "count": float64(2), "items": []any{"a", "b"}}
	root := map[string]any{"patient": map[string]any{"name": "Alice"}}
	bindings := map[string]any{BindingData: data, BindingSource: root}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"string compare", `data.code == '200'`, true},
		{"arithmetic", `data.count * 2`, 4},
		{"nested root", `source.patient.name`, "Alice"},
		{"array length", `data.items.length`, 2},
		{"routing list", `data.code == '200' ? [5, 6] : null`, []any{int64(5), int64(6)}},
		{"null", `null`, nil},
		{"undefined", `undefined`, nil},
		{"object literal", `({name: source.patient.name, code: data.code})`, map[string]any{"name": "Alice", "code": "200"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(ctx, tt.expr, bindings)
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got)
		})
	}
}

func TestEvaluateClearMutatesDocument(t *testing.T) {
	e := newTestEngine(t, Config{})
	doc := map[string]any{"a": "1", "b": "2"}

	got, err := e.Evaluate(context.Background(), `data.a == '1' ? clear(data) : data`, map[string]any{BindingData: doc})
	require.NoError(t, err)
	assert.Empty(t, doc)
	assert.Empty(t, got)

	doc2 := map[string]any{"a": "1", "b": "2"}
	_, err = e.Evaluate(context.Background(), `delete data.b`, map[string]any{BindingData: doc2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1"}, doc2)
}

func TestEvaluateErrors(t *testing.T) {
	t.Run("syntax", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		_, err := e.Evaluate(context.Background(), `data.a ==`, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, gwerrors.ErrExpressionEval))
		var jsErr *JSError
		require.True(t, errors.As(err, &jsErr))
		assert.Equal(t, ErrorTypeSyntax, jsErr.Type)
	})

	t.Run("runtime", func(t *testing.T) {
		e := newTestEngine(t, Config{})
		_, err := e.Evaluate(context.Background(), `data.missing.field`, map[string]any{BindingData: map[string]any{}})
		require.Error(t, err)
		var jsErr *JSError
		require.True(t, errors.As(err, &jsErr))
		assert.Equal(t, ErrorTypeRuntime, jsErr.Type)
	})

	t.Run("timeout", func(t *testing.T) {
		e := newTestEngine(t, Config{Timeout: 50 * time.Millisecond})
		_, err := e.Evaluate(context.Background(), `while (true) {}`, nil)
		require.Error(t, err)
		assert.True(t, gwerrors.IsTimeout(err))

		got, err := e.Evaluate(context.Background(), `1 + 1`, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 2, got)
	})

	t.Run("strict eval", func(t *testing.T) {
		e := newTestEngine(t, Config{SecurityLevel: SecurityLevelStrict})
		_, err := e.Evaluate(context.Background(), `eval('1')`, nil)
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewEngine(Config{SecurityLevel: "open"}, nil)
		assert.True(t, errors.Is(err, gwerrors.ErrInvalidConfig))
	})
}

func TestEvaluateServices(t *testing.T) {
	e := newTestEngine(t, Config{})
	services := Services{"dept": deptLookup{}}

	got, err := e.Evaluate(context.Background(), `dept.name(data)`, services.Bind(map[string]any{BindingData: "icu"}))
	require.NoError(t, err)
	assert.Equal(t, "ICU-DEPT", got)
}

func TestPooledGlobalsDoNotLeak(t *testing.T) {
	e := newTestEngine(t, Config{Pool: PoolConfig{MaxSize: 1}})
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `leaked = 42`, map[string]any{BindingData: map[string]any{}})
	require.NoError(t, err)

	got, err := e.Evaluate(ctx, `typeof leaked + ':' + typeof data`, nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined:undefined", got)

	evaluations, failures, stats := e.Stats()
	assert.Equal(t, int64(2), evaluations)
	assert.Equal(t, int64(0), failures)
	assert.Equal(t, 1, stats.CurrentSize)
}
