package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/model"
)

func newSQLFixture(t *testing.T) (*SQLCaller, DataSourceConfig) {
	t.Helper()
	ds := DataSourceConfig{URL: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())}
	sources := NewDataSources(PoolConfig{}, nil)
	t.Cleanup(func() { _ = sources.Close() })

	db, err := sources.Get(ds)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE patient (id INTEGER PRIMARY KEY, name TEXT, ward TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO patient (id, name, ward) VALUES (42, 'alice', 'ICU'), (43, 'bob', 'ER')`)
	require.NoError(t, err)
	return NewSQLCaller(sources, nil), ds
}

func sqlNode(t *testing.T, meta SQLMeta) *model.WorkflowNode {
	t.Helper()
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	return &model.WorkflowNode{ID: 9, Kind: model.KindSQL, MetaInfo: raw}
}

func TestSQLCallerSelect(t *testing.T) {
	caller, ds := newSQLFixture(t)
	node := sqlNode(t, SQLMeta{SQLTemplate: "SELECT id, name FROM patient WHERE id={id}", Datasource: ds})
	params := []*model.ParamTreeNode{{Key: "id", Value: int64(42), Type: model.TypeInteger}}

	got, ex, err := caller.Call(context.Background(), node, params)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM patient WHERE id=42", ex.Request)
	assert.Equal(t, map[string]any{
		"data":  []any{map[string]any{"id": int64(42), "name": "alice"}},
		"total": int64(1),
	}, got)
}

func TestSQLCallerUnresolvedPlaceholder(t *testing.T) {
	caller, ds := newSQLFixture(t)
	node := sqlNode(t, SQLMeta{SQLTemplate: "SELECT * FROM patient WHERE id={id} AND ward={ward} AND x={missing}", Datasource: ds})
	params := []*model.ParamTreeNode{{Key: "id", Value: int64(42), Type: model.TypeInteger}}

	_, _, err := caller.Call(context.Background(), node, params)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerrors.ErrPlaceholderUnresolved)
	assert.Contains(t, err.Error(), "ward")
	assert.Contains(t, err.Error(), "missing")
}

func TestSQLCallerUpdate(t *testing.T) {
	caller, ds := newSQLFixture(t)
	node := sqlNode(t, SQLMeta{SQLTemplate: "UPDATE patient SET ward={ward} WHERE id IN {ids}", Datasource: ds})
	params := []*model.ParamTreeNode{
		{Key: "ward", Value: "O'Neil", Type: model.TypeString},
		{Key: "ids", Type: model.TypeArray, Value: []any{int64(42), int64(43)}},
	}

	got, ex, err := caller.Call(context.Background(), node, params)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE patient SET ward='O''Neil' WHERE id IN (42,43)", ex.Request)
	assert.Equal(t, map[string]any{"affectedRows": int64(2)}, got)
}

func TestSQLCallerBatchInsert(t *testing.T) {
	caller, ds := newSQLFixture(t)
	node := sqlNode(t, SQLMeta{Operation: "INSERT", TableName: "patient", Datasource: ds})
	params := []*model.ParamTreeNode{{
		Key: "rows", Type: model.TypeArray,
		Value: []any{
			map[string]any{"id": int64(50), "name": "carol", "ward": "ICU"},
			map[string]any{"id": int64(51), "name": "dan"},
			map[string]any{"id": int64(52), "name": "erin", "ward": nil},
		},
	}}

	got, ex, err := caller.Call(context.Background(), node, params)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO patient (id,name,ward) VALUES (50,'carol','ICU'),(52,'erin',NULL)", ex.Request)
	assert.Equal(t, map[string]any{"affectedRows": int64(2)}, got)
}

func TestSQLCallerMissingConfig(t *testing.T) {
	tests := []struct {
		name string
		meta json.RawMessage
	}{
		{name: "no meta", meta: nil},
		{name: "no datasource", meta: json.RawMessage(`{"sqlTemplate":"SELECT 1"}`)},
		{name: "no template", meta: json.RawMessage(`{"datasource":{"url":"file:x.db"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewSQLCaller(nil, nil).Call(context.Background(), &model.WorkflowNode{ID: 1, MetaInfo: tt.meta}, nil)
			assert.ErrorIs(t, err, gwerrors.ErrMissingSQLConfig)
		})
	}
}

func TestFormatSQLValue(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "nil", value: nil, want: "NULL"},
		{name: "string", value: "it's", want: "'it''s'"},
		{name: "int", value: int64(7), want: "7"},
		{name: "float", value: 1.5, want: "1.5"},
		{name: "bool", value: true, want: "TRUE"},
		{name: "time", value: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC), want: "'2024-03-01 08:30:00'"},
		{name: "list", value: []any{"a", int64(1)}, want: "('a',1)"},
		{name: "map", value: map[string]any{"k": "v"}, want: `'{"k":"v"}'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatSQLValue(tt.value))
		})
	}
}

func TestRenderSQLDottedKeys(t *testing.T) {
	values := map[string]any{
		"patient": map[string]any{"id": int64(3), "note": nil},
		"a.b":     "literal",
	}
	got, err := RenderSQL("SELECT {patient.id}, {patient.note}, {a.b}", values)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 3, NULL, 'literal'", got)
}

func TestResolveDriver(t *testing.T) {
	tests := []struct {
		name       string
		ds         DataSourceConfig
		wantDriver string
		wantDSN    string
		wantErr    bool
	}{
		{name: "pgx url", ds: DataSourceConfig{URL: "postgres://db:5432/his"}, wantDriver: "pgx", wantDSN: "postgres://db:5432/his"},
		{name: "lib pq", ds: DataSourceConfig{URL: "postgres://db/his", Driver: "postgres", Username: "u", Password: "p"},
			wantDriver: "postgres", wantDSN: "postgres://u:p@db/his"},
		{name: "sqlite file", ds: DataSourceConfig{URL: "file:test.db"}, wantDriver: "sqlite3", wantDSN: "file:test.db"},
		{name: "sqlite memory", ds: DataSourceConfig{URL: ":memory:"}, wantDriver: "sqlite3", wantDSN: ":memory:"},
		{name: "unknown", ds: DataSourceConfig{URL: "jdbc:oracle:thin:@db"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := resolveDriver(tt.ds)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}
