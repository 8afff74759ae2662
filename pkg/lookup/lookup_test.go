package lookup

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Hermes/pkg/expression"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE dept (code TEXT PRIMARY KEY, name TEXT, beds INTEGER)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dept VALUES ('icu', 'Intensive Care', 12), ('er', 'Emergency', 30)`)
	require.NoError(t, err)
	return db
}

func TestSQLLookup(t *testing.T) {
	l := NewSQLLookup(newDB(t), 0, nil)

	t.Run("one", func(t *testing.T) {
		row := l.QueryOne("SELECT name, beds FROM dept WHERE code = ?", "icu")
		assert.Equal(t, map[string]any{"name": "Intensive Care", "beds": int64(12)}, row)
		assert.Nil(t, l.QueryOne("SELECT name FROM dept WHERE code = ?", "none"))
	})

	t.Run("value", func(t *testing.T) {
		assert.Equal(t, "Emergency", l.QueryValue("SELECT name FROM dept WHERE code = ?", "er"))
		assert.Nil(t, l.QueryValue("SELECT name FROM dept WHERE code = ?", "none"))
	})

	t.Run("list", func(t *testing.T) {
		rows := l.QueryList("SELECT code FROM dept ORDER BY code")
		assert.Equal(t, []map[string]any{{"code": "er"}, {"code": "icu"}}, rows)
	})

	t.Run("errors yield nil", func(t *testing.T) {
		assert.Nil(t, l.QueryList("SELECT * FROM missing"))
		assert.Nil(t, l.QueryOne("SELECT * FROM missing"))
		assert.Nil(t, l.QueryValue("SELECT * FROM missing"))
	})
}

type fakeKV struct {
	strings map[string]string
	hashes  map[string]map[string]string
	err     error
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.strings[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeKV) HGet(_ context.Context, key, field string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.hashes[key][field]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeKV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hashes[key], nil
}

func TestKVLookup(t *testing.T) {
	kv := &fakeKV{
		strings: map[string]string{"xref:icu": "ICU-01"},
		hashes:  map[string]map[string]string{"xref:dept:icu": {"name": "Intensive Care"}},
	}
	l := NewKVLookup(kv, "xref:", 0, nil)

	assert.Equal(t, "ICU-01", l.Get("icu"))
	assert.Nil(t, l.Get("er"))
	assert.Equal(t, "Intensive Care", l.Hget("dept:icu", "name"))
	assert.Nil(t, l.Hget("dept:icu", "beds"))
	assert.Equal(t, map[string]any{"name": "Intensive Care"}, l.HgetAll("dept:icu"))
	assert.Nil(t, l.HgetAll("dept:er"))

	broken := NewKVLookup(&fakeKV{err: errors.New("connection refused")}, "", 0, nil)
	assert.Nil(t, broken.Get("a"))
	assert.Nil(t, broken.Hget("a", "b"))
	assert.Nil(t, broken.HgetAll("a"))
}

func TestRedisResult(t *testing.T) {
	_, err := redisResult("", redis.Nil)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	v, err := redisResult("x", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestLookupsFromExpressions(t *testing.T) {
	engine, err := expression.NewEngine(expression.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	services := expression.Services{
		"db": NewSQLLookup(newDB(t), 0, nil),
		"kv": NewKVLookup(&fakeKV{strings: map[string]string{"icu": "ICU-01"}}, "", 0, nil),
	}
	bindings := services.Bind(map[string]any{expression.BindingData: "icu"})

	got, err := engine.Evaluate(context.Background(), `db.queryValue("SELECT name FROM dept WHERE code = ?", data)`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "Intensive Care", got)

	got, err = engine.Evaluate(context.Background(), `kv.get(data) + "/" + db.queryOne("SELECT beds FROM dept WHERE code = ?", data).beds`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "ICU-01/12", got)
}
