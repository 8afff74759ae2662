package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Hermes/pkg/codec"
	gwerrors "github.com/wehubfusion/Hermes/pkg/errors"
	"github.com/wehubfusion/Hermes/pkg/lookup"
	"github.com/wehubfusion/Hermes/pkg/mapping"
	"github.com/wehubfusion/Hermes/pkg/model"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// SQLMeta is the metaInfo of a SQL node
type SQLMeta struct {
	SQLTemplate string           `json:"sqlTemplate"`
	Operation   string           `json:"operation" validate:"omitempty,oneof=SELECT INSERT UPDATE DELETE select insert update delete"`
	TableName   string           `json:"tableName"`
	Datasource  DataSourceConfig `json:"datasource" validate:"required"`
	TimeoutMs   int              `json:"timeoutMs" validate:"gte=0"`
}

// SQLCaller renders the statement template from the PRE tree and runs it
type SQLCaller struct {
	sources *DataSources
	logger  *zap.Logger
}

// NewSQLCaller creates a caller over sources
func NewSQLCaller(sources *DataSources, logger *zap.Logger) *SQLCaller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sources == nil {
		sources = NewDataSources(DefaultPoolConfig(), logger)
	}
	return &SQLCaller{sources: sources, logger: logger}
}

func (c *SQLCaller) Call(ctx context.Context, node *model.WorkflowNode, params []*model.ParamTreeNode) (any, *Exchange, error) {
	var meta SQLMeta
	if err := decodeMeta(node.MetaInfo, &meta); err != nil {
		return nil, nil, gwerrors.NewMissingSQLConfig(fmt.Sprintf("sql node %d", node.ID), err)
	}

	values := mapping.FlattenJSON(params)
	statement, err := c.statement(meta, values)
	if err != nil {
		return nil, nil, err
	}
	ex := &Exchange{Request: statement}

	db, err := c.sources.Get(meta.Datasource)
	if err != nil {
		return nil, ex, gwerrors.NewMissingSQLConfig(fmt.Sprintf("sql node %d datasource", node.ID), err)
	}

	timeout := c.sources.QueryTimeout()
	if meta.TimeoutMs > 0 {
		timeout = time.Duration(meta.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result map[string]any
	if operationOf(meta, statement) == "SELECT" {
		rows, err := db.QueryContext(ctx, statement)
		if err != nil {
			return nil, ex, gwerrors.NewRemoteInvokeError("sql query", err)
		}
		defer rows.Close()
		list, err := lookup.ScanRows(rows, 0)
		if err != nil {
			return nil, ex, gwerrors.NewRemoteInvokeError("sql scan", err)
		}
		data := make([]any, len(list))
		for i, row := range list {
			data[i] = row
		}
		result = map[string]any{"data": data, "total": int64(len(data))}
	} else {
		res, err := db.ExecContext(ctx, statement)
		if err != nil {
			return nil, ex, gwerrors.NewRemoteInvokeError("sql exec", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			c.logger.Debug("Driver does not report affected rows", zap.Error(err))
		}
		result = map[string]any{"affectedRows": affected}
	}

	if out, err := json.Marshal(result); err == nil {
		ex.Response = string(out)
	}
	return result, ex, nil
}

func (c *SQLCaller) statement(meta SQLMeta, values map[string]any) (string, error) {
	if strings.TrimSpace(meta.SQLTemplate) != "" {
		return RenderSQL(meta.SQLTemplate, values)
	}
	if strings.EqualFold(meta.Operation, "INSERT") && meta.TableName != "" {
		return c.batchInsert(meta.TableName, values)
	}
	return "", gwerrors.NewMissingSQLConfig("sqlTemplate is empty and no INSERT tableName is set", nil)
}

// RenderSQL replaces every {key} placeholder with the formatted value of key
// in values. Placeholders with no key are collected into one error.
func RenderSQL(template string, values map[string]any) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := lookupPath(values, key)
		if !ok {
			missing = append(missing, key)
			return m
		}
		return FormatSQLValue(v)
	})
	if len(missing) > 0 {
		return "", gwerrors.NewPlaceholderUnresolved(missing)
	}
	return out, nil
}

// lookupPath reads a key, trying the literal key before a dotted path, and
// reports whether it exists even when its value is nil
func lookupPath(values map[string]any, key string) (any, bool) {
	if v, ok := values[key]; ok {
		return v, true
	}
	var cur any = values
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// FormatSQLValue renders v as a SQL literal
func FormatSQLValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quote(val)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return quote(val.Format("2006-01-02 15:04:05"))
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatSQLValue(item)
		}
		return "(" + strings.Join(parts, ",") + ")"
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return "NULL"
		}
		return quote(string(b))
	default:
		return codec.FormatScalar(val)
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func operationOf(meta SQLMeta, statement string) string {
	if meta.Operation != "" {
		return strings.ToUpper(meta.Operation)
	}
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return ""
	}
	switch kw := strings.ToUpper(strings.TrimLeft(fields[0], "(")); kw {
	case "SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN":
		return "SELECT"
	default:
		return kw
	}
}

// batchInsert builds one multi-row INSERT. Rows come from the first list in
// values, or values itself when it holds no list.
func (c *SQLCaller) batchInsert(table string, values map[string]any) (string, error) {
	rows := insertRows(values)
	if len(rows) == 0 {
		return "", gwerrors.NewMissingSQLConfig("no rows to insert into "+table, nil)
	}

	columns := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	tuples := make([]string, 0, len(rows))
	for i, row := range rows {
		if !sameColumns(row, columns) {
			c.logger.Warn("Skipping insert row with mismatched columns",
				zap.String("table", table),
				zap.Int("row", i))
			continue
		}
		vals := make([]string, len(columns))
		for j, col := range columns {
			vals[j] = FormatSQLValue(row[col])
		}
		tuples = append(tuples, "("+strings.Join(vals, ",")+")")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(columns, ","), strings.Join(tuples, ",")), nil
}

func insertRows(values map[string]any) []map[string]any {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		list, ok := values[k].([]any)
		if !ok {
			continue
		}
		rows := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows
	}
	if len(values) == 0 {
		return nil
	}
	return []map[string]any{values}
}

func sameColumns(row map[string]any, columns []string) bool {
	if len(row) != len(columns) {
		return false
	}
	for _, c := range columns {
		if _, ok := row[c]; !ok {
			return false
		}
	}
	return true
}
