// Package lookup provides read-only cross-reference services that mapping
// expressions call by name. Failures are logged and yield nil so a projection
// keeps going.
package lookup

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every lookup call
const DefaultTimeout = 3 * time.Second

// SQLLookup runs parameterized queries against a database
type SQLLookup struct {
	db      *sql.DB
	timeout time.Duration
	logger  *zap.Logger
}

// NewSQLLookup wraps db. A non-positive timeout selects DefaultTimeout.
func NewSQLLookup(db *sql.DB, timeout time.Duration, logger *zap.Logger) *SQLLookup {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLLookup{db: db, timeout: timeout, logger: logger}
}

// QueryList returns every row as a column map
func (l *SQLLookup) QueryList(query string, args ...any) []map[string]any {
	rows, err := l.query(query, args, 0)
	if err != nil {
		l.logger.Warn("Lookup query failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	return rows
}

// QueryOne returns the first row, or nil
func (l *SQLLookup) QueryOne(query string, args ...any) map[string]any {
	rows, err := l.query(query, args, 1)
	if err != nil {
		l.logger.Warn("Lookup query failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// QueryValue returns the first column of the first row, or nil
func (l *SQLLookup) QueryValue(query string, args ...any) any {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		l.logger.Warn("Lookup query failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	defer rows.Close()

	if !rows.Next() {
		return nil
	}
	cols, err := rows.Columns()
	if err != nil || len(cols) == 0 {
		return nil
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		l.logger.Warn("Lookup scan failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	return normalize(values[0])
}

func (l *SQLLookup) query(query string, args []any, limit int) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanRows(rows, limit)
}

// ScanRows reads rows into column maps, stopping after limit rows when limit
// is positive. []byte values become strings.
func ScanRows(rows *sql.Rows, limit int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalize(values[i])
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
