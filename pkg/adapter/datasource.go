package adapter

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// DataSourceConfig names one downstream database
type DataSourceConfig struct {
	URL      string `json:"url" validate:"required"`
	Driver   string `json:"driver"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// PoolConfig sizes each lazily opened pool
type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// DefaultPoolConfig returns the pool defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    60 * time.Second,
	}
}

// DataSources keeps one *sql.DB per driver and DSN
type DataSources struct {
	mu     sync.Mutex
	pools  map[string]*sql.DB
	cfg    PoolConfig
	logger *zap.Logger
}

// NewDataSources creates an empty pool manager
func NewDataSources(cfg PoolConfig, logger *zap.Logger) *DataSources {
	d := DefaultPoolConfig()
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = d.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = d.QueryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataSources{pools: make(map[string]*sql.DB), cfg: cfg, logger: logger}
}

// QueryTimeout is the default per-statement timeout
func (d *DataSources) QueryTimeout() time.Duration {
	return d.cfg.QueryTimeout
}

// Get returns the pool for ds, opening it on first use
func (d *DataSources) Get(ds DataSourceConfig) (*sql.DB, error) {
	driver, dsn, err := resolveDriver(ds)
	if err != nil {
		return nil, err
	}
	key := driver + "|" + dsn

	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.pools[key]; ok {
		return db, nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s datasource: %w", driver, err)
	}
	db.SetMaxOpenConns(d.cfg.MaxOpenConns)
	db.SetMaxIdleConns(d.cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(d.cfg.ConnMaxIdleTime)
	d.pools[key] = db

	d.logger.Info("Opened datasource pool",
		zap.String("driver", driver),
		zap.Int("max_open_conns", d.cfg.MaxOpenConns))
	return db, nil
}

// Close releases every pool
func (d *DataSources) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for key, db := range d.pools {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.pools, key)
	}
	return first
}

// resolveDriver picks the database/sql driver for ds and folds credentials
// into the DSN
func resolveDriver(ds DataSourceConfig) (string, string, error) {
	raw := strings.TrimSpace(ds.URL)
	if raw == "" {
		return "", "", fmt.Errorf("datasource url is empty")
	}
	driver := strings.ToLower(ds.Driver)

	switch {
	case driver == "postgres":
		return "postgres", withCredentials(raw, ds), nil
	case driver == "pgx" || strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://"):
		return "pgx", withCredentials(raw, ds), nil
	case driver == "sqlite3" || driver == "sqlite" ||
		strings.HasPrefix(raw, "file:") || raw == ":memory:" || strings.HasSuffix(raw, ".db"):
		return "sqlite3", raw, nil
	case driver != "":
		return driver, raw, nil
	}
	return "", "", fmt.Errorf("cannot infer driver for datasource %q", redactURL(raw))
}

func withCredentials(raw string, ds DataSourceConfig) string {
	if ds.Username == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	if ds.Password != "" {
		u.User = url.UserPassword(ds.Username, ds.Password)
	} else {
		u.User = url.User(ds.Username)
	}
	return u.String()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
