// Package config loads the gateway configuration from YAML and HERMES_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wehubfusion/Hermes/internal/nats"
	"github.com/wehubfusion/Hermes/internal/tracing"
	"github.com/wehubfusion/Hermes/pkg/adapter"
	"github.com/wehubfusion/Hermes/pkg/audit"
	"github.com/wehubfusion/Hermes/pkg/expression"
	"github.com/wehubfusion/Hermes/pkg/scheduler"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "HERMES"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxBodyBytes caps inbound request bodies
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gte=0"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format      string `mapstructure:"format" validate:"oneof=json console"`
	Development bool   `mapstructure:"development"`
}

// StoreConfig selects where workflows, nodes and mapping rules live
type StoreConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	DSN         string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	Fixture     string `mapstructure:"fixture"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type SchedulerConfig struct {
	MaxDepth int `mapstructure:"max_depth" validate:"gte=1"`
}

type AuditConfig struct {
	Recorder string           `mapstructure:"recorder" validate:"oneof=log nats none"`
	NATS     audit.NATSConfig `mapstructure:"nats"`
}

type BlobConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Container        string `mapstructure:"container" validate:"required_with=ConnectionString"`
	Prefix           string `mapstructure:"prefix"`
}

// RedisConfig backs the kv lookup service; an empty Addr disables it
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	Prefix   string        `mapstructure:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LookupConfig backs the sql lookup service; an empty URL disables it
type LookupConfig struct {
	URL      string `mapstructure:"url"`
	Driver   string `mapstructure:"driver"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// DataSource converts the lookup database into an adapter datasource
func (l LookupConfig) DataSource() adapter.DataSourceConfig {
	return adapter.DataSourceConfig{URL: l.URL, Driver: l.Driver, Username: l.Username, Password: l.Password}
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type GatewayConfig struct {
	WholeEnvelopeMethods []string `mapstructure:"whole_envelope_methods"`
}

// Config is the root configuration
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Log        LogConfig                `mapstructure:"log"`
	Store      StoreConfig              `mapstructure:"store"`
	Scheduler  SchedulerConfig          `mapstructure:"scheduler"`
	Expression expression.Config        `mapstructure:"expression"`
	HTTPClient adapter.HTTPClientConfig `mapstructure:"http_client"`
	SQL        adapter.PoolConfig       `mapstructure:"sql"`
	Audit      AuditConfig              `mapstructure:"audit"`
	NATS       nats.ConnectionConfig    `mapstructure:"nats"`
	Blob       BlobConfig               `mapstructure:"blob"`
	Redis      RedisConfig              `mapstructure:"redis"`
	Lookup     LookupConfig             `mapstructure:"lookup"`
	Tracing    tracing.Config           `mapstructure:"tracing"`
	Sentry     SentryConfig             `mapstructure:"sentry"`
	Gateway    GatewayConfig            `mapstructure:"gateway"`
}

// Load reads path (optional) and the environment over the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-section rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Audit.Recorder == "nats" && c.NATS.URL == "" {
		return errors.New("invalid config: audit recorder nats requires nats.url")
	}
	return c.Expression.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 8<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.auto_migrate", true)

	v.SetDefault("scheduler.max_depth", scheduler.DefaultMaxDepth)

	exp := expression.DefaultConfig()
	v.SetDefault("expression.timeout", exp.Timeout)
	v.SetDefault("expression.security_level", exp.SecurityLevel)
	v.SetDefault("expression.max_stack_depth", exp.MaxStackDepth)
	v.SetDefault("expression.pool.min_size", exp.Pool.MinSize)
	v.SetDefault("expression.pool.max_size", exp.Pool.MaxSize)
	v.SetDefault("expression.pool.max_reuse_count", exp.Pool.MaxReuseCount)

	hc := adapter.DefaultHTTPClientConfig()
	v.SetDefault("http_client.max_idle_conns", hc.MaxIdleConns)
	v.SetDefault("http_client.max_conns_per_host", hc.MaxConnsPerHost)
	v.SetDefault("http_client.connect_timeout", hc.ConnectTimeout)
	v.SetDefault("http_client.response_timeout", hc.ResponseTimeout)
	v.SetDefault("http_client.pool_wait_timeout", hc.PoolWaitTimeout)
	v.SetDefault("http_client.idle_conn_timeout", hc.IdleConnTimeout)

	pool := adapter.DefaultPoolConfig()
	v.SetDefault("sql.max_open_conns", pool.MaxOpenConns)
	v.SetDefault("sql.max_idle_conns", pool.MaxIdleConns)
	v.SetDefault("sql.conn_max_idle_time", pool.ConnMaxIdleTime)
	v.SetDefault("sql.query_timeout", pool.QueryTimeout)

	v.SetDefault("audit.recorder", "log")
	v.SetDefault("audit.nats.stream", "HERMES_AUDIT")
	v.SetDefault("audit.nats.subject", "hermes.audit")

	nc := nats.DefaultConnectionConfig("")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", nc.Name)
	v.SetDefault("nats.max_reconnects", nc.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", nc.ReconnectWait)
	v.SetDefault("nats.timeout", nc.Timeout)

	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{
		"store.dsn", "store.fixture",
		"nats.token", "nats.username", "nats.password",
		"blob.connection_string", "blob.container",
		"redis.addr", "redis.password",
		"lookup.url", "lookup.driver", "lookup.username", "lookup.password",
		"sentry.dsn", "sentry.environment",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("blob.prefix", "audit")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "")
	v.SetDefault("redis.timeout", 2*time.Second)

	tc := tracing.DefaultConfig()
	v.SetDefault("tracing.enabled", tc.Enabled)
	v.SetDefault("tracing.service_name", tc.ServiceName)
	v.SetDefault("tracing.service_version", tc.ServiceVersion)
	v.SetDefault("tracing.environment", tc.Environment)
	v.SetDefault("tracing.otlp_endpoint", tc.OTLPEndpoint)
	v.SetDefault("tracing.insecure", tc.Insecure)
	v.SetDefault("tracing.sample_ratio", tc.SampleRatio)

	v.SetDefault("gateway.whole_envelope_methods", []string{"GetItemResult"})
}
