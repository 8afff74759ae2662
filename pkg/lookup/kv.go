package lookup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KV is the subset of a key-value client the lookup reads through
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// ErrKeyNotFound is reported by KV implementations for a missing key
var ErrKeyNotFound = errors.New("lookup: key not found")

// RedisKV adapts a go-redis client to KV
type RedisKV struct {
	client redis.UniversalClient
}

// NewRedisKV wraps client
func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	return redisResult(r.client.Get(ctx, key).Result())
}

func (r *RedisKV) HGet(ctx context.Context, key, field string) (string, error) {
	return redisResult(r.client.HGet(ctx, key, field).Result())
}

func (r *RedisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func redisResult(v string, err error) (string, error) {
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	return v, err
}

// KVLookup exposes string and hash reads to expressions. Values are returned
// as strings; a missing key yields nil.
type KVLookup struct {
	kv      KV
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewKVLookup wraps kv. prefix is prepended to every key.
func NewKVLookup(kv KV, prefix string, timeout time.Duration, logger *zap.Logger) *KVLookup {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVLookup{kv: kv, prefix: prefix, timeout: timeout, logger: logger}
}

// Get reads a string key
func (l *KVLookup) Get(key string) any {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	v, err := l.kv.Get(ctx, l.prefix+key)
	return l.result(v, err, key)
}

// Hget reads one hash field
func (l *KVLookup) Hget(key, field string) any {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	v, err := l.kv.HGet(ctx, l.prefix+key, field)
	return l.result(v, err, key)
}

// HgetAll reads a whole hash; a missing hash yields nil
func (l *KVLookup) HgetAll(key string) map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	m, err := l.kv.HGetAll(ctx, l.prefix+key)
	if err != nil {
		l.logger.Warn("KV lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (l *KVLookup) result(v string, err error, key string) any {
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		l.logger.Warn("KV lookup failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return v
}
