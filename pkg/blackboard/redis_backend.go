package blackboard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes every Redis key written by a RedisBackend.
const DefaultNamespace = "mals:"

// casScript performs the compare-and-set behind RedisBackend.Set.
// KEYS[1] value hash, KEYS[2] key index. ARGV[1] value, ARGV[2] expected version,
// ARGV[3] unprefixed key. Returns the new version, or -1 followed by the current
// version on mismatch.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if cur ~= tonumber(ARGV[2]) then
	return {-1, cur}
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', cur + 1)
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return {cur + 1, cur + 1}
`)

// RedisBackend stores blackboard keys as Redis hashes {value, version} and keeps a
// lexicographically sorted index for prefix listing.
// All keys are namespaced so several deployments can share one Redis server.
type RedisBackend struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisBackend creates a Redis backend. An empty namespace selects DefaultNamespace.
func NewRedisBackend(opts *redis.Options, namespace string) (*RedisBackend, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options cannot be nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisBackend{
		rdb:       redis.NewClient(opts),
		namespace: namespace,
	}, nil
}

// NewRedisBackendFromURL parses a redis:// URL and creates a backend.
func NewRedisBackendFromURL(url, namespace string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisBackend(opts, namespace)
}

// Close closes the Redis connection. Implements io.Closer.
func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}

// Ping verifies Redis connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisBackend) key(k string) string {
	return r.namespace + k
}

func (r *RedisBackend) indexKey() string {
	return r.namespace + "index"
}

// Get returns the value and version stored at key, or ErrNotFound.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, int64, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, 0, ErrNotFound
	}

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("corrupt version on %s: %w", key, err)
	}
	return []byte(fields["value"]), version, nil
}

// Set atomically writes value when version matches the stored version.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	res, err := casScript.Run(ctx, r.rdb, []string{r.key(key), r.indexKey()}, value, version, key).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected script reply for %s: %v", key, res)
	}
	if res[0] < 0 {
		return res[1], ErrVersionMismatch
	}
	return res[0], nil
}

// List returns every key with the given prefix in lexicographic order.
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.rdb.ZRangeByLex(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return keys, nil
}
