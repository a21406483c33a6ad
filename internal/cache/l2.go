package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// L2 is the slice of the key/value store the cache and its maintenance
// tasks depend on. The production implementation wraps go-redis; tests
// substitute an in-memory fake.
type L2 interface {
	// GetHash returns all fields of a hash, or an empty map if absent.
	GetHash(ctx context.Context, key string) (map[string]string, error)
	// SetHash writes fields and applies ttl in one round trip.
	SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// Get returns a string value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a string value with ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only if absent; reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Expire refreshes a key's ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining ttl. ok=false when the key is missing;
	// a negative duration means the key has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int, error)
	// Scan walks keys matching a glob pattern, up to limit (0 = no cap).
	Scan(ctx context.Context, pattern string, limit int) ([]string, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Info reports store-level figures for stats.
	Info(ctx context.Context) (L2Info, error)
}

// L2Info is the store-level view exposed through cache stats.
type L2Info struct {
	ConnectedClients int   `json:"connected_clients"`
	UsedMemoryBytes  int64 `json:"used_memory_bytes"`
	Keys             int64 `json:"keys"`
}

type redisL2 struct {
	rdb *redis.Client
}

// NewRedisL2 builds the production L2 from a redis URL.
func NewRedisL2(url string) (L2, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "cache: parse redis url")
	}
	return &redisL2{rdb: redis.NewClient(opt)}, nil
}

func (r *redisL2) GetHash(ctx context.Context, key string) (map[string]string, error) {
	vals, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, eris.Wrap(err, "cache: l2 hgetall")
	}
	return vals, nil
}

func (r *redisL2) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := r.rdb.TxPipeline()
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrap(err, "cache: l2 hset")
	}
	return nil
}

func (r *redisL2) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrap(err, "cache: l2 get")
	}
	return val, true, nil
}

func (r *redisL2) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: l2 set")
	}
	return nil
}

func (r *redisL2) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, eris.Wrap(err, "cache: l2 setnx")
	}
	return ok, nil
}

func (r *redisL2) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: l2 expire")
	}
	return nil
}

func (r *redisL2) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, eris.Wrap(err, "cache: l2 ttl")
	}
	// go-redis passes the -2 (missing) and -1 (no expiry) sentinels
	// through as raw durations.
	if d == time.Duration(-2) {
		return 0, false, nil
	}
	if d == time.Duration(-1) {
		return -1, true, nil
	}
	return d, true, nil
}

func (r *redisL2) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, eris.Wrap(err, "cache: l2 del")
	}
	return int(n), nil
}

func (r *redisL2) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "cache: l2 scan")
	}
	return keys, nil
}

func (r *redisL2) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return eris.Wrap(err, "cache: l2 ping")
	}
	return nil
}

func (r *redisL2) Info(ctx context.Context) (L2Info, error) {
	var info L2Info

	raw, err := r.rdb.Info(ctx, "clients", "memory").Result()
	if err != nil {
		return info, eris.Wrap(err, "cache: l2 info")
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "connected_clients:"); ok {
			info.ConnectedClients, _ = strconv.Atoi(v)
		}
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			info.UsedMemoryBytes, _ = strconv.ParseInt(v, 10, 64)
		}
	}

	keys, err := r.rdb.DBSize(ctx).Result()
	if err != nil {
		return info, eris.Wrap(err, "cache: l2 dbsize")
	}
	info.Keys = keys
	return info, nil
}
