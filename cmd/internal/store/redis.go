package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "arena"
	defaultRedisTTL    = 24 * time.Hour
	redisScanCount     = 200
)

// redisRecord is the stored JSON document.
type redisRecord[T any] struct {
	Version Version `json:"version"`
	Value   T       `json:"value"`
}

// redisTable keeps each record under <prefix>:<table>:<key>. Versions come from a per-table
// INCR counter; conditional writes use WATCH + MULTI.
type redisTable[T any] struct {
	rdb    *redis.Client
	name   string
	prefix string
	seqKey string
	ttl    time.Duration
}

func newRedisTable[T any](rdb *redis.Client, prefix, name string, ttl time.Duration) *redisTable[T] {
	return &redisTable[T]{
		rdb:    rdb,
		name:   name,
		prefix: prefix + ":" + name + ":",
		seqKey: prefix + ":seq:" + name,
		ttl:    ttl,
	}
}

func (t *redisTable[T]) key(k string) string { return t.prefix + k }

type incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

func (t *redisTable[T]) nextVersion(ctx context.Context, c incrementer) (Version, error) {
	n, err := c.Incr(ctx, t.seqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%s seq: %w", t.name, err)
	}
	return Version(n), nil
}

func (t *redisTable[T]) encode(ver Version, v T) ([]byte, error) {
	return json.Marshal(redisRecord[T]{Version: ver, Value: v})
}

func (t *redisTable[T]) decode(raw []byte) (redisRecord[T], error) {
	var rec redisRecord[T]
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("%s decode: %w", t.name, err)
	}
	return rec, nil
}

func (t *redisTable[T]) notFound(op, key string) error {
	return fault.New(fault.NotFound, t.name+"."+op, fmt.Sprintf("%s %q not found", t.name, key))
}

func (t *redisTable[T]) Get(ctx context.Context, key string) (T, Version, error) {
	var zero T
	raw, err := t.rdb.Get(ctx, t.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, 0, t.notFound("get", key)
	}
	if err != nil {
		return zero, 0, err
	}
	rec, err := t.decode(raw)
	if err != nil {
		return zero, 0, err
	}
	return rec.Value, rec.Version, nil
}

func (t *redisTable[T]) Insert(ctx context.Context, key string, v T) (Version, error) {
	ver, err := t.nextVersion(ctx, t.rdb)
	if err != nil {
		return 0, err
	}
	data, err := t.encode(ver, v)
	if err != nil {
		return 0, err
	}
	ok, err := t.rdb.SetNX(ctx, t.key(key), data, t.ttl).Result()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fault.New(fault.Conflict, t.name+".insert", fmt.Sprintf("%s %q already exists", t.name, key))
	}
	return ver, nil
}

func (t *redisTable[T]) Put(ctx context.Context, key string, v T) (Version, error) {
	ver, err := t.nextVersion(ctx, t.rdb)
	if err != nil {
		return 0, err
	}
	data, err := t.encode(ver, v)
	if err != nil {
		return 0, err
	}
	if err := t.rdb.Set(ctx, t.key(key), data, t.ttl).Err(); err != nil {
		return 0, err
	}
	return ver, nil
}

func (t *redisTable[T]) CompareAndSwap(ctx context.Context, key string, expected Version, v T) (Version, error) {
	k := t.key(key)
	var next Version

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return t.notFound("cas", key)
		}
		if err != nil {
			return err
		}
		rec, err := t.decode(raw)
		if err != nil {
			return err
		}
		if rec.Version != expected {
			return ErrVersionMismatch
		}

		ver, err := t.nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		data, err := t.encode(ver, v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, t.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		next = ver
		return nil
	}

	err := t.rdb.Watch(ctx, txf, k)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrVersionMismatch
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (t *redisTable[T]) Delete(ctx context.Context, key string) error {
	return t.rdb.Del(ctx, t.key(key)).Err()
}

func (t *redisTable[T]) List(ctx context.Context) ([]T, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := t.rdb.Scan(ctx, cursor, t.prefix+"*", redisScanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(vals))
	for _, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			// Expired or deleted between SCAN and MGET.
			continue
		}
		rec, err := t.decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Value)
	}
	return out, nil
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisPrefix namespaces every key.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithRedisTTL bounds how long an untouched record survives in Redis.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// Redis is a Store backed by a Redis server.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration

	invites *redisTable[battle.Invite]
	lobbies *redisTable[battle.Lobby]
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{rdb: rdb, prefix: defaultRedisPrefix, ttl: defaultRedisTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.invites = newRedisTable[battle.Invite](rdb, r.prefix, "invite", r.ttl)
	r.lobbies = newRedisTable[battle.Lobby](rdb, r.prefix, "lobby", r.ttl)
	return r
}

// OpenRedis parses a redis:// URL, connects and verifies the server answers.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, opts...), nil
}

func (r *Redis) Invites() Table[battle.Invite] { return r.invites }
func (r *Redis) Lobbies() Table[battle.Lobby] { return r.lobbies }
func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }
func (r *Redis) Close() error { return r.rdb.Close() }
