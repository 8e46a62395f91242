package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key this store writes. Defaults to "cachestore:".
	Prefix string
}

// RedisStore keeps one hash per generation plus a set of generation names, so
// several proxy instances can share a generation. Concurrent writers to the
// same key are not coordinated; the last write wins.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore connects and pings the server before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cachestore:"
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Connected to Redis cache store.")
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

func (s *RedisStore) namesKey() string { return s.prefix + "names" }

func (s *RedisStore) genKey(name string) string { return s.prefix + "gen:" + name }

func (s *RedisStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := s.rdb.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("register generation %q: %w", name, err)
	}
	return &redisCache{store: s, name: name}, nil
}

func (s *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.namesKey(), name).Result()
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	out, err := s.rdb.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	pipe := s.rdb.TxPipeline()
	srem := pipe.SRem(ctx, s.namesKey(), name)
	del := pipe.Del(ctx, s.genKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return srem.Val() > 0 || del.Val() > 0, nil
}

func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.rdb.Close()
}

type redisCache struct {
	store *RedisStore
	name  string
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Match(ctx context.Context, key string) (Entry, error) {
	b, err := c.store.rdb.HGet(ctx, c.store.genKey(c.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, fmt.Errorf("decode %q: %w", key, err)
	}
	return ent, nil
}

func (c *redisCache) Put(ctx context.Context, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	pipe := c.store.rdb.TxPipeline()
	pipe.SAdd(ctx, c.store.namesKey(), c.name)
	pipe.HSet(ctx, c.store.genKey(c.name), key, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.store.rdb.HDel(ctx, c.store.genKey(c.name), key).Result()
	return n > 0, err
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	out, err := c.store.rdb.HKeys(ctx, c.store.genKey(c.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
