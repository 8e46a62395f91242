package cachestore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
)

type Options struct {
	Backend string

	LevelDBPath     string
	LevelDBMaxBytes int64

	Redis RedisConfig
}

// New opens the store selected by opts.Backend. An empty backend means leveldb.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendLevelDB:
		s, err := OpenLevelDB(opts.LevelDBPath, opts.LevelDBMaxBytes)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, opts.Redis, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache store backend %q", opts.Backend)
	}
}
