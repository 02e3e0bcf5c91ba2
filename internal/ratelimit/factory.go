package ratelimit

import (
	"fmt"
	"time"

	"github.com/aman-churiwal/cathedral-tour/internal/storage"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type StoreDeps struct {
	Redis    *storage.RedisClient
	Postgres *storage.Postgres

	// Retention is passed to stores that expire records physically
	Retention time.Duration
}

func NewStore(kind string, deps StoreDeps) (Store, error) {
	switch kind {
	case StoreMemory:
		return NewMemoryStore(), nil
	case StoreRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(deps.Redis.Client, RedisStoreOptions{Retention: deps.Retention}), nil
	case StorePostgres:
		if deps.Postgres == nil {
			return nil, fmt.Errorf("postgres store requires a database connection")
		}
		return NewPostgresStore(deps.Postgres), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit store: %q", kind)
	}
}
