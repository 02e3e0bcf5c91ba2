package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix  = "ratelimit:sliding:"
	DefaultRedisMaxRetries = 10

	// added to every key TTL so a record never expires while still relevant
	redisTTLGrace = time.Minute
)

// RedisStore keeps one JSON document per identifier and updates it with
// WATCH/MULTI/EXEC, retrying when another client wrote the key first.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	retention  time.Duration
	now        func() time.Time
}

var _ Store = (*RedisStore)(nil)

type RedisStoreOptions struct {
	KeyPrefix  string
	MaxRetries int

	// Retention is the minimum key TTL. Records written by a limiter carry
	// their own retention, so this only matters for records without one.
	Retention time.Duration
}

func NewRedisStore(client *redis.Client, opts RedisStoreOptions) *RedisStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultRedisKeyPrefix
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultRedisMaxRetries
	}
	return &RedisStore{
		client:     client,
		prefix:     opts.KeyPrefix,
		maxRetries: opts.MaxRetries,
		retention:  opts.Retention,
		now:        time.Now,
	}
}

func (s *RedisStore) key(identifier string) string {
	return s.prefix + identifier
}

func (s *RedisStore) Update(ctx context.Context, identifier string, fn UpdateFunc) error {
	redisKey := s.key(identifier)

	txf := func(tx *redis.Tx) error {
		rec, exists, err := decodeRedisRecord(tx.Get(ctx, redisKey).Bytes())
		if err != nil {
			return err
		}

		next, write, err := fn(rec, exists)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode rate limit record: %w", err)
		}

		// Exec fails with TxFailedErr if the watched key changed since Get
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, payload, s.ttl(next))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrTxConflict, identifier, s.maxRetries)
}

func (s *RedisStore) Get(ctx context.Context, identifier string) (Record, bool, error) {
	return decodeRedisRecord(s.client.Get(ctx, s.key(identifier)).Bytes())
}

// ttl keeps the key alive for at least the retention period, for as long as
// the record says it matters, and until any block has run out
func (s *RedisStore) ttl(rec Record) time.Duration {
	ttl := s.retention
	if retain := time.Duration(rec.RetainMs) * time.Millisecond; retain > ttl {
		ttl = retain
	}
	if rec.Blocked {
		if remaining := time.UnixMilli(rec.BlockedUntil).Sub(s.now()); remaining > ttl {
			ttl = remaining
		}
	}
	return ttl + redisTTLGrace
}

func decodeRedisRecord(data []byte, err error) (Record, bool, error) {
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode rate limit record: %w", err)
	}
	return rec, true, nil
}
