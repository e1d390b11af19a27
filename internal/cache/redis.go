package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces verdict keys in a shared Redis.
const DefaultRedisPrefix = "raksha:verdict:"

// RedisStore keeps entries in Redis as JSON with a matching key expiry, so several
// service instances share computed values.
type RedisStore[V any] struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a store. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore[V any](client redis.Cmdable, prefix string) *RedisStore[V] {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore[V]{client: client, prefix: prefix}
}

// Get loads an entry. A missing key is (zero, false, nil).
func (s *RedisStore[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry[V]{}, false, nil
	}
	if err != nil {
		return Entry[V]{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry[V]
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry[V]{}, false, fmt.Errorf("decoding cached entry: %w", err)
	}
	return e, true, nil
}

// Set stores an entry with the entry's TTL as key expiry.
func (s *RedisStore[V]) Set(ctx context.Context, key string, e Entry[V]) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, e.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
