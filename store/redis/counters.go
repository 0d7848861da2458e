package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Incr atomically increments the counter, applying ttl only when this call
// creates the key. INCR-then-EXPIRE in a pipeline keeps the window expiry
// owned by its first request.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, ttl)
}

// IncrBy atomically adds delta and returns the new value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("settle/redis: incr: %w", err)
	}

	n := incr.Val()
	if ttl > 0 && n == delta {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("settle/redis: incr expire: %w", err)
		}
	}
	return n, nil
}

// Get returns the counter value, or 0 when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("settle/redis: get counter: %w", err)
	}
	return n, nil
}

// TTL returns the remaining lifetime of the key, or 0 when absent or
// persistent.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("settle/redis: ttl: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// SetNX sets the key only if absent, returning whether this call created it.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("settle/redis: setnx: %w", err)
	}
	return created, nil
}

// Del removes the key; deleting an absent key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("settle/redis: del: %w", err)
	}
	return nil
}
