// Package redis implements the queue and counter store contracts on Redis.
// The queue uses two Sorted Sets: ready messages scored by enqueue time and
// in-flight messages scored by their visibility deadline, with message
// payloads in Hashes. Counters are plain Redis strings driven by INCR,
// INCRBY and SETNX.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghilp934/Decisionproof/meter"
	"github.com/ghilp934/Decisionproof/queue"
)

// Compile-time interface checks.
var (
	_ queue.Queue        = (*Store)(nil)
	_ meter.CounterStore = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCodec sets the message codec. Defaults to JSON.
func WithCodec(c queue.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements queue.Queue and meter.CounterStore backed by Redis.
type Store struct {
	client redis.Cmdable
	codec  queue.Codec
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		codec:  &queue.JSONCodec{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
