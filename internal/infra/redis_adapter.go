// Package infra adapts go-redis v9 to the small client interfaces used by the
// terminal store, the event bus and the message-queue bridge.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for a missing key.
var ErrKeyNotFound = errors.New("infra: key not found")

// RedisOptions configures NewRedisAdapter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisAdapter implements fabric.RedisClient, fabric.RedisPubSubClient and
// bridge.PubSub over a single go-redis client.
type RedisAdapter struct {
	rdb *redis.Client
}

// NewRedisAdapter connects and pings. The caller decides whether a failure
// means falling back to in-process implementations.
func NewRedisAdapter(ctx context.Context, opts RedisOptions) (*RedisAdapter, error) {
	if opts.PoolSize == 0 {
		opts.PoolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	slog.Info("[Redis] Connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisAdapter{rdb: rdb}, nil
}

// NewRedisAdapterFromClient wraps an existing client without pinging it.
func NewRedisAdapterFromClient(rdb *redis.Client) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

// Close releases the client's connections.
func (a *RedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// Key/value and sets
// =============================================================================

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return val, err
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *RedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	return a.rdb.SAdd(ctx, key, toArgs(members)...).Err()
}

func (a *RedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	return a.rdb.SRem(ctx, key, toArgs(members)...).Err()
}

func (a *RedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

// =============================================================================
// Pub/Sub
// =============================================================================

// Publish sends message on channel.
func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe delivers every message on channel to handler from a dedicated
// goroutine until the returned function is called.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	msgs := sub.Channel()
	go func() {
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
