package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis-backed Store.
type Options struct {
	Addr     string
	Password string
	DB       int
}

type redisStore struct {
	c *redis.Client
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opt Options) (Store, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opt.Addr, err)
	}
	return &redisStore{c: c}, nil
}

// WrapClient adapts an existing client (tests use this with miniredis).
func WrapClient(c *redis.Client) Store { return &redisStore{c: c} }

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	return s.c.Set(ctx, key, value, 0).Err()
}

func (s *redisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.c.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) IncrEx(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.c.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// Refresh on every hit: the window closes only after traffic stops.
	if err := s.c.Expire(ctx, key, ttl).Err(); err != nil {
		return n, err
	}
	return n, nil
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.c.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis returns -1 for "no expiry", -2 for "no key" as durations.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *redisStore) Close() error { return s.c.Close() }
