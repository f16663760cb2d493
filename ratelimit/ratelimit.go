// Package ratelimit is a Redis fixed-window implementation of
// authflow.Limiter.
//
// Each key gets a counter that is created with the window as its TTL on the
// first hit. Once the counter passes Max within the window, Allow returns an
// error wrapping authflow.ErrRateLimited until the key expires.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/storage"
)

// Config holds limiter tuning parameters.
type Config struct {
	// Max is the number of submissions allowed per key and window.
	Max    int
	Window time.Duration
	// Prefix namespaces counter keys. Defaults to "af:rl".
	Prefix string
}

// Limiter enforces per-key submission budgets with Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

var _ authflow.Limiter = (*Limiter)(nil)

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) (*Limiter, error) {
	if redisClient == nil {
		return nil, errors.New("ratelimit: redis client required")
	}
	if cfg.Max <= 0 || cfg.Window <= 0 {
		return nil, errors.New("ratelimit: Max and Window must be > 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "af:rl"
	}
	return &Limiter{redis: redisClient, config: cfg}, nil
}

func (l *Limiter) key(k string) string {
	return l.config.Prefix + ":" + k
}

// Allow counts one submission for key.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	count, err := l.incrementWithTTL(ctx, l.key(key), l.config.Window)
	if err != nil {
		return err
	}
	if count > int64(l.config.Max) {
		return fmt.Errorf("%w: %s", authflow.ErrRateLimited, key)
	}
	return nil
}

// Remaining returns how many submissions key has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return l.config.Max, nil
		}
		return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if left := int64(l.config.Max) - count; left > 0 {
		return int(left), nil
	}
	return 0, nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
	}

	return count, nil
}
