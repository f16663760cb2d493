// Package redis implements storage.Storage on go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/storage"
)

// Store prefixes every key and relies on native TTLs for expiry.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// New wraps client. An empty prefix defaults to "af".
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "af"
	}
	return &Store{client: client, prefix: prefix}
}

var (
	_ storage.Storage = (*Store)(nil)
	_ storage.Swapper = (*Store)(nil)
)

// ARGV: prev, next, mode ("set" or "del"), ttl in milliseconds (0 keeps no expiry).
var swapLua = goredis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data or data ~= ARGV[1] then
  return 0
end
if ARGV[3] == 'del' then
  redis.call('DEL', KEYS[1])
  return 1
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return data, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return errors.New("redis: negative ttl")
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Swap implements storage.Swapper with a Lua script so the compare and the
// write run as one step on the server.
func (s *Store) Swap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, errors.New("redis: negative ttl")
	}
	mode := "set"
	if next == nil {
		mode = "del"
	}
	ms := ttl.Milliseconds()
	if ttl > 0 && ms == 0 {
		ms = 1
	}
	n, err := swapLua.Run(ctx, s.client, []string{s.key(key)}, prev, next, mode, ms).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return n == 1, nil
}
