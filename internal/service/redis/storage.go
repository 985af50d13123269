package redis

import (
	"context"
	"fmt"
	"time"
)

// TokenStorage keeps the client's persisted slots in Redis, namespaced per
// profile so several local users can share one server.
type TokenStorage struct {
	redis   *RedisService
	profile string
	ttl     time.Duration
}

func NewTokenStorage(r *RedisService, profile string, ttl time.Duration) *TokenStorage {
	return &TokenStorage{redis: r, profile: profile, ttl: ttl}
}

func (s *TokenStorage) Load(ctx context.Context, key string) (string, bool, error) {
	return s.redis.Get(ctx, s.key(key))
}

func (s *TokenStorage) Save(ctx context.Context, key, value string) error {
	return s.redis.Set(ctx, s.key(key), value, s.ttl)
}

func (s *TokenStorage) Remove(ctx context.Context, key string) error {
	return s.redis.Del(ctx, s.key(key))
}

func (s *TokenStorage) key(key string) string {
	return fmt.Sprintf("chat_sync: %s: %s", s.profile, key)
}
