package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/companion/internal/provider"
)

const CacheTTL = 5 * time.Minute

// CachedStore is a read-through Redis cache in front of another Store.
// Writes go to the backing store first and then invalidate the cached entry.
// Redis failures are logged and bypassed.
type CachedStore struct {
	next   Store
	cache  redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(next Store, cache redis.Cmdable, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{next: next, cache: cache, ttl: CacheTTL, logger: logger}
}

func configKey(t provider.Type) string { return fmt.Sprintf("companion:config:%s", t) }
func apiKeyKey(t provider.Type) string { return fmt.Sprintf("companion:apikey:%s", t) }

const activeKey = "companion:active"

func (s *CachedStore) GetConfig(ctx context.Context, t provider.Type) (provider.Config, error) {
	var cached cachedConfig
	err := s.cache.Get(ctx, configKey(t)).Scan(&cached)
	if err == nil {
		return provider.Config(cached), nil
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("store cache: redis error", "op", "get_config", "error", err)
	}

	cfg, err := s.next.GetConfig(ctx, t)
	if err != nil {
		return provider.Config{}, err
	}
	cached = cachedConfig(cfg)
	_ = s.cache.Set(ctx, configKey(t), &cached, s.ttl).Err()
	return cfg, nil
}

func (s *CachedStore) UpdateConfig(ctx context.Context, cfg provider.Config) error {
	if err := s.next.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	s.invalidate(ctx, configKey(cfg.Type))
	return nil
}

func (s *CachedStore) GetAPIKey(ctx context.Context, t provider.Type) (string, bool, error) {
	key, err := s.cache.Get(ctx, apiKeyKey(t)).Result()
	if err == nil {
		return key, key != "", nil
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("store cache: redis error", "op", "get_api_key", "error", err)
	}

	key, ok, err := s.next.GetAPIKey(ctx, t)
	if err != nil {
		return "", false, err
	}
	if ok {
		_ = s.cache.Set(ctx, apiKeyKey(t), key, s.ttl).Err()
	}
	return key, ok, nil
}

func (s *CachedStore) SaveAPIKey(ctx context.Context, t provider.Type, key string) error {
	if err := s.next.SaveAPIKey(ctx, t, key); err != nil {
		return err
	}
	s.invalidate(ctx, apiKeyKey(t))
	return nil
}

func (s *CachedStore) DeleteAPIKey(ctx context.Context, t provider.Type) error {
	if err := s.next.DeleteAPIKey(ctx, t); err != nil {
		return err
	}
	s.invalidate(ctx, apiKeyKey(t))
	return nil
}

func (s *CachedStore) ActiveType(ctx context.Context) (provider.Type, error) {
	value, err := s.cache.Get(ctx, activeKey).Result()
	if err == nil {
		if t, perr := provider.ParseType(value); perr == nil {
			return t, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.logger.Warn("store cache: redis error", "op", "active_type", "error", err)
	}

	t, err := s.next.ActiveType(ctx)
	if err != nil {
		return "", err
	}
	_ = s.cache.Set(ctx, activeKey, string(t), s.ttl).Err()
	return t, nil
}

func (s *CachedStore) SetActiveType(ctx context.Context, t provider.Type) error {
	if err := s.next.SetActiveType(ctx, t); err != nil {
		return err
	}
	s.invalidate(ctx, activeKey)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.cache.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("store cache: failed to invalidate", "key", key, "error", err)
	}
}
