// Package store persists provider configuration, credentials and the active
// provider selection.
package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vnmchuo/companion/internal/provider"
)

// Store is what the companion reads its provider settings and secrets from.
// API keys are only ever read per call; nothing above this layer keeps them.
type Store interface {
	GetConfig(ctx context.Context, t provider.Type) (provider.Config, error)
	UpdateConfig(ctx context.Context, cfg provider.Config) error
	GetAPIKey(ctx context.Context, t provider.Type) (string, bool, error)
	SaveAPIKey(ctx context.Context, t provider.Type, key string) error
	DeleteAPIKey(ctx context.Context, t provider.Type) error
	ActiveType(ctx context.Context) (provider.Type, error)
	SetActiveType(ctx context.Context, t provider.Type) error
}

// DefaultActiveType is used until a provider has been chosen.
const DefaultActiveType = provider.TypeOllama

// cachedConfig lets a provider.Config be stored in Redis.
type cachedConfig provider.Config

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (c *cachedConfig) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (c *cachedConfig) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// MemoryStore keeps everything in process memory. Unknown types read back
// as their defaults.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[provider.Type]provider.Config
	keys    map[provider.Type]string
	active  provider.Type
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[provider.Type]provider.Config),
		keys:    make(map[provider.Type]string),
		active:  DefaultActiveType,
	}
}

func (s *MemoryStore) GetConfig(ctx context.Context, t provider.Type) (provider.Config, error) {
	if _, err := provider.ParseType(string(t)); err != nil {
		return provider.Config{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.configs[t]; ok {
		return cfg, nil
	}
	return provider.DefaultConfig(t), nil
}

func (s *MemoryStore) UpdateConfig(ctx context.Context, cfg provider.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Type] = cfg
	return nil
}

func (s *MemoryStore) GetAPIKey(ctx context.Context, t provider.Type) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[t]
	return key, ok && key != "", nil
}

func (s *MemoryStore) SaveAPIKey(ctx context.Context, t provider.Type, key string) error {
	if _, err := provider.ParseType(string(t)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[t] = key
	return nil
}

func (s *MemoryStore) DeleteAPIKey(ctx context.Context, t provider.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, t)
	return nil
}

func (s *MemoryStore) ActiveType(ctx context.Context) (provider.Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, nil
}

func (s *MemoryStore) SetActiveType(ctx context.Context, t provider.Type) error {
	if _, err := provider.ParseType(string(t)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = t
	return nil
}
