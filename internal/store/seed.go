package store

import (
	"context"
	"log/slog"

	"github.com/vnmchuo/companion/internal/provider"
)

// SeedFromEnv saves the given API keys into s, skipping empty values and
// types that already hold a key.
func SeedFromEnv(ctx context.Context, s Store, keys map[provider.Type]string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, t := range provider.Types() {
		key := keys[t]
		if key == "" {
			continue
		}
		if _, ok, err := s.GetAPIKey(ctx, t); err == nil && ok {
			logger.Info("seeder: api key already stored, skipping", "provider", t)
			continue
		}
		if err := s.SaveAPIKey(ctx, t, key); err != nil {
			logger.Warn("seeder: failed to store api key", "provider", t, "error", err)
			continue
		}
		logger.Info("seeder: api key stored", "provider", t)
	}
}
