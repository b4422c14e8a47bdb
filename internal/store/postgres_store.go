package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/companion/internal/provider"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const activeProviderSetting = "active_provider"

// Schema creates the tables PostgresStore uses.
const Schema = `
CREATE TABLE IF NOT EXISTS provider_configs (
	type              TEXT PRIMARY KEY,
	endpoint          TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	enabled           BOOLEAN NOT NULL DEFAULT true,
	enable_web_search BOOLEAN NOT NULL DEFAULT true,
	max_tokens        INTEGER NOT NULL DEFAULT 0,
	temperature       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	top_p             DOUBLE PRECISION NOT NULL DEFAULT 0.95,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS provider_credentials (
	type       TEXT PRIMARY KEY,
	api_key    TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS companion_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConfig(ctx context.Context, t provider.Type) (provider.Config, error) {
	if _, err := provider.ParseType(string(t)); err != nil {
		return provider.Config{}, err
	}
	query := `
		SELECT endpoint, model, enabled, enable_web_search, max_tokens, temperature, top_p
		FROM provider_configs
		WHERE type = $1
	`

	cfg := provider.Config{Type: t}
	err := s.db.QueryRow(ctx, query, string(t)).Scan(
		&cfg.Endpoint, &cfg.Model, &cfg.Enabled, &cfg.EnableWebSearch,
		&cfg.MaxTokens, &cfg.Temperature, &cfg.TopP,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return provider.DefaultConfig(t), nil
		}
		return provider.Config{}, fmt.Errorf("failed to get provider config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) UpdateConfig(ctx context.Context, cfg provider.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO provider_configs (type, endpoint, model, enabled, enable_web_search, max_tokens, temperature, top_p)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (type) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			model = EXCLUDED.model,
			enabled = EXCLUDED.enabled,
			enable_web_search = EXCLUDED.enable_web_search,
			max_tokens = EXCLUDED.max_tokens,
			temperature = EXCLUDED.temperature,
			top_p = EXCLUDED.top_p,
			updated_at = now()
	`
	_, err := s.db.Exec(ctx, query,
		string(cfg.Type), cfg.Endpoint, cfg.Model, cfg.Enabled, cfg.EnableWebSearch,
		cfg.MaxTokens, cfg.Temperature, cfg.TopP,
	)
	if err != nil {
		return fmt.Errorf("failed to update provider config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, t provider.Type) (string, bool, error) {
	var key string
	err := s.db.QueryRow(ctx, `SELECT api_key FROM provider_credentials WHERE type = $1`, string(t)).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, key != "", nil
}

func (s *PostgresStore) SaveAPIKey(ctx context.Context, t provider.Type, key string) error {
	if _, err := provider.ParseType(string(t)); err != nil {
		return err
	}
	query := `
		INSERT INTO provider_credentials (type, api_key)
		VALUES ($1, $2)
		ON CONFLICT (type) DO UPDATE SET api_key = EXCLUDED.api_key, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, string(t), key); err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, t provider.Type) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM provider_credentials WHERE type = $1`, string(t)); err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveType(ctx context.Context) (provider.Type, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM companion_settings WHERE key = $1`, activeProviderSetting).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultActiveType, nil
		}
		return "", fmt.Errorf("failed to get active provider: %w", err)
	}
	t, err := provider.ParseType(value)
	if err != nil {
		return DefaultActiveType, nil
	}
	return t, nil
}

func (s *PostgresStore) SetActiveType(ctx context.Context, t provider.Type) error {
	if _, err := provider.ParseType(string(t)); err != nil {
		return err
	}
	query := `
		INSERT INTO companion_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := s.db.Exec(ctx, query, activeProviderSetting, string(t)); err != nil {
		return fmt.Errorf("failed to set active provider: %w", err)
	}
	return nil
}
