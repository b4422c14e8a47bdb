package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const Schema = `
CREATE TABLE IF NOT EXISTS usage_logs (
	id             UUID PRIMARY KEY,
	provider       TEXT NOT NULL,
	model          TEXT NOT NULL,
	operation      TEXT NOT NULL,
	prompt_chars   INTEGER NOT NULL,
	response_chars INTEGER NOT NULL,
	latency_ms     BIGINT NOT NULL,
	outcome        TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate usage schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, log *Log) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	query := `
		INSERT INTO usage_logs (id, provider, model, operation, prompt_chars, response_chars, latency_ms, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.ID, log.Provider, log.Model, log.Operation,
		log.PromptChars, log.ResponseChars, log.LatencyMs, log.Outcome,
	).Scan(&log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]*Log, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `
		SELECT id, provider, model, operation, prompt_chars, response_chars, latency_ms, outcome, created_at
		FROM usage_logs
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*Log
	for rows.Next() {
		var l Log
		err := rows.Scan(
			&l.ID, &l.Provider, &l.Model, &l.Operation,
			&l.PromptChars, &l.ResponseChars, &l.LatencyMs, &l.Outcome, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}
