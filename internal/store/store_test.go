package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/companion/internal/provider"
)

func TestMemoryStore_Defaults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cfg, err := s.GetConfig(ctx, provider.TypeGemini)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if cfg.Model != "gemini-2.5-flash" || cfg.MaxTokens != 65536 {
		t.Errorf("Expected gemini defaults, got %+v", cfg)
	}
	if _, err := s.GetConfig(ctx, "mystery"); err == nil {
		t.Error("Expected error for unknown type")
	}
	if active, _ := s.ActiveType(ctx); active != provider.TypeOllama {
		t.Errorf("Expected ollama as default active type, got %s", active)
	}
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, _ := s.GetAPIKey(ctx, provider.TypeOpenAI); ok {
		t.Fatal("Expected no key initially")
	}
	if err := s.SaveAPIKey(ctx, provider.TypeOpenAI, "sk-1"); err != nil {
		t.Fatalf("SaveAPIKey failed: %v", err)
	}
	if key, ok, _ := s.GetAPIKey(ctx, provider.TypeOpenAI); !ok || key != "sk-1" {
		t.Errorf("Expected sk-1, got %q %v", key, ok)
	}
	if err := s.DeleteAPIKey(ctx, provider.TypeOpenAI); err != nil {
		t.Fatalf("DeleteAPIKey failed: %v", err)
	}
	if _, ok, _ := s.GetAPIKey(ctx, provider.TypeOpenAI); ok {
		t.Error("Expected key to be deleted")
	}
}

func TestMemoryStore_UpdateConfigValidates(t *testing.T) {
	s := NewMemoryStore()
	cfg := provider.DefaultConfig(provider.TypeOpenAI)
	cfg.Temperature = 3
	if err := s.UpdateConfig(context.Background(), cfg); err == nil {
		t.Error("Expected out-of-range temperature to be rejected")
	}
}

func TestSeedFromEnv(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.SaveAPIKey(ctx, provider.TypeGemini, "existing")

	SeedFromEnv(ctx, s, map[provider.Type]string{
		provider.TypeGemini:    "from-env",
		provider.TypeAnthropic: "sk-ant",
		provider.TypeOpenAI:    "",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if key, _, _ := s.GetAPIKey(ctx, provider.TypeGemini); key != "existing" {
		t.Errorf("Expected existing key kept, got %q", key)
	}
	if key, _, _ := s.GetAPIKey(ctx, provider.TypeAnthropic); key != "sk-ant" {
		t.Errorf("Expected seeded key, got %q", key)
	}
	if _, ok, _ := s.GetAPIKey(ctx, provider.TypeOpenAI); ok {
		t.Error("Expected empty env value to be skipped")
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *int:
			*p = r.values[i].(int)
		case *float64:
			*p = r.values[i].(float64)
		}
	}
	return nil
}

type fakeDB struct {
	row   fakeRow
	execs []string
	args  [][]any
	err   error
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.row
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	db.args = append(db.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), db.err
}

func TestPostgresStore_GetConfig(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{"http://gpu:11434", "qwen3:4b", true, false, 2048, 0.5, 0.9}}}
	s := NewPostgresStore(db)

	cfg, err := s.GetConfig(context.Background(), provider.TypeOllama)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if cfg.Type != provider.TypeOllama || cfg.Endpoint != "http://gpu:11434" || cfg.Model != "qwen3:4b" || cfg.MaxTokens != 2048 || cfg.EnableWebSearch {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestPostgresStore_NoRowsMeansDefaults(t *testing.T) {
	s := NewPostgresStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	ctx := context.Background()

	cfg, err := s.GetConfig(ctx, provider.TypeAnthropic)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if cfg != provider.DefaultConfig(provider.TypeAnthropic) {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if _, ok, err := s.GetAPIKey(ctx, provider.TypeAnthropic); ok || err != nil {
		t.Errorf("Expected missing key without error, got %v %v", ok, err)
	}
	if active, err := s.ActiveType(ctx); err != nil || active != DefaultActiveType {
		t.Errorf("Expected default active type, got %s %v", active, err)
	}
}

func TestPostgresStore_Errors(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewPostgresStore(&fakeDB{row: fakeRow{err: boom}, err: boom})
	ctx := context.Background()

	if _, err := s.GetConfig(ctx, provider.TypeOpenAI); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
	if err := s.SaveAPIKey(ctx, provider.TypeOpenAI, "k"); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

func TestPostgresStore_Writes(t *testing.T) {
	db := &fakeDB{}
	s := NewPostgresStore(db)
	ctx := context.Background()

	if err := s.UpdateConfig(ctx, provider.DefaultConfig(provider.TypeQwen)); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if err := s.SetActiveType(ctx, provider.TypeQwen); err != nil {
		t.Fatalf("SetActiveType failed: %v", err)
	}
	if err := s.SetActiveType(ctx, "mystery"); err == nil {
		t.Error("Expected unknown type to be rejected")
	}
	if len(db.execs) != 2 {
		t.Fatalf("Expected 2 statements, got %d", len(db.execs))
	}
	if db.args[0][0] != "qwen" || db.args[1][1] != "qwen" {
		t.Errorf("unexpected args %v", db.args)
	}
}

func TestCachedStore_BypassesRedisFailures(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	backing := NewMemoryStore()
	s := NewCachedStore(backing, rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	if err := s.SaveAPIKey(ctx, provider.TypeGemini, "g-key"); err != nil {
		t.Fatalf("SaveAPIKey failed: %v", err)
	}
	if key, ok, err := s.GetAPIKey(ctx, provider.TypeGemini); err != nil || !ok || key != "g-key" {
		t.Errorf("Expected g-key from backing store, got %q %v %v", key, ok, err)
	}
	if err := s.SetActiveType(ctx, provider.TypeGemini); err != nil {
		t.Fatalf("SetActiveType failed: %v", err)
	}
	if active, err := s.ActiveType(ctx); err != nil || active != provider.TypeGemini {
		t.Errorf("Expected gemini, got %s %v", active, err)
	}
	cfg, err := s.GetConfig(ctx, provider.TypeGemini)
	if err != nil || cfg.Model != "gemini-2.5-flash" {
		t.Errorf("Expected default gemini config, got %+v %v", cfg, err)
	}
}
