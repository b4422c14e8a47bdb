// Package usage keeps a ledger of finished companion operations.
package usage

import (
	"context"
	"sync"
	"time"
)

const (
	OperationChat      = "chat"
	OperationImage     = "image"
	OperationTranslate = "translate"

	OutcomeOK = "ok"
)

type Log struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Operation     string    `json:"operation"`
	PromptChars   int       `json:"prompt_chars"`
	ResponseChars int       `json:"response_chars"`
	LatencyMs     int64     `json:"latency_ms"`
	Outcome       string    `json:"outcome"`
	CreatedAt     time.Time `json:"created_at"`
}

type Store interface {
	Record(ctx context.Context, log *Log) error
	Recent(ctx context.Context, limit int) ([]*Log, error)
}

// DefaultLimit bounds Recent when the caller passes a non-positive limit.
const DefaultLimit = 50

// MemoryStore keeps the most recent logs in a ring of fixed capacity.
type MemoryStore struct {
	mu   sync.Mutex
	logs []*Log
	max  int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{max: capacity}
}

func (s *MemoryStore) Record(ctx context.Context, log *Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, log)
	if over := len(s.logs) - s.max; over > 0 {
		s.logs = append([]*Log(nil), s.logs[over:]...)
	}
	return nil
}

// Recent returns up to limit logs, newest first.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]*Log, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Log, 0, min(limit, len(s.logs)))
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}
