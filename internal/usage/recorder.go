package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const recordTimeout = 5 * time.Second

// Recorder writes logs to a Store off the caller's goroutine so a slow
// database never delays a stream callback.
type Recorder struct {
	store  Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Record(log Log) {
	if r == nil || r.store == nil {
		return
	}
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := r.store.Record(ctx, &log); err != nil {
			r.logger.Warn("usage: failed to record", "operation", log.Operation, "error", err)
		}
	}()
}

// Wait blocks until every pending record has been written.
func (r *Recorder) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
