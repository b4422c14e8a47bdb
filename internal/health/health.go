// Package health verifies that provider adapters can reach their vendor.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vnmchuo/companion/internal/provider"
)

const DefaultTimeout = 15 * time.Second

type Checker struct {
	timeout time.Duration
	logger  *slog.Logger
}

func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{timeout: timeout, logger: logger}
}

// Check runs the adapter's own health probe and waits for its answer. It
// reports false when the adapter is unconfigured or the deadline passes.
func (c *Checker) Check(ctx context.Context, a provider.Adapter) bool {
	if a == nil || !a.IsConfigured() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := make(chan bool, 1)
	a.CheckHealth(ctx, func(ok bool) {
		select {
		case result <- ok:
		default:
		}
	})

	select {
	case ok := <-result:
		c.logger.Debug("health check finished", "provider", a.Type(), "model", a.Model(), "healthy", ok)
		return ok
	case <-ctx.Done():
		c.logger.Warn("health check timed out", "provider", a.Type(), "model", a.Model())
		return false
	}
}

// CheckAll probes every adapter in parallel.
func (c *Checker) CheckAll(ctx context.Context, adapters []provider.Adapter) map[provider.Type]bool {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[provider.Type]bool, len(adapters))
	)
	for _, a := range adapters {
		if a == nil {
			continue
		}
		wg.Add(1)
		go func(a provider.Adapter) {
			defer wg.Done()
			ok := c.Check(ctx, a)
			mu.Lock()
			out[a.Type()] = ok
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}
