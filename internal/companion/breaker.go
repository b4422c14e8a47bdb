package companion

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/companion/internal/provider"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	breakerFailures = 3
	breakerTimeout  = 30 * time.Second
)

// breakers keeps one two-step circuit breaker per provider type. Streams
// finish long after they start, so the outcome is reported through the done
// func returned by allow.
type breakers struct {
	mu      sync.Mutex
	m       map[provider.Type]*gobreaker.TwoStepCircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func newBreakers(timeout time.Duration, logger *slog.Logger) *breakers {
	if timeout <= 0 {
		timeout = breakerTimeout
	}
	return &breakers{
		m:       make(map[provider.Type]*gobreaker.TwoStepCircuitBreaker),
		timeout: timeout,
		logger:  logger,
	}
}

func (b *breakers) get(t provider.Type) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[t]
	if !ok {
		cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        string(t),
			MaxRequests: 1,
			Timeout:     b.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.logger.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			},
		})
		b.m[t] = cb
	}
	return cb
}

// allow reserves a call against t's breaker. The returned func must be called
// exactly once with the call's final error.
func (b *breakers) allow(t provider.Type) (func(error), error) {
	done, err := b.get(t).Allow()
	if err != nil {
		return nil, &provider.NetworkError{Err: fmt.Errorf("%w for provider %s", ErrCircuitOpen, t)}
	}
	return func(err error) { done(!tripsBreaker(err)) }, nil
}

func (b *breakers) state(t provider.Type) gobreaker.State {
	return b.get(t).State()
}

// tripsBreaker reports whether err says something about the vendor's
// availability. Cancellation and caller-side problems do not.
func tripsBreaker(err error) bool {
	switch provider.KindOf(err) {
	case provider.KindNetwork, provider.KindServer, provider.KindInvalidResponse:
		return true
	}
	return false
}
