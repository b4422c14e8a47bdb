package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by
// provider type. A nil *Limiter allows everything.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(providerType string) string {
	return fmt.Sprintf("ratelimit:provider:%s", providerType)
}

// Allow spends tokens from the provider's per-minute budget.
func (l *Limiter) Allow(ctx context.Context, providerType string, tokens int) (bool, error) {
	if l == nil || l.store == nil {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(providerType), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, providerType string) (*extratelimit.Result, error) {
	if l == nil || l.store == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Status(ctx, key(providerType))
}

// EstimateTokens approximates the token cost of a prompt at four characters
// per token.
func EstimateTokens(chars int) int {
	return chars/4 + 1
}
