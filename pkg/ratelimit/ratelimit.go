// Package ratelimit bounds per-tenant token throughput. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter backed by Redis; a nil
// *Limiter disables rate limiting entirely.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type Limiter struct {
	store extratelimit.Limiter
}

// NewLimiter builds a Redis-backed sliding-window limiter admitting
// defaultTPM tokens per tenant per minute.
func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow reports whether the tenant may spend the estimated token count
// now. A nil limiter always allows.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	res, err := l.store.AllowN(ctx, key, tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
