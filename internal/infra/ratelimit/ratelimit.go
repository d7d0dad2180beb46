// Package ratelimit throttles queries per conversation.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	red "conversation-api/internal/infra/redis"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// New returns nil when perMinute is not positive. With a redis client the
// budget is shared by every replica; otherwise it is kept in process.
func New(perMinute int, cli red.RedisClient) Limiter {
	if perMinute <= 0 {
		return nil
	}
	if cli != nil {
		return &redisLimiter{rl: red.NewRateLimiter(cli, perMinute, time.Minute)}
	}
	return NewLocal(perMinute)
}

type redisLimiter struct {
	rl *red.RateLimiter
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.rl.Allow(ctx, red.ConversationQueryKey(key))
}

// Local is a token bucket per key. Buckets idle for longer than a refill
// period are dropped on the next sweep.
type Local struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocal(perMinute int) *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		idle:    2 * time.Minute,
		now:     time.Now,
	}
}

func (l *Local) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
