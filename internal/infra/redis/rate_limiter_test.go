//go:build !integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

type counterClient struct {
	RedisClient
	counts  map[string]int64
	expired map[string]time.Duration
	incrErr error
}

func (c *counterClient) Incr(ctx context.Context, key string) (int64, error) {
	if c.incrErr != nil {
		return 0, c.incrErr
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *counterClient) Expire(ctx context.Context, key string, d time.Duration) error {
	c.expired[key] = d
	return nil
}

func TestRateLimiter_Allow(t *testing.T) {
	cli := &counterClient{counts: map[string]int64{}, expired: map[string]time.Duration{}}
	rl := NewRateLimiter(cli, 2, time.Minute)
	ctx := context.Background()
	key := ConversationQueryKey("abc")

	for i, want := range []bool{true, true, false, false} {
		got, err := rl.Allow(ctx, key)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("call %d: allowed=%v, want %v", i, got, want)
		}
	}
	if cli.expired[key] != time.Minute {
		t.Errorf("window not set on first hit: %v", cli.expired)
	}

	other, _ := rl.Allow(ctx, ConversationQueryKey("def"))
	if !other {
		t.Error("limits must be per conversation")
	}
}

func TestRateLimiter_Error(t *testing.T) {
	cli := &counterClient{incrErr: errors.New("down")}
	rl := NewRateLimiter(cli, 1, time.Minute)
	if _, err := rl.Allow(context.Background(), "k"); err == nil {
		t.Fatal("expected error")
	}
}
