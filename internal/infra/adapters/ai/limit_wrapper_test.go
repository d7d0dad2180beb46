package ai

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

type blockingAI struct {
	inFlight int32
	peak     int32
	release  chan struct{}
}


func (b *blockingAI) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	n := atomic.AddInt32(&b.inFlight, 1)
	defer atomic.AddInt32(&b.inFlight, -1)
	for {
		p := atomic.LoadInt32(&b.peak)
		if n <= p || atomic.CompareAndSwapInt32(&b.peak, p, n) {
			break
		}
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return model.Message{}, adapter.Usage{}, ctx.Err()
	}
	return model.Message{Role: model.RoleAssistant, Content: "ok"}, adapter.Usage{}, nil
}

func TestLimitedAI_BoundsConcurrency(t *testing.T) {
	inner := &blockingAI{release: make(chan struct{})}
	l := NewLimitedAI(inner, "test", 2, 0)

	done := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _, err := l.Complete(context.Background(), nil, adapter.CompletionOptions{})
			done <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	for i := 0; i < 5; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if p := atomic.LoadInt32(&inner.peak); p > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", p)
	}
}

func TestLimitedAI_WaitHonoursContext(t *testing.T) {
	inner := &blockingAI{release: make(chan struct{})}
	defer close(inner.release)
	l := NewLimitedAI(inner, "test", 1, 0)

	go func() { _, _, _ = l.Complete(context.Background(), nil, adapter.CompletionOptions{}) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := l.Complete(ctx, nil, adapter.CompletionOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting for a slot, got %v", err)
	}
}

func TestLimitedAI_Timeout(t *testing.T) {
	inner := &blockingAI{release: make(chan struct{})}
	defer close(inner.release)
	l := NewLimitedAI(inner, "test", 0, 10*time.Millisecond)

	_, _, err := l.Complete(context.Background(), nil, adapter.CompletionOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected per-call timeout, got %v", err)
	}
}
