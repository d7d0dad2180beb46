//go:build !integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/repository"
)

const cachedID = "7d1f0a44-3f0e-4c55-a3a4-2b1c1e9f6a10"

// storeState backs mockInnerConversationRepo with one mutable conversation.
type storeState struct {
	mu        sync.Mutex
	conv      *model.Conversation
	findCalls int
	listCalls int
}

func newStoreState() *storeState {
	return &storeState{conv: &model.Conversation{
		ID:       cachedID,
		Name:     "Trip",
		Params:   model.Params{"temperature": 0.5},
		Tokens:   7,
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}}
}

func (s *storeState) inner() *mockInnerConversationRepo {
	return &mockInnerConversationRepo{
		FindByIDFunc: func(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.findCalls++
			if s.conv == nil || s.conv.ID != id {
				return nil, domain.ErrNotFound
			}
			cp := *s.conv
			cp.Messages = append([]model.Message(nil), s.conv.Messages...)
			return &cp, nil
		},
		ListAllFunc: func(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listCalls++
			if s.conv == nil {
				return nil, nil
			}
			cp := *s.conv
			return []*model.Conversation{&cp}, nil
		},
		InsertFunc: func(ctx context.Context, tx repository.Tx, c *model.Conversation) error { return nil },
		AppendMessagesFunc: func(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.conv == nil {
				return domain.ErrNotFound
			}
			s.conv.Messages = append(s.conv.Messages, msgs...)
			s.conv.Tokens += tokens
			return nil
		},
		DeleteFunc: func(ctx context.Context, tx repository.Tx, id string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.conv == nil {
				return domain.ErrNotFound
			}
			s.conv = nil
			return nil
		},
	}
}

func TestConversationRepoCacheDecorator(t *testing.T) {
	ctx := context.Background()

	t.Run("second FindByID is served from cache", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		for i := 0; i < 2; i++ {
			got, err := repo.FindByID(ctx, nil, cachedID)
			if err != nil {
				t.Fatalf("call %d: %v", i, err)
			}
			if got.Tokens != 7 || len(got.Messages) != 1 || got.Params.Temperature() != 0.5 {
				t.Fatalf("call %d: unexpected conversation %+v", i, got)
			}
		}
		if st.findCalls != 1 {
			t.Fatalf("inner called %d times, want 1", st.findCalls)
		}
	})

	t.Run("not found is never cached", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		st.conv = nil
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		if _, err := repo.FindByID(ctx, nil, cachedID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
		if cache.has(conversationKey(cachedID)) {
			t.Fatal("not-found result was cached")
		}
	})

	t.Run("Get reflects an append", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		if _, err := repo.FindByID(ctx, nil, cachedID); err != nil {
			t.Fatal(err)
		}
		reply := []model.Message{{Role: model.RoleUser, Content: "q"}, {Role: model.RoleAssistant, Content: "a"}}
		if err := repo.AppendMessages(ctx, nil, cachedID, reply, 1); err != nil {
			t.Fatal(err)
		}
		got, err := repo.FindByID(ctx, nil, cachedID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Messages) != 3 || got.Tokens != 8 {
			t.Fatalf("stale conversation served: %+v", got)
		}
	})

	t.Run("Delete then Get is NotFound even when Del fails", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		if _, err := repo.FindByID(ctx, nil, cachedID); err != nil {
			t.Fatal(err)
		}
		cache.delErrs = 1
		if err := repo.Delete(ctx, nil, cachedID); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.FindByID(ctx, nil, cachedID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("want ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("populate racing a delete is discarded", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		inner := st.inner()
		entered, release := make(chan struct{}), make(chan struct{})
		find := inner.FindByIDFunc
		var once sync.Once
		inner.FindByIDFunc = func(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
			c, err := find(ctx, tx, id)
			once.Do(func() {
				close(entered)
				<-release
			})
			return c, err
		}
		repo := NewConversationRepoCacheDecorator(inner, cache, time.Minute, nil)

		done := make(chan error, 1)
		go func() {
			_, err := repo.FindByID(ctx, nil, cachedID)
			done <- err
		}()
		<-entered
		if err := repo.Delete(ctx, nil, cachedID); err != nil {
			t.Fatal(err)
		}
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("racing read: %v", err)
		}

		if _, err := repo.FindByID(ctx, nil, cachedID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("want ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("failed write leaves the cache alone", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		st.conv = nil
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, 0, nil)

		if err := repo.Delete(ctx, nil, cachedID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
		if cache.has(generationKey(conversationKey(cachedID))) {
			t.Fatal("generation bumped for a failed write")
		}
	})

	t.Run("Insert retires the cached list", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		for i := 0; i < 2; i++ {
			if _, err := repo.ListAll(ctx, nil); err != nil {
				t.Fatal(err)
			}
		}
		if st.listCalls != 1 {
			t.Fatalf("list served from store %d times, want 1", st.listCalls)
		}
		if err := repo.Insert(ctx, nil, &model.Conversation{ID: "x"}); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.ListAll(ctx, nil); err != nil {
			t.Fatal(err)
		}
		if st.listCalls != 2 {
			t.Fatalf("list not reloaded after insert: %d calls", st.listCalls)
		}
	})

	t.Run("unreadable generation bypasses the cache", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		cache.getErr = errors.New("redis down")
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		if _, err := repo.FindByID(ctx, nil, cachedID); err != nil {
			t.Fatal(err)
		}
		if cache.sets != 0 {
			t.Fatal("populated without a known generation")
		}
	})

	t.Run("transactional and fresh reads skip the cache", func(t *testing.T) {
		st, cache := newStoreState(), newFakeRedis()
		repo := NewConversationRepoCacheDecorator(st.inner(), cache, time.Minute, nil)

		if _, err := repo.ListAll(ctx, struct{}{}); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.FindByID(repository.WithFreshRead(ctx), nil, cachedID); err != nil {
			t.Fatal(err)
		}
		if cache.gets != 0 || cache.sets != 0 {
			t.Fatalf("cache touched: gets=%d sets=%d", cache.gets, cache.sets)
		}
	})
}

func TestDecodeParamsKeepsFloats(t *testing.T) {
	p, err := decodeParams([]byte(`{"temperature":1,"max_tokens":128,"extra":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Temperature() != 1 || p.MaxTokens() != 128 || p["extra"] != "x" {
		t.Fatalf("unexpected params: %+v", p)
	}
	p, err = decodeParams(nil)
	if err != nil || p == nil || len(p) != 0 {
		t.Fatalf("empty raw: %v %v", p, err)
	}
}
