//go:build !integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/repository"
	red "conversation-api/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerConversationRepo mocks the database repository the decorator wraps.
type mockInnerConversationRepo struct {
	InsertFunc         func(ctx context.Context, tx repository.Tx, c *model.Conversation) error
	FindByIDFunc       func(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error)
	ListAllFunc        func(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error)
	UpdateMetadataFunc func(ctx context.Context, tx repository.Tx, id string, patch model.MetadataPatch) error
	AppendMessagesFunc func(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error
	DeleteFunc         func(ctx context.Context, tx repository.Tx, id string) error
}

func (m *mockInnerConversationRepo) Insert(ctx context.Context, tx repository.Tx, c *model.Conversation) error {
	return m.InsertFunc(ctx, tx, c)
}
func (m *mockInnerConversationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
	return m.FindByIDFunc(ctx, tx, id)
}
func (m *mockInnerConversationRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error) {
	return m.ListAllFunc(ctx, tx)
}
func (m *mockInnerConversationRepo) UpdateMetadata(ctx context.Context, tx repository.Tx, id string, patch model.MetadataPatch) error {
	return m.UpdateMetadataFunc(ctx, tx, id, patch)
}
func (m *mockInnerConversationRepo) AppendMessages(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error {
	return m.AppendMessagesFunc(ctx, tx, id, msgs, tokens)
}
func (m *mockInnerConversationRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	return m.DeleteFunc(ctx, tx, id)
}

// fakeRedis is an in-memory RedisClient. The hooks inject failures.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string

	gets, sets int
	delErrs    int // number of upcoming Del calls that fail
	incrErr    error
	getErr     error
}

var _ red.RedisClient = (*fakeRedis)(nil)

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.data[key] = toString(value)
	return nil
}

func (f *fakeRedis) SetIfUnchanged(ctx context.Context, guardKey, want, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.data[guardKey]
	if !ok {
		cur = "0"
	}
	if cur != want {
		return false, nil
	}
	f.sets++
	f.data[key] = toString(value)
	return true, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErrs > 0 {
		f.delErrs--
		return errors.New("redis: connection reset")
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedis) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incrErr != nil {
		return 0, f.incrErr
	}
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) error { return nil }
func (f *fakeRedis) Ping(ctx context.Context) error                                         { return nil }
func (f *fakeRedis) Close() error                                                           { return nil }

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
