// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"sync"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
	"conversation-api/internal/domain/ports/repository"
)

// memConversationRepo is a small in-memory implementation used by unit tests.
// AppendMessages runs under the mutex, mirroring the atomic store update.
type memConversationRepo struct {
	mu    sync.RWMutex
	store map[string]*model.Conversation
	order []string

	// used by tests to simulate storage failures
	insertErr error
	findErr   error
	listErr   error
	updateErr error
	appendErr error
	deleteErr error

	findCalls  int
	freshReads int
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{store: make(map[string]*model.Conversation)}
}

func clone(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.Messages = append([]model.Message(nil), c.Messages...)
	cp.Params = make(model.Params, len(c.Params))
	for k, v := range c.Params {
		cp.Params[k] = v
	}
	return &cp
}

func (m *memConversationRepo) Insert(ctx context.Context, tx repository.Tx, c *model.Conversation) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[c.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.store[c.ID] = clone(c)
	m.order = append(m.order, c.ID)
	return nil
}

func (m *memConversationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
	m.mu.Lock()
	m.findCalls++
	if repository.FreshRead(ctx) {
		m.freshReads++
	}
	m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(c), nil
}

func (m *memConversationRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Conversation
	for _, id := range m.order {
		if c, ok := m.store[id]; ok {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (m *memConversationRepo) UpdateMetadata(ctx context.Context, tx repository.Tx, id string, patch model.MetadataPatch) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Params != nil {
		c.Params = patch.Params
	}
	return nil
}

func (m *memConversationRepo) AppendMessages(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Messages = append(c.Messages, msgs...)
	c.Tokens += tokens
	return nil
}

func (m *memConversationRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, id)
	return nil
}

// fakeCompletion records every call and answers with reply (or err).
// When hook is set it runs before answering.
type fakeCompletion struct {
	mu    sync.Mutex
	calls []completionCall
	reply model.Message
	err   error
	hook  func(ctx context.Context) error
}

type completionCall struct {
	messages []model.Message
	opts     adapter.CompletionOptions
}

func (f *fakeCompletion) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, completionCall{messages: append([]model.Message(nil), messages...), opts: opts})
	f.mu.Unlock()
	if f.hook != nil {
		if err := f.hook(ctx); err != nil {
			return model.Message{}, adapter.Usage{}, err
		}
	}
	if f.err != nil {
		return model.Message{}, adapter.Usage{}, f.err
	}
	return f.reply, adapter.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (f *fakeCompletion) lastCall() completionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// byteCounter meters one token per byte so expectations are easy to compute.
type byteCounter struct{}

func (byteCounter) Count(text string) int { return len(text) }
