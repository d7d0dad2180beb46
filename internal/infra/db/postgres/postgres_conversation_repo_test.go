//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/repository"
	"conversation-api/internal/infra/security"
)

func newConv(t *testing.T, name string, params model.Params) *model.Conversation {
	t.Helper()
	c, err := model.NewConversation(uuid.NewString(), name, params)
	require.NoError(t, err)
	return c
}

func TestPostgresConversationRepo_CRUD(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	repo := NewPostgresConversationRepo(testPool, nil)

	c := newConv(t, "Trip", model.Params{"temperature": 0.5, "model": "gpt-4o-mini"})
	require.NoError(t, repo.Insert(ctx, nil, c))
	assert.ErrorIs(t, repo.Insert(ctx, nil, c), domain.ErrAlreadyExists)

	got, err := repo.FindByID(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip", got.Name)
	assert.Equal(t, 0.5, got.Params.Temperature())
	assert.Equal(t, "gpt-4o-mini", got.Params.Model())
	assert.Empty(t, got.Messages)
	assert.NotNil(t, got.Messages)

	name := "Renamed"
	require.NoError(t, repo.UpdateMetadata(ctx, nil, c.ID, model.MetadataPatch{Name: &name}))
	got, _ = repo.FindByID(ctx, nil, c.ID)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 0.5, got.Params.Temperature(), "params untouched by name-only patch")

	require.NoError(t, repo.UpdateMetadata(ctx, nil, c.ID, model.MetadataPatch{Params: model.Params{"max_tokens": 32}}))
	got, _ = repo.FindByID(ctx, nil, c.ID)
	assert.Equal(t, 32, got.Params.MaxTokens())
	assert.Equal(t, "Renamed", got.Name)

	require.NoError(t, repo.Delete(ctx, nil, c.ID))
	_, err = repo.FindByID(ctx, nil, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, nil, c.ID), domain.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateMetadata(ctx, nil, c.ID, model.MetadataPatch{Name: &name}), domain.ErrNotFound)
}

func TestPostgresConversationRepo_AppendMessages(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	cipher, err := security.NewContentCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	repo := NewPostgresConversationRepo(testPool, cipher)

	c := newConv(t, "c", nil)
	require.NoError(t, repo.Insert(ctx, nil, c))

	pair := []model.Message{
		{Role: model.RoleFunction, Content: `{"ok":true}`, Name: "lookup"},
		{Role: model.RoleAssistant, Content: "done"},
	}
	require.NoError(t, repo.AppendMessages(ctx, nil, c.ID, pair, 4))
	require.NoError(t, repo.AppendMessages(ctx, nil, c.ID, []model.Message{
		{Role: model.RoleUser, Content: "again"},
		{Role: model.RoleAssistant, Content: "sure"},
	}, 1))

	got, err := repo.FindByID(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Tokens)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, pair[0], got.Messages[0])
	assert.Equal(t, "sure", got.Messages[3].Content)

	// content is not stored in clear text
	var stored string
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT content FROM conversation_messages WHERE conversation_id = $1 ORDER BY seq LIMIT 1`, c.ID).Scan(&stored))
	assert.NotContains(t, stored, "ok")

	err = repo.AppendMessages(ctx, nil, uuid.NewString(), pair, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresConversationRepo_ConcurrentAppends(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	repo := NewPostgresConversationRepo(testPool, nil)
	c := newConv(t, "c", nil)
	require.NoError(t, repo.Insert(ctx, nil, c))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.AppendMessages(ctx, nil, c.ID, []model.Message{
				{Role: model.RoleUser, Content: "q"},
				{Role: model.RoleAssistant, Content: "a"},
			}, 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.FindByID(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3*n), got.Tokens)
	require.Len(t, got.Messages, 2*n)
	for i := 0; i < len(got.Messages); i += 2 {
		assert.Equal(t, model.RoleUser, got.Messages[i].Role)
		assert.Equal(t, model.RoleAssistant, got.Messages[i+1].Role)
	}
}

func TestPostgresConversationRepo_RollbackOnCallerTx(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	repo := NewPostgresConversationRepo(testPool, nil)
	c := newConv(t, "c", nil)
	require.NoError(t, repo.Insert(ctx, nil, c))

	boom := errors.New("boom")
	err := NewTxManager(testPool).WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := repo.AppendMessages(ctx, tx, c.ID, []model.Message{{Role: model.RoleUser, Content: "x"}}, 9); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := repo.FindByID(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Tokens)
	assert.Empty(t, got.Messages)
}

func TestPostgresConversationRepo_ListAll(t *testing.T) {
	cleanup(t)
	ctx := context.Background()
	repo := NewPostgresConversationRepo(testPool, nil)

	list, err := repo.ListAll(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, list)

	a := newConv(t, "a", nil)
	b := newConv(t, "b", nil)
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, repo.Insert(ctx, nil, a))
	require.NoError(t, repo.Insert(ctx, nil, b))
	require.NoError(t, repo.AppendMessages(ctx, nil, b.ID, []model.Message{{Role: model.RoleUser, Content: "hi"}}, 1))

	list, err = repo.ListAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Empty(t, list[0].Messages)
	assert.Len(t, list[1].Messages, 1)
}

func TestPostgresConversationRepo_InvalidID(t *testing.T) {
	repo := NewPostgresConversationRepo(testPool, nil)
	_, err := repo.FindByID(context.Background(), nil, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
