package repository

import (
	"context"

	"conversation-api/internal/domain/model"
)

// -----------------------------
// Conversations
// -----------------------------

// ConversationRepository is the store adapter for conversations. Every
// lookup by id returns domain.ErrNotFound when the record is absent.
type ConversationRepository interface {
	// Insert fails with domain.ErrAlreadyExists on id collision.
	Insert(ctx context.Context, tx Tx, c *model.Conversation) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Conversation, error)
	ListAll(ctx context.Context, tx Tx) ([]*model.Conversation, error)
	// UpdateMetadata changes name and/or params only.
	UpdateMetadata(ctx context.Context, tx Tx, id string, patch model.MetadataPatch) error
	// AppendMessages appends msgs in order and adds tokens to the running
	// total as one atomic operation. Existence is checked inside that same
	// operation, so a conversation deleted concurrently yields ErrNotFound.
	AppendMessages(ctx context.Context, tx Tx, id string, msgs []model.Message, tokens int64) error
	Delete(ctx context.Context, tx Tx, id string) error
}
