package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
	"conversation-api/internal/domain/ports/repository"
	"conversation-api/internal/infra/logging"
	"conversation-api/internal/infra/metrics"
)

// errCompletionTimeout marks a completion call that ran out of time while the
// request itself was still live.
var errCompletionTimeout = errors.New("completion service timed out")

// Compile-time check
var _ ConversationUseCase = (*conversationUC)(nil)

// ConversationUseCase owns the conversation lifecycle and the append-query
// protocol. Every error it returns wraps one of the domain sentinels or is an
// infrastructure failure; callers classify with derror.Classify.
type ConversationUseCase interface {
	Create(ctx context.Context, name string, params model.Params) (string, error)
	Get(ctx context.Context, id string) (*model.Conversation, error)
	ListAll(ctx context.Context) ([]*model.Conversation, error)
	// UpdateMetadata changes name and/or params; messages and tokens are untouched.
	UpdateMetadata(ctx context.Context, id string, patch model.MetadataPatch) error
	Delete(ctx context.Context, id string) error
	// AppendQuery sends history+msg to the completion service and appends
	// [msg, reply] to the conversation. Only msg is metered.
	AppendQuery(ctx context.Context, id string, msg model.Message) (string, error)
}

type conversationUC struct {
	repo   repository.ConversationRepository
	ai     adapter.CompletionClient
	tokens adapter.TokenCounter
	log    *zerolog.Logger
	newID  func() string
}

// NewConversationUseCase wires the engine. logger may be nil.
func NewConversationUseCase(
	repo repository.ConversationRepository,
	ai adapter.CompletionClient,
	tokens adapter.TokenCounter,
	logger *zerolog.Logger,
) ConversationUseCase {
	if logger == nil {
		logger = logging.Nop()
	}
	return &conversationUC{
		repo:   repo,
		ai:     ai,
		tokens: tokens,
		log:    logger,
		newID:  uuid.NewString,
	}
}

func (c *conversationUC) Create(ctx context.Context, name string, params model.Params) (id string, err error) {
	defer c.observe(ctx, "create", &err)

	conv, err := model.NewConversation(c.newID(), name, params)
	if err != nil {
		return "", err
	}
	if err := c.repo.Insert(ctx, repository.NoTX, conv); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return conv.ID, nil
}

func (c *conversationUC) Get(ctx context.Context, id string) (conv *model.Conversation, err error) {
	defer c.observe(ctx, "get", &err)

	conv, err = c.repo.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	return conv, nil
}

func (c *conversationUC) ListAll(ctx context.Context) (out []*model.Conversation, err error) {
	defer c.observe(ctx, "list", &err)

	out, err = c.repo.ListAll(ctx, repository.NoTX)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if out == nil {
		out = []*model.Conversation{}
	}
	return out, nil
}

func (c *conversationUC) UpdateMetadata(ctx context.Context, id string, patch model.MetadataPatch) (err error) {
	defer c.observe(ctx, "update", &err)

	if patch.Name != nil {
		name, err := model.NormalizeName(*patch.Name)
		if err != nil {
			return err
		}
		patch.Name = &name
	}
	if patch.Params != nil {
		if err := patch.Params.Validate(); err != nil {
			return err
		}
	}
	if patch.Empty() {
		// nothing to write, but the caller still learns whether the id exists
		if _, err := c.repo.FindByID(ctx, repository.NoTX, id); err != nil {
			return fmt.Errorf("find conversation: %w", err)
		}
		return nil
	}
	if err := c.repo.UpdateMetadata(ctx, repository.NoTX, id, patch); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (c *conversationUC) Delete(ctx context.Context, id string) (err error) {
	defer c.observe(ctx, "delete", &err)

	if err := c.repo.Delete(ctx, repository.NoTX, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (c *conversationUC) AppendQuery(ctx context.Context, id string, msg model.Message) (_ string, err error) {
	defer c.observe(ctx, "append_query", &err)
	defer logging.TraceDuration(c.log, "ConversationUC.AppendQuery")()

	query, err := model.NewMessage(msg.Role, msg.Content)
	if err != nil {
		return "", err
	}
	if query, err = query.WithName(msg.Name); err != nil {
		return "", err
	}

	// the history sent for completion must include every committed append
	conv, err := c.repo.FindByID(repository.WithFreshRead(ctx), repository.NoTX, id)
	if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}

	cost := int64(c.tokens.Count(query.Content))

	// No lock is held here: the completion call may take seconds and the
	// append below re-checks existence atomically.
	opts := adapter.CompletionOptions{
		Model:       conv.Params.Model(),
		Temperature: conv.Params.Temperature(),
		MaxTokens:   conv.Params.MaxTokens(),
	}
	start := time.Now()
	reply, _, err := c.ai.Complete(ctx, conv.History(query), opts)
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			// the provider's own deadline, not the caller's
			err = fmt.Errorf("%w: %v", errCompletionTimeout, err)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrCompletionFailed, err)
	}
	reply, err = normalizeReply(reply)
	if err != nil {
		return "", err
	}
	logging.With(ctx, c.log).Debug().
		Int("history", len(conv.Messages)).
		Int64("cost", cost).
		Str("query", logging.Redact(query.Content, false)).
		Dur("completion", time.Since(start)).
		Msg("completion received")

	if err := c.repo.AppendMessages(ctx, repository.NoTX, id, []model.Message{query, reply}, cost); err != nil {
		return "", fmt.Errorf("append messages: %w", err)
	}
	metrics.AddTokensMetered(cost)
	return id, nil
}

// normalizeReply defaults a missing role to assistant and rejects replies the
// conversation could not store.
func normalizeReply(m model.Message) (model.Message, error) {
	if m.Role == "" {
		m.Role = model.RoleAssistant
	}
	if !m.Role.Valid() {
		return model.Message{}, fmt.Errorf("%w: reply has unknown role %q", domain.ErrCompletionFailed, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return model.Message{}, fmt.Errorf("%w: reply is empty", domain.ErrCompletionFailed)
	}
	if strings.IndexByte(m.Content, 0) >= 0 || strings.IndexByte(m.Name, 0) >= 0 {
		return model.Message{}, fmt.Errorf("%w: reply contains a NUL character", domain.ErrCompletionFailed)
	}
	return m, nil
}

// observe records the outcome of op and logs failures that are not the
// caller's fault with the raw error.
func (c *conversationUC) observe(ctx context.Context, op string, errp *error) {
	err := *errp
	result := outcome(err)
	metrics.IncConversationOp(op, result)

	l := logging.With(ctx, c.log)
	switch result {
	case "ok":
		l.Debug().Str("op", op).Msg("conversation op done")
	case "internal":
		l.Error().Err(err).Str("op", op).Msg("conversation op failed")
	case "unprocessable":
		l.Warn().Err(err).Str("op", op).Msg("completion service rejected query")
	default:
		l.Debug().Err(err).Str("op", op).Msg("conversation op rejected")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "internal"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrCompletionFailed):
		return "unprocessable"
	default:
		return "internal"
	}
}
