// File: internal/infra/db/postgres/postgres_conversation_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/repository"
	"conversation-api/internal/infra/security"
)

// Ensure interface compliance
var _ repository.ConversationRepository = (*PostgresConversationRepo)(nil)

// PostgresConversationRepo keeps conversation metadata in `conversations` and
// the ordered history in `conversation_messages`. Message content is encrypted
// at rest when a cipher is configured.
type PostgresConversationRepo struct {
	pool   *pgxpool.Pool
	cipher *security.ContentCipher
}

func NewPostgresConversationRepo(pool *pgxpool.Pool, cipher *security.ContentCipher) *PostgresConversationRepo {
	return &PostgresConversationRepo{pool: pool, cipher: cipher}
}

var readSnapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (r *PostgresConversationRepo) Insert(ctx context.Context, tx repository.Tx, c *model.Conversation) error {
	const q = `
INSERT INTO conversations (id, name, params, tokens, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6);`
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	params, err := encodeParams(c.Params)
	if err != nil {
		return err
	}
	if _, err := ex.Exec(ctx, q, c.ID, c.Name, params, c.Tokens, c.CreatedAt, c.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *PostgresConversationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	const qConv = `
SELECT id, name, params, tokens, created_at, updated_at
  FROM conversations
 WHERE id = $1;`
	const qMsgs = `
SELECT role, content, name, encrypted
  FROM conversation_messages
 WHERE conversation_id = $1
 ORDER BY seq;`

	var out *model.Conversation
	err := inTx(ctx, r.pool, tx, readSnapshot, func(q querier) error {
		c, err := scanConversation(q.QueryRow(ctx, qConv, id))
		if err != nil {
			return err
		}
		rows, err := q.Query(ctx, qMsgs, id)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := r.scanMessage(rows)
			if err != nil {
				return err
			}
			c.Messages = append(c.Messages, m)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate messages: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresConversationRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error) {
	const qConv = `
SELECT id, name, params, tokens, created_at, updated_at
  FROM conversations
 ORDER BY created_at, id;`
	const qMsgs = `
SELECT conversation_id, role, content, name, encrypted
  FROM conversation_messages
 ORDER BY conversation_id, seq;`

	var out []*model.Conversation
	err := inTx(ctx, r.pool, tx, readSnapshot, func(q querier) error {
		rows, err := q.Query(ctx, qConv)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		byID := make(map[string]*model.Conversation)
		for rows.Next() {
			c, err := scanConversation(rows)
			if err != nil {
				rows.Close()
				return err
			}
			byID[c.ID] = c
			out = append(out, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate conversations: %w", err)
		}

		mrows, err := q.Query(ctx, qMsgs)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		defer mrows.Close()
		for mrows.Next() {
			var convID string
			var m model.Message
			var role string
			var encrypted bool
			if err := mrows.Scan(&convID, &role, &m.Content, &m.Name, &encrypted); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			m.Role = model.Role(role)
			if m.Content, err = r.cipher.Open(m.Content, encrypted); err != nil {
				return fmt.Errorf("decrypt message: %w", err)
			}
			if c, ok := byID[convID]; ok {
				c.Messages = append(c.Messages, m)
			}
		}
		return mrows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresConversationRepo) UpdateMetadata(ctx context.Context, tx repository.Tx, id string, patch model.MetadataPatch) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	const q = `
UPDATE conversations
   SET name       = COALESCE($2, name),
       params     = COALESCE($3::jsonb, params),
       updated_at = NOW()
 WHERE id = $1;`
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	var params *string
	if patch.Params != nil {
		s, err := encodeParams(patch.Params)
		if err != nil {
			return err
		}
		params = &s
	}
	ct, err := ex.Exec(ctx, q, id, patch.Name, params)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendMessages bumps the token total and appends msgs in one transaction.
// The UPDATE takes the row lock first, so concurrent appends to the same
// conversation serialize and a concurrent delete surfaces as ErrNotFound.
func (r *PostgresConversationRepo) AppendMessages(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	const qBump = `
UPDATE conversations
   SET tokens = tokens + $2, updated_at = NOW()
 WHERE id = $1;`
	const qIns = `
INSERT INTO conversation_messages (conversation_id, role, content, name, encrypted)
VALUES ($1, $2, $3, $4, $5);`

	return inTx(ctx, r.pool, tx, pgx.TxOptions{}, func(q querier) error {
		ct, err := q.Exec(ctx, qBump, id, tokens)
		if err != nil {
			return fmt.Errorf("bump tokens: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		for _, m := range msgs {
			content, encrypted, err := r.cipher.Seal(m.Content)
			if err != nil {
				return fmt.Errorf("encrypt message: %w", err)
			}
			if _, err := q.Exec(ctx, qIns, id, string(m.Role), content, m.Name, encrypted); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

func (r *PostgresConversationRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	ct, err := ex.Exec(ctx, `DELETE FROM conversations WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	var raw []byte
	if err := row.Scan(&c.ID, &c.Name, &raw, &c.Tokens, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	params, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}
	c.Params = params
	c.Messages = []model.Message{}
	return &c, nil
}

func (r *PostgresConversationRepo) scanMessage(rows pgx.Rows) (model.Message, error) {
	var m model.Message
	var role string
	var encrypted bool
	if err := rows.Scan(&role, &m.Content, &m.Name, &encrypted); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.Role = model.Role(role)
	content, err := r.cipher.Open(m.Content, encrypted)
	if err != nil {
		return m, fmt.Errorf("decrypt message: %w", err)
	}
	m.Content = content
	return m, nil
}

func encodeParams(p model.Params) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}

// decodeParams keeps numbers as float64 so accessors behave the same on every
// store.
func decodeParams(raw []byte) (model.Params, error) {
	p := model.Params{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}
