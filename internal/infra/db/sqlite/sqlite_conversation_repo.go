// Package sqlite is the single-file conversation store used for local runs
// and tests. It mirrors the postgres store's semantics.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	msqlite "modernc.org/sqlite" // Pure Go SQLite driver
	sqlite3 "modernc.org/sqlite/lib"

	"conversation-api/internal/domain"
	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/repository"
	"conversation-api/internal/infra/security"
)

var _ repository.ConversationRepository = (*ConversationRepo)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    params     TEXT NOT NULL DEFAULT '{}',
    tokens     INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_messages (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    name            TEXT NOT NULL DEFAULT '',
    encrypted       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conversation_id, seq);
`

type ConversationRepo struct {
	db     *sql.DB
	cipher *security.ContentCipher
}

// Open opens (or creates) the database at path and applies the schema.
// The pool is capped at one connection, which serializes writers and keeps
// ":memory:" databases shared.
func Open(ctx context.Context, path string, cipher *security.ContentCipher) (*ConversationRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &ConversationRepo{db: db, cipher: cipher}, nil
}

func (r *ConversationRepo) Close() error { return r.db.Close() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *ConversationRepo) executor(tx repository.Tx) (execer, error) {
	switch v := tx.(type) {
	case *sql.Tx:
		return v, nil
	case nil:
		return r.db, nil
	default:
		return nil, domain.ErrInvalidExecContext
	}
}

func (r *ConversationRepo) inTx(ctx context.Context, tx repository.Tx, fn func(ex execer) error) error {
	if stx, ok := tx.(*sql.Tx); ok {
		return fn(stx)
	}
	if tx != nil {
		return domain.ErrInvalidExecContext
	}
	stx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = stx.Rollback() }()
	if err := fn(stx); err != nil {
		return err
	}
	return stx.Commit()
}

func (r *ConversationRepo) Insert(ctx context.Context, tx repository.Tx, c *model.Conversation) error {
	ex, err := r.executor(tx)
	if err != nil {
		return err
	}
	params, err := json.Marshal(nonNil(c.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO conversations (id, name, params, tokens, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(params), c.Tokens, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Conversation, error) {
	var out *model.Conversation
	err := r.inTx(ctx, tx, func(ex execer) error {
		c, err := scanConversation(ex.QueryRowContext(ctx,
			`SELECT id, name, params, tokens, created_at, updated_at FROM conversations WHERE id = ?`, id))
		if err != nil {
			return err
		}
		rows, err := ex.QueryContext(ctx,
			`SELECT conversation_id, role, content, name, encrypted FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`, id)
		if err != nil {
			return fmt.Errorf("query messages: %w", err)
		}
		defer rows.Close()
		if err := r.collectMessages(rows, map[string]*model.Conversation{c.ID: c}); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (r *ConversationRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Conversation, error) {
	var out []*model.Conversation
	err := r.inTx(ctx, tx, func(ex execer) error {
		rows, err := ex.QueryContext(ctx,
			`SELECT id, name, params, tokens, created_at, updated_at FROM conversations ORDER BY created_at, id`)
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
			return err
		}

		mrows, err := ex.QueryContext(ctx,
			`SELECT conversation_id, role, content, name, encrypted FROM conversation_messages ORDER BY conversation_id, seq`)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		defer mrows.Close()
		return r.collectMessages(mrows, byID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ConversationRepo) UpdateMetadata(ctx context.Context, tx repository.Tx, id string, patch model.MetadataPatch) error {
	ex, err := r.executor(tx)
	if err != nil {
		return err
	}
	var params *string
	if patch.Params != nil {
		b, err := json.Marshal(patch.Params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		s := string(b)
		params = &s
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE conversations SET name = COALESCE(?, name), params = COALESCE(?, params), updated_at = ? WHERE id = ?`,
		patch.Name, params, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return requireRow(res)
}

// AppendMessages bumps tokens and inserts msgs in one transaction; the single
// connection serializes concurrent appends.
func (r *ConversationRepo) AppendMessages(ctx context.Context, tx repository.Tx, id string, msgs []model.Message, tokens int64) error {
	return r.inTx(ctx, tx, func(ex execer) error {
		res, err := ex.ExecContext(ctx,
			`UPDATE conversations SET tokens = tokens + ?, updated_at = ? WHERE id = ?`,
			tokens, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("bump tokens: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		for _, m := range msgs {
			content, encrypted, err := r.cipher.Seal(m.Content)
			if err != nil {
				return fmt.Errorf("encrypt message: %w", err)
			}
			if _, err := ex.ExecContext(ctx,
				`INSERT INTO conversation_messages (conversation_id, role, content, name, encrypted) VALUES (?, ?, ?, ?, ?)`,
				id, string(m.Role), content, m.Name, encrypted); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		return nil
	})
}

func (r *ConversationRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	ex, err := r.executor(tx)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(res)
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var (
		c                model.Conversation
		params           string
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.Name, &params, &c.Tokens, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Params = model.Params{}
	if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	var err error
	if c.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	c.Messages = []model.Message{}
	return &c, nil
}

func (r *ConversationRepo) collectMessages(rows *sql.Rows, byID map[string]*model.Conversation) error {
	for rows.Next() {
		var (
			convID, role string
			m            model.Message
			encrypted    bool
		)
		if err := rows.Scan(&convID, &role, &m.Content, &m.Name, &encrypted); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.Role = model.Role(role)
		content, err := r.cipher.Open(m.Content, encrypted)
		if err != nil {
			return fmt.Errorf("decrypt message: %w", err)
		}
		m.Content = content
		if c, ok := byID[convID]; ok {
			c.Messages = append(c.Messages, m)
		}
	}
	return rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func nonNil(p model.Params) model.Params {
	if p == nil {
		return model.Params{}
	}
	return p
}
