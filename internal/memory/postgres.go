package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a pgx pool: tables are bootstrapped on
// demand, and each turn batch is appended with a single INSERT. The
// session's updated_at and token counter are written by a separate
// UpdateSession call, not in the same transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    conversation_summary TEXT NOT NULL DEFAULT '',
    summarized_count INT NOT NULL DEFAULT 0,
    total_tokens INT NOT NULL DEFAULT 0,
    context_metadata JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS memory_batches (
    id UUID PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES memory_sessions(id) ON DELETE CASCADE,
    messages JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS memory_batches_session_created_idx ON memory_batches(session_id, created_at DESC);
`)
	return err
}

func (s *Postgres) EnsureSession(ctx context.Context, id, userID string) (Session, error) {
	row := s.pool.QueryRow(ctx, `
WITH ins AS (
  INSERT INTO memory_sessions (id, user_id) VALUES ($1, $2)
  ON CONFLICT (id) DO NOTHING
  RETURNING id, user_id, created_at, updated_at, conversation_summary, summarized_count, total_tokens, context_metadata
)
SELECT id, user_id, created_at, updated_at, conversation_summary, summarized_count, total_tokens, context_metadata FROM ins
UNION ALL
SELECT id, user_id, created_at, updated_at, conversation_summary, summarized_count, total_tokens, context_metadata
FROM memory_sessions WHERE id = $1
LIMIT 1`, id, userID)
	return scanSession(row)
}

func (s *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, created_at, updated_at, conversation_summary, summarized_count, total_tokens, context_metadata
FROM memory_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return session, err
}

func (s *Postgres) UpdateSession(ctx context.Context, session Session) error {
	md, err := json.Marshal(session.ContextMetadata)
	if err != nil {
		return fmt.Errorf("marshal context metadata: %w", err)
	}
	cmd, err := s.pool.Exec(ctx, `
UPDATE memory_sessions
SET updated_at = NOW(), conversation_summary = $2, summarized_count = $3, total_tokens = $4, context_metadata = $5
WHERE id = $1`, session.ID, session.ConversationSummary, session.SummarizedCount, session.TotalTokens, md)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Postgres) AppendBatch(ctx context.Context, batch MessageBatch) error {
	msgs, err := json.Marshal(batch.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_batches (id, session_id, messages, created_at)
VALUES ($1, $2, $3, $4)`, uuid.NewString(), batch.SessionID, msgs, createdAt)
	return err
}

func (s *Postgres) LoadBatches(ctx context.Context, sessionID string) ([]MessageBatch, error) {
	rows, err := s.pool.Query(ctx, `
SELECT session_id, messages, created_at FROM memory_batches
WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageBatch
	for rows.Next() {
		var batch MessageBatch
		var raw []byte
		if err := rows.Scan(&batch.SessionID, &raw, &batch.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &batch.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_sessions WHERE id = $1`, id)
	return err
}

func scanSession(row pgx.Row) (Session, error) {
	var session Session
	var md []byte
	if err := row.Scan(&session.ID, &session.UserID, &session.CreatedAt, &session.UpdatedAt,
		&session.ConversationSummary, &session.SummarizedCount, &session.TotalTokens, &md); err != nil {
		return Session{}, err
	}
	if len(md) > 0 {
		_ = json.Unmarshal(md, &session.ContextMetadata)
	}
	return session, nil
}
