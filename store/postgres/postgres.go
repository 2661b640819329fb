// Package postgres implements chatcore.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatcore/chatcore"
)

// Store implements chatcore.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ chatcore.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			project_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			description TEXT,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			tool_calls JSONB,
			tool_call_id TEXT,
			metadata JSONB,
			summarized_at BIGINT,
			summary_id TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS session_summaries_v2 (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			summary_model TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			source_start_message_id TEXT,
			source_end_message_id TEXT,
			last_message_created_at BIGINT NOT NULL DEFAULT 0,
			source_message_count INTEGER NOT NULL DEFAULT 0,
			source_estimated_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS summaries_session_idx ON session_summaries_v2(session_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: exec %q: %w", stmt, err)
		}
	}
	return nil
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, session chatcore.Session) error {
	meta, err := marshalMeta(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, project_id, title, description, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.UserID, session.ProjectID, session.Title, session.Description, meta,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (chatcore.Session, error) {
	var session chatcore.Session
	var userID, projectID, description *string
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, project_id, title, description, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&session.ID, &userID, &projectID, &session.Title, &description, &metaJSON, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return chatcore.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.UserID = derefStr(userID)
	session.ProjectID = derefStr(projectID)
	session.Description = derefStr(description)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &session.Metadata)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]chatcore.Session, error) {
	query := `SELECT id, user_id, project_id, title, description, metadata, created_at, updated_at
		FROM sessions WHERE user_id = $1 ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []chatcore.Session
	for rows.Next() {
		var session chatcore.Session
		var uID, projectID, description *string
		var metaJSON []byte
		if err := rows.Scan(&session.ID, &uID, &projectID, &session.Title, &description, &metaJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.UserID = derefStr(uID)
		session.ProjectID = derefStr(projectID)
		session.Description = derefStr(description)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &session.Metadata)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3`,
		title, chatcore.NowUnix(), id,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// --- Messages ---

func (s *Store) SaveUser(ctx context.Context, session, content string, metadata json.RawMessage) (chatcore.Message, error) {
	return s.insertMessage(ctx, chatcore.Message{
		ID: chatcore.NewID(), SessionID: session, Role: "user", Content: content,
		Metadata: metadata, CreatedAt: chatcore.NowUnix(),
	})
}

func (s *Store) SaveAssistant(ctx context.Context, session, content, reasoning string, metadata json.RawMessage, toolCalls []chatcore.ToolCall) (chatcore.Message, error) {
	return s.insertMessage(ctx, chatcore.Message{
		ID: chatcore.NewID(), SessionID: session, Role: "assistant", Content: content,
		Reasoning: reasoning, ToolCalls: toolCalls, Metadata: metadata, CreatedAt: chatcore.NowUnix(),
	})
}

func (s *Store) SaveTool(ctx context.Context, session, content, toolCallID string, metadata json.RawMessage) (chatcore.Message, error) {
	return s.insertMessage(ctx, chatcore.Message{
		ID: chatcore.NewID(), SessionID: session, Role: "tool", Content: content,
		ToolCallID: toolCallID, Metadata: metadata, CreatedAt: chatcore.NowUnix(),
	})
}

func (s *Store) insertMessage(ctx context.Context, msg chatcore.Message) (chatcore.Message, error) {
	var toolCallsJSON []byte
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return chatcore.Message{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCallsJSON = data
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, reasoning, tool_calls, tool_call_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, nullIfEmpty(msg.Reasoning), toolCallsJSON,
		nullIfEmpty(msg.ToolCallID), []byte(msg.Metadata), msg.CreatedAt,
	)
	if err != nil {
		return chatcore.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *Store) GetBySession(ctx context.Context, session string, limit int, offset int) ([]chatcore.Message, error) {
	query := `SELECT id, session_id, role, content, reasoning, tool_calls, tool_call_id, metadata, summarized_at, summary_id, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`
	args := []any{session}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get by session: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) GetBySessionAfter(ctx context.Context, session string, cutoff int64, limit int) ([]chatcore.Message, error) {
	query := `SELECT id, session_id, role, content, reasoning, tool_calls, tool_call_id, metadata, summarized_at, summary_id, created_at
		FROM messages WHERE session_id = $1 AND created_at > $2 ORDER BY created_at ASC, id ASC`
	args := []any{session, cutoff}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get by session after: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]chatcore.Message, error) {
	var messages []chatcore.Message
	for rows.Next() {
		var m chatcore.Message
		var reasoning, toolCallID, summaryID *string
		var toolCallsJSON, metaJSON []byte
		var summarizedAt *int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &reasoning, &toolCallsJSON,
			&toolCallID, &metaJSON, &summarizedAt, &summaryID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Reasoning = derefStr(reasoning)
		m.ToolCallID = derefStr(toolCallID)
		m.SummaryID = derefStr(summaryID)
		if summarizedAt != nil {
			m.SummarizedAt = *summarizedAt
		}
		if len(toolCallsJSON) > 0 {
			_ = json.Unmarshal(toolCallsJSON, &m.ToolCalls)
		}
		if len(metaJSON) > 0 {
			m.Metadata = json.RawMessage(metaJSON)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) MarkSummarized(ctx context.Context, ids []string, summaryID string, summarizedAt int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET summary_id = $1, summarized_at = $2 WHERE id = ANY($3)`,
		summaryID, summarizedAt, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("mark summarized: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Summaries ---

func (s *Store) CreateSummary(ctx context.Context, summary chatcore.SessionSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_summaries_v2
		 (id, session_id, summary_text, summary_model, trigger_type, source_start_message_id, source_end_message_id,
		  last_message_created_at, source_message_count, source_estimated_tokens, status, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		summary.ID, summary.SessionID, summary.Text, summary.Model, string(summary.Trigger),
		nullIfEmpty(summary.SourceStartMessageID), nullIfEmpty(summary.SourceEndMessageID),
		summary.LastMessageCreatedAt, summary.SourceMessageCount, summary.SourceEstimatedTokens,
		string(summary.Status), nullIfEmpty(summary.Error), summary.CreatedAt, summary.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	return nil
}

func (s *Store) LatestSummary(ctx context.Context, session string) (chatcore.SessionSummary, bool, error) {
	var sum chatcore.SessionSummary
	var trigger, status string
	var startID, endID, errMsg *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, summary_text, summary_model, trigger_type, source_start_message_id, source_end_message_id,
		        last_message_created_at, source_message_count, source_estimated_tokens, status, error_message, created_at, updated_at
		 FROM session_summaries_v2 WHERE session_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, session,
	).Scan(&sum.ID, &sum.SessionID, &sum.Text, &sum.Model, &trigger, &startID, &endID,
		&sum.LastMessageCreatedAt, &sum.SourceMessageCount, &sum.SourceEstimatedTokens, &status, &errMsg,
		&sum.CreatedAt, &sum.UpdatedAt)
	if err == pgx.ErrNoRows {
		return chatcore.SessionSummary{}, false, nil
	}
	if err != nil {
		return chatcore.SessionSummary{}, false, fmt.Errorf("latest summary: %w", err)
	}
	sum.Trigger = chatcore.SummaryTrigger(trigger)
	sum.Status = chatcore.SummaryStatus(status)
	sum.SourceStartMessageID = derefStr(startID)
	sum.SourceEndMessageID = derefStr(endID)
	sum.Error = derefStr(errMsg)
	return sum, true, nil
}

// Close closes the underlying pool unconditionally, even though New's caller
// created and owns it.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
