// Package sqlite implements chatcore.Store using pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatcore/chatcore"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chatcore.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chatcore.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so that all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors caused by
// concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables, matching the logical schema shared with
// store/postgres: sessions, messages, session_summaries_v2.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			project_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			description TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			reasoning TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			metadata TEXT,
			summarized_at INTEGER,
			summary_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_summaries_v2 (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			summary_model TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			source_start_message_id TEXT,
			source_end_message_id TEXT,
			last_message_created_at INTEGER NOT NULL DEFAULT 0,
			source_message_count INTEGER NOT NULL DEFAULT 0,
			source_estimated_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_session ON session_summaries_v2(session_id, created_at)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migration, best-effort: older databases created before
	// last_message_created_at existed.
	_, _ = s.db.ExecContext(ctx, `ALTER TABLE session_summaries_v2 ADD COLUMN last_message_created_at INTEGER NOT NULL DEFAULT 0`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, session chatcore.Session) error {
	start := time.Now()
	s.logger.Debug("sqlite: create session", "id", session.ID, "user_id", session.UserID)

	metaJSON, err := marshalMeta(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, project_id, title, description, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.ProjectID, session.Title, session.Description, metaJSON,
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create session failed", "id", session.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create session: %w", err)
	}
	s.logger.Debug("sqlite: create session ok", "id", session.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (chatcore.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get session", "id", id)

	var session chatcore.Session
	var userID, projectID, description sql.NullString
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, project_id, title, description, metadata, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &userID, &projectID, &session.Title, &description, &metaJSON, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		s.logger.Error("sqlite: get session failed", "id", id, "error", err, "duration", time.Since(start))
		return chatcore.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.UserID = userID.String
	session.ProjectID = projectID.String
	session.Description = description.String
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &session.Metadata)
	}
	s.logger.Debug("sqlite: get session ok", "id", id, "duration", time.Since(start))
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]chatcore.Session, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list sessions", "user_id", userID, "limit", limit)

	query := `SELECT id, user_id, project_id, title, description, metadata, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list sessions failed", "user_id", userID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []chatcore.Session
	for rows.Next() {
		var session chatcore.Session
		var uID, projectID, description sql.NullString
		var metaJSON sql.NullString
		if err := rows.Scan(&session.ID, &uID, &projectID, &session.Title, &description, &metaJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.UserID = uID.String
		session.ProjectID = projectID.String
		session.Description = description.String
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &session.Metadata)
		}
		sessions = append(sessions, session)
	}
	s.logger.Debug("sqlite: list sessions ok", "user_id", userID, "count", len(sessions), "duration", time.Since(start))
	return sessions, rows.Err()
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	start := time.Now()
	s.logger.Debug("sqlite: update session title", "id", id, "title", title)

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, chatcore.NowUnix(), id,
	)
	if err != nil {
		s.logger.Error("sqlite: update session title failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update session title: %w", err)
	}
	s.logger.Debug("sqlite: update session title ok", "id", id, "duration", time.Since(start))
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
	start := time.Now()
	s.logger.Debug("sqlite: insert message", "id", msg.ID, "session_id", msg.SessionID, "role", msg.Role)

	var toolCallsJSON *string
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return chatcore.Message{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		v := string(data)
		toolCallsJSON = &v
	}
	var metaJSON *string
	if len(msg.Metadata) > 0 {
		v := string(msg.Metadata)
		metaJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, reasoning, tool_calls, tool_call_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, nullIfEmpty(msg.Reasoning), toolCallsJSON,
		nullIfEmpty(msg.ToolCallID), metaJSON, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return chatcore.Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.logger.Debug("sqlite: insert message ok", "id", msg.ID, "duration", time.Since(start))
	return msg, nil
}

func (s *Store) GetBySession(ctx context.Context, session string, limit int, offset int) ([]chatcore.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get by session", "session_id", session, "limit", limit, "offset", offset)

	query := `SELECT id, session_id, role, content, reasoning, tool_calls, tool_call_id, metadata, summarized_at, summary_id, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{session}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: get by session failed", "session_id", session, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get by session: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: get by session ok", "session_id", session, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

func (s *Store) GetBySessionAfter(ctx context.Context, session string, cutoff int64, limit int) ([]chatcore.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get by session after", "session_id", session, "cutoff", cutoff, "limit", limit)

	query := `SELECT id, session_id, role, content, reasoning, tool_calls, tool_call_id, metadata, summarized_at, summary_id, created_at
		FROM messages WHERE session_id = ? AND created_at > ? ORDER BY created_at ASC, id ASC`
	args := []any{session, cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: get by session after failed", "session_id", session, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get by session after: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: get by session after ok", "session_id", session, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]chatcore.Message, error) {
	var messages []chatcore.Message
	for rows.Next() {
		var m chatcore.Message
		var reasoning, toolCallsJSON, toolCallID, metaJSON, summaryID sql.NullString
		var summarizedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &reasoning, &toolCallsJSON,
			&toolCallID, &metaJSON, &summarizedAt, &summaryID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Reasoning = reasoning.String
		m.ToolCallID = toolCallID.String
		m.SummaryID = summaryID.String
		m.SummarizedAt = summarizedAt.Int64
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			m.Metadata = json.RawMessage(metaJSON.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) MarkSummarized(ctx context.Context, ids []string, summaryID string, summarizedAt int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: mark summarized", "count", len(ids), "summary_id", summaryID)

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, summaryID, summarizedAt)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE messages SET summary_id = ?, summarized_at = ? WHERE id IN (%s)`, joinPlaceholders(placeholders))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: mark summarized failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("mark summarized: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: mark summarized ok", "updated", n, "duration", time.Since(start))
	return int(n), nil
}

// --- Summaries ---

func (s *Store) CreateSummary(ctx context.Context, summary chatcore.SessionSummary) error {
	start := time.Now()
	s.logger.Debug("sqlite: create summary", "id", summary.ID, "session_id", summary.SessionID, "trigger", summary.Trigger)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_summaries_v2
		 (id, session_id, summary_text, summary_model, trigger_type, source_start_message_id, source_end_message_id,
		  last_message_created_at, source_message_count, source_estimated_tokens, status, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.SessionID, summary.Text, summary.Model, string(summary.Trigger),
		nullIfEmpty(summary.SourceStartMessageID), nullIfEmpty(summary.SourceEndMessageID),
		summary.LastMessageCreatedAt, summary.SourceMessageCount, summary.SourceEstimatedTokens,
		string(summary.Status), nullIfEmpty(summary.Error), summary.CreatedAt, summary.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create summary failed", "id", summary.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create summary: %w", err)
	}
	s.logger.Debug("sqlite: create summary ok", "id", summary.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) LatestSummary(ctx context.Context, session string) (chatcore.SessionSummary, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: latest summary", "session_id", session)

	var sum chatcore.SessionSummary
	var trigger, status string
	var startID, endID, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, summary_text, summary_model, trigger_type, source_start_message_id, source_end_message_id,
		        last_message_created_at, source_message_count, source_estimated_tokens, status, error_message, created_at, updated_at
		 FROM session_summaries_v2 WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, session,
	).Scan(&sum.ID, &sum.SessionID, &sum.Text, &sum.Model, &trigger, &startID, &endID,
		&sum.LastMessageCreatedAt, &sum.SourceMessageCount, &sum.SourceEstimatedTokens, &status, &errMsg,
		&sum.CreatedAt, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: latest summary not found", "session_id", session, "duration", time.Since(start))
		return chatcore.SessionSummary{}, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: latest summary failed", "session_id", session, "error", err, "duration", time.Since(start))
		return chatcore.SessionSummary{}, false, fmt.Errorf("latest summary: %w", err)
	}
	sum.Trigger = chatcore.SummaryTrigger(trigger)
	sum.Status = chatcore.SummaryStatus(status)
	sum.SourceStartMessageID = startID.String
	sum.SourceEndMessageID = endID.String
	sum.Error = errMsg.String
	s.logger.Debug("sqlite: latest summary ok", "session_id", session, "id", sum.ID, "duration", time.Since(start))
	return sum, true, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func marshalMeta(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	v := string(data)
	return &v, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}
