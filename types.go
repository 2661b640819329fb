package chatcore

import "encoding/json"

// --- Session domain types (database records) ---

// Session is the identity for one conversation.
type Session struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Message is one persisted element of a session's history.
//
// Invariants: a tool-role message always carries ToolCallID; an assistant-role
// message may carry ToolCalls but never a ToolCallID. Once SummarizedAt is set
// the row is excluded from future prompt windows until explicitly un-marked —
// the core never does that itself.
type Message struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Role         string          `json:"role"` // "user", "assistant", "tool"
	Content      string          `json:"content"`
	Reasoning    string          `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	SummarizedAt int64           `json:"summarized_at,omitempty"`
	SummaryID    string          `json:"summary_id,omitempty"`
	CreatedAt    int64           `json:"created_at"`
}

// SummaryTrigger identifies why a SessionSummary was produced.
type SummaryTrigger string

const (
	TriggerMessageLimit SummaryTrigger = "MessageLimit"
	TriggerTokenLimit   SummaryTrigger = "TokenLimit"
	TriggerOverflowRetry SummaryTrigger = "OverflowRetry"
)

// SummaryStatus is the outcome of producing a SessionSummary.
type SummaryStatus string

const (
	SummaryDone   SummaryStatus = "done"
	SummaryFailed SummaryStatus = "failed"
)

// SessionSummary is a produced context envelope replacing a prefix of a
// session's raw history in future prompt windows.
type SessionSummary struct {
	ID                    string         `json:"id"`
	SessionID             string         `json:"session_id"`
	Text                   string         `json:"text"`
	Model                  string         `json:"model"`
	Trigger                SummaryTrigger `json:"trigger"`
	SourceStartMessageID   string         `json:"source_start_message_id"`
	SourceEndMessageID     string         `json:"source_end_message_id"`
	// LastMessageCreatedAt is SourceEndMessageID's created_at, cached here so
	// the Context Builder can cut the history window with GetBySessionAfter
	// without an extra lookup. A message is covered by this summary when its
	// created_at <= LastMessageCreatedAt (ties included).
	LastMessageCreatedAt   int64          `json:"last_message_created_at"`
	SourceMessageCount     int            `json:"source_message_count"`
	SourceEstimatedTokens  int            `json:"source_estimated_tokens"`
	Status                 SummaryStatus  `json:"status"`
	Error                  string         `json:"error,omitempty"`
	CreatedAt              int64          `json:"created_at"`
	UpdatedAt              int64          `json:"updated_at"`
}

// ThinkingLevel is a provider-specific reasoning-effort setting. Only the gpt
// provider accepts a non-empty value.
type ThinkingLevel string

const (
	ThinkingNone    ThinkingLevel = "none"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// AiModelConfig binds a session or agent to a concrete provider and model.
type AiModelConfig struct {
	ID                string        `json:"id"`
	Provider          string        `json:"provider"` // "gpt", "deepseek", "kimik2"
	Model             string        `json:"model"`
	ThinkingLevel     ThinkingLevel `json:"thinking_level,omitempty"`
	APIKey            string        `json:"api_key,omitempty"`
	BaseURL           string        `json:"base_url,omitempty"`
	SupportsImages    bool          `json:"supports_images"`
	SupportsReasoning bool          `json:"supports_reasoning"`
	SupportsResponses bool          `json:"supports_responses"`
}

// Agent is a bound preset: a name, a model config, and the MCP servers and
// sub-agents it may call. It is a plain descriptor — the Turn Executor is
// what actually runs a loop, not the Agent itself.
type Agent struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AiModelConfigID string   `json:"ai_model_config_id"`
	SystemContextID string   `json:"system_context_id,omitempty"`
	Description     string   `json:"description,omitempty"`
	McpConfigIDs    []string `json:"mcp_config_ids,omitempty"`
	CallableAgentIDs []string `json:"callable_agent_ids,omitempty"`
	ProjectID       string   `json:"project_id,omitempty"`
	WorkspaceDir    string   `json:"workspace_dir,omitempty"`
	Enabled         bool     `json:"enabled"`
}

// McpServerType discriminates the three McpServer descriptor variants.
type McpServerType string

const (
	McpHTTP    McpServerType = "http"
	McpStdio   McpServerType = "stdio"
	McpBuiltin McpServerType = "builtin"
)

// BuiltinKind enumerates the in-process builtin tool server kinds named by
// the data model. Only their uniform dispatch surface is implemented here —
// the concrete tool logic behind code-reader/code-writer/terminal/
// sub-agent-router is an external collaborator; task-manager ships a minimal
// reference implementation (TaskReviewBuiltin in review.go) because the Turn
// Executor's review scenario (S6) exercises it directly.
type BuiltinKind string

const (
	BuiltinCodeReader     BuiltinKind = "code-reader"
	BuiltinCodeWriter     BuiltinKind = "code-writer"
	BuiltinTerminal       BuiltinKind = "terminal"
	BuiltinSubAgentRouter BuiltinKind = "sub-agent-router"
	BuiltinTaskManager    BuiltinKind = "task-manager"
)

// McpServer describes one tool provider. Exactly one of HTTP/Stdio/Builtin is
// populated, selected by Type. All tool names it exposes are globally
// disambiguated as "{Name}_{tool_name}".
type McpServer struct {
	Name string        `json:"name"`
	Type McpServerType `json:"type"`

	// HTTP variant.
	URL string `json:"url,omitempty"`

	// Stdio variant.
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Sandboxed bool              `json:"sandboxed,omitempty"`

	// Builtin variant.
	Kind              BuiltinKind `json:"kind,omitempty"`
	WorkspaceDir      string      `json:"workspace_dir,omitempty"`
	MaxOutputBytes    int         `json:"max_output_bytes,omitempty"`
	ReviewTimeoutMS   int         `json:"review_timeout_ms,omitempty"`
}

// --- Transient tool-call/tool-result types ---

// ToolCall is a function call the model asked to make. Args may arrive as a
// stream of string fragments from the model adapter and must be accumulated
// before it is considered complete (see DESIGN.md / SPEC_FULL.md §9).
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ToolResult is the outcome of dispatching one ToolCall. Every accumulated
// ToolCall is replied to by exactly one final ToolResult in the same turn,
// unless the turn is cancelled before dispatch.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	IsError    bool   `json:"is_error"`
	Content    string `json:"content"`
	IsStream   bool   `json:"is_stream"`
}

// --- LLM wire-protocol types ---

// ChatMessage is one entry of a prompt window sent to a Provider.
type ChatMessage struct {
	Role        string          `json:"role"` // "system", "user", "assistant", "tool"
	Content     string          `json:"content"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. thought signatures)
}

// Attachment is an inbound descriptor normalized by the Attachment Adapter
// before it reaches the Context Builder. Exactly one of DataURL/Text carries
// the payload; MimeType drives which Attachment Adapter path applies.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size,omitempty"`
	DataURL  string `json:"data_url,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ResponseSchema tells the provider to enforce structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// ChatRequest is a normalized request to a Provider.
type ChatRequest struct {
	Model          string          `json:"model"`
	Instructions   string          `json:"instructions,omitempty"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ThinkingLevel  ThinkingLevel   `json:"thinking_level,omitempty"`
	ResponseSchema *ResponseSchema `json:"response_schema,omitempty"`
}

// ChatResponse is a normalized response from a Provider.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
	ResponseID   string     `json:"response_id,omitempty"`
}

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// ToolDefinition describes one callable tool in the model's function-tool
// envelope, after server-scoped name disambiguation and schema normalization.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
