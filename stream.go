package chatcore

import "encoding/json"

// StreamEventType identifies the kind of low-level delta a Provider emits
// while decoding a model's SSE stream. This is the Model Adapter's internal
// vocabulary; the Turn Executor translates it into the broadcast Event kinds
// defined in events.go.
type StreamEventType string

const (
	// EventTextDelta carries an incremental content chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventReasoningDelta carries an incremental reasoning/thinking chunk.
	EventReasoningDelta StreamEventType = "reasoning-delta"
	// EventToolCallDelta carries an accumulating fragment of one tool call's
	// arguments, keyed by Index (chat-completions) or by ToolCallID (responses).
	EventToolCallDelta StreamEventType = "tool-call-delta"
)

// StreamEvent is a low-level delta emitted while a Provider decodes a
// streaming response. Consumers receive these on the channel passed to
// Provider.ChatStream.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Index identifies which tool call a tool-call-delta belongs to, stable
	// across fragments of the same call (chat-completions adapter).
	Index int `json:"index,omitempty"`
	// ToolCallID identifies which tool call a tool-call-delta belongs to
	// (responses adapter, where fragments are keyed by output-item id).
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool's function name, present on the first delta of a call.
	Name string `json:"name,omitempty"`
	// Content carries the text/reasoning delta, or an accumulating fragment
	// of a tool call's argument JSON.
	Content string `json:"content,omitempty"`
	// Args carries a complete argument fragment when the wire format sends
	// arguments whole rather than incrementally.
	Args json.RawMessage `json:"args,omitempty"`
}
