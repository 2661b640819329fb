package chatcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Builtin is an in-process tool source — one of the data model's "builtin"
// McpServer kinds. Execute receives the call's bare (unprefixed) tool name.
type Builtin interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// StreamingBuiltin is a Builtin whose Execute may emit intermediate progress
// before its final ToolResult; the Turn Executor forwards each chunk as a
// tools_stream event carrying the same tool_call_id.
type StreamingBuiltin interface {
	Builtin
	ExecuteStream(ctx context.Context, name string, args json.RawMessage, onChunk func(content string)) (ToolResult, error)
}

// Transport dispatches tool calls to an out-of-process McpServer (HTTP or
// stdio). Concrete implementations live in package mcp (client.go for the
// HTTP/JSON-RPC variant, stdio.go for the plain and sandboxed stdio
// variants); Transport is the seam tool.go dispatches through so the
// registry never depends on transport-specific wire details.
type Transport interface {
	ListTools(ctx context.Context) ([]RawToolInfo, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (content string, isError bool, err error)
}

// RawToolInfo is one tool description as returned by a Transport's ListTools,
// before server-scoped name prefixing and schema normalization.
type RawToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolEntry is one registered tool after construction: its exposed
// (server-prefixed) definition plus enough metadata to dispatch a call.
type toolEntry struct {
	def        ToolDefinition
	original   string
	serverName string
	serverType McpServerType
	transport  Transport  // set for http/stdio entries
	builtin    Builtin    // set for builtin entries
}

// Registry holds every tool exposed to a Turn Executor's Model Adapter calls,
// built once per turn (or cached across turns when the server set is static)
// by querying each configured McpServer.
type Registry struct {
	entries map[string]toolEntry // keyed by exposed name "{server}_{name}"
	logger  *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]toolEntry), logger: slog.Default()}
}

// AddBuiltin registers an in-process builtin under serverName, computing the
// exposed name "{serverName}_{name}" for each of its definitions and
// promoting the schema to strict mode.
func (r *Registry) AddBuiltin(serverName string, b Builtin) {
	for _, d := range b.Definitions() {
		exposed := exposedName(serverName, d.Name)
		r.entries[exposed] = toolEntry{
			def:        ToolDefinition{Name: exposed, Description: d.Description, Parameters: strictSchema(d.Parameters)},
			original:   d.Name,
			serverName: serverName,
			serverType: McpBuiltin,
			builtin:    b,
		}
	}
}

// AddTransport registers every tool discovered via transport's ListTools
// under serverName. Call at registry-construction time (per turn, or once
// if the server set is cached across turns).
func (r *Registry) AddTransport(ctx context.Context, serverName string, serverType McpServerType, transport Transport) error {
	raw, err := transport.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools from %q: %w", serverName, err)
	}
	for _, info := range raw {
		exposed := exposedName(serverName, info.Name)
		r.entries[exposed] = toolEntry{
			def:        ToolDefinition{Name: exposed, Description: info.Description, Parameters: strictSchema(info.InputSchema)},
			original:   info.Name,
			serverName: serverName,
			serverType: serverType,
			transport:  transport,
		}
	}
	return nil
}

// exposedName computes the globally disambiguated tool name per §4.8.
func exposedName(server, name string) string {
	return server + "_" + name
}

// AllDefinitions returns the exposed tool-function envelope for every
// registered tool, ready to pass as ChatRequest.Tools.
func (r *Registry) AllDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	return defs
}

// Dispatch executes calls in order (ordering within a round is sequential,
// per §4.8 — parallelism is not required). abortCheck is polled before each
// call; once it reports true, dispatch stops and returns the results
// accumulated so far. onStream, if non-nil, is invoked with each streaming
// builtin's intermediate chunks.
func (r *Registry) Dispatch(ctx context.Context, calls []ToolCall, abortCheck func() bool, onStream func(toolCallID, name, content string)) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		if abortCheck != nil && abortCheck() {
			return results
		}
		results = append(results, r.dispatchOne(ctx, call, onStream))
	}
	return results
}

func (r *Registry) dispatchOne(ctx context.Context, call ToolCall, onStream func(toolCallID, name, content string)) ToolResult {
	entry, ok := r.entries[call.Name]
	if !ok {
		return ToolResult{ToolCallID: call.ID, Name: call.Name, Success: false, IsError: true, Content: "tool not found"}
	}

	args := call.Args
	if len(args) > 0 && args[0] == '"' {
		// Arguments arrived as a JSON string containing JSON — unwrap once.
		var unwrapped string
		if err := json.Unmarshal(args, &unwrapped); err == nil {
			args = json.RawMessage(unwrapped)
		}
	}
	if !json.Valid(args) {
		return ToolResult{ToolCallID: call.ID, Name: call.Name, Success: false, IsError: true, Content: "invalid arguments"}
	}

	var (
		result ToolResult
		err    error
	)
	switch {
	case entry.builtin != nil:
		if sb, ok := entry.builtin.(StreamingBuiltin); ok && onStream != nil {
			result, err = sb.ExecuteStream(ctx, entry.original, args, func(content string) {
				onStream(call.ID, call.Name, content)
			})
		} else {
			result, err = entry.builtin.Execute(ctx, entry.original, args)
		}
	case entry.transport != nil:
		var content string
		var isError bool
		content, isError, err = entry.transport.CallTool(ctx, entry.original, args)
		result = ToolResult{Content: content, IsError: isError}
	}

	result.ToolCallID = call.ID
	result.Name = call.Name
	if err != nil {
		r.logger.Warn("tool dispatch failed", "tool", call.Name, "error", err)
		result.IsError = true
		result.Success = false
		result.Content = err.Error()
		return result
	}
	result.Success = !result.IsError
	return result
}

// strictSchema recursively sets additionalProperties=false on every object
// schema and promotes every declared properties key into required[],
// matching the responses-API strict function-calling convention.
func strictSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return schema
	}
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return schema
	}
	strictSchemaNode(node)
	out, err := json.Marshal(node)
	if err != nil {
		return schema
	}
	return out
}

func strictSchemaNode(node map[string]any) {
	if typ, _ := node["type"].(string); typ == "object" || node["properties"] != nil {
		node["additionalProperties"] = false
		if props, ok := node["properties"].(map[string]any); ok {
			required := make([]string, 0, len(props))
			for key, val := range props {
				required = append(required, key)
				if sub, ok := val.(map[string]any); ok {
					strictSchemaNode(sub)
				}
			}
			if len(required) > 0 {
				node["required"] = required
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		strictSchemaNode(items)
	}
}
