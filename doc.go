// Package chatcore is the core turn-execution engine behind a conversational
// AI assistant: it runs the assistant/tool loop for one chat turn, streams
// typed lifecycle events to a single subscriber, persists session history,
// and summarizes it once the prompt window grows too large.
//
// # Core pieces
//
// The root package defines the contracts and orchestration that everything
// else plugs into:
//
//   - [Provider] — a Model Adapter: chat, streaming, tool calling
//   - [EventChannel] — the per-turn broadcast of [Event]s to one subscriber
//   - [AbortRegistry] — process-wide mid-flight cancellation
//   - [Store] — session and message persistence
//   - [Builtin] — a callable function surfaced to the model
//   - [Registry] — collects builtins and MCP-backed tools under one dispatch surface
//
// # Included implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat-completions and
// responses APIs), provider/gemini (Gemini-flavored responses API, bound to
// the kimik2 model).
// Storage: store/sqlite (embedded), store/postgres (network relational).
// Tool transport: mcp (HTTP and stdio Model Context Protocol clients, the
// latter with an optional Docker-sandboxed launch mode).
//
// See cmd/server for a complete reference application.
package chatcore
