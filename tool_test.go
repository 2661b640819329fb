package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

func TestRegistryBuiltinDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", mockTool{})

	defs := reg.AllDefinitions()
	if len(defs) != 1 || defs[0].Name != "srv_greet" {
		t.Fatalf("expected 1 definition 'srv_greet', got %v", defs)
	}

	results := reg.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "srv_greet", Args: json.RawMessage(`{}`)}}, nil, nil)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Content != "hello from greet" {
		t.Errorf("expected 'hello from greet', got %q", results[0].Content)
	}
	if !results[0].Success {
		t.Error("expected Success=true")
	}
	if results[0].ToolCallID != "1" {
		t.Errorf("ToolCallID = %q, want %q", results[0].ToolCallID, "1")
	}
}

func TestRegistryUnknownToolSynthesizesFailure(t *testing.T) {
	reg := NewRegistry()
	results := reg.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "nonexistent", Args: json.RawMessage(`{}`)}}, nil, nil)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if !results[0].IsError {
		t.Error("expected IsError=true for unknown tool")
	}
}

// --- Additional tool mocks ---

type mockToolCalc struct{}

func (m mockToolCalc) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "calc", Description: "Calculate"}}
}
func (m mockToolCalc) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "result from " + name}, nil
}

type errTool struct{}

func (e errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}
func (e errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

type multiTool struct{}

func (m multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read", Description: "Read file"},
		{Name: "write", Description: "Write file"},
	}
}
func (m multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "did " + name}, nil
}

func TestRegistryEmpty(t *testing.T) {
	reg := NewRegistry()
	if len(reg.AllDefinitions()) != 0 {
		t.Errorf("expected 0 definitions, got %d", len(reg.AllDefinitions()))
	}
}

func TestRegistryMultipleTools(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", mockTool{})
	reg.AddBuiltin("srv", mockToolCalc{})

	defs := reg.AllDefinitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}

	results := reg.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "srv_greet", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "srv_calc", Args: json.RawMessage(`{}`)},
	}, nil, nil)
	if results[0].Content != "hello from greet" {
		t.Errorf("greet: got %q", results[0].Content)
	}
	if results[1].Content != "result from calc" {
		t.Errorf("calc: got %q", results[1].Content)
	}
}

func TestRegistryExecuteErrorIsolatedPerTool(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", errTool{})
	reg.AddBuiltin("srv", mockTool{})

	results := reg.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "srv_fail", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "srv_greet", Args: json.RawMessage(`{}`)},
	}, nil, nil)
	if !results[0].IsError {
		t.Error("expected first result to be an error")
	}
	if results[1].Success != true {
		t.Error("a failing tool must not abort subsequent tools")
	}
}

func TestRegistryMultiDefinitionTool(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", multiTool{})

	defs := reg.AllDefinitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}

	results := reg.Dispatch(context.Background(), []ToolCall{
		{ID: "1", Name: "srv_read", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "srv_write", Args: json.RawMessage(`{}`)},
	}, nil, nil)
	if results[0].Content != "did read" {
		t.Errorf("read: got %q", results[0].Content)
	}
	if results[1].Content != "did write" {
		t.Errorf("write: got %q", results[1].Content)
	}
}

func TestRegistryDispatchStopsOnAbort(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", mockTool{})

	calls := []ToolCall{
		{ID: "1", Name: "srv_greet", Args: json.RawMessage(`{}`)},
		{ID: "2", Name: "srv_greet", Args: json.RawMessage(`{}`)},
	}
	var n int
	results := reg.Dispatch(context.Background(), calls, func() bool {
		n++
		return n > 1
	}, nil)
	if len(results) != 1 {
		t.Fatalf("expected dispatch to stop after abort observed, got %d results", len(results))
	}
}

func TestStrictSchemaPromotesRequired(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", schemaTool{})
	defs := reg.AllDefinitions()
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	var schema map[string]any
	if err := json.Unmarshal(defs[0].Parameters, &schema); err != nil {
		t.Fatal(err)
	}
	if schema["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v, want false", schema["additionalProperties"])
	}
	required, ok := schema["required"].([]any)
	if !ok || len(required) != 1 || required[0] != "q" {
		t.Errorf("required = %v, want [q]", schema["required"])
	}
}

type schemaTool struct{}

func (schemaTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "search",
		Description: "Search",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
	}}
}
func (schemaTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "ok"}, nil
}

// --- Transport tests ---

type mockTransport struct {
	tools   []RawToolInfo
	content string
	isError bool
	err     error
}

func (m *mockTransport) ListTools(_ context.Context) ([]RawToolInfo, error) {
	return m.tools, nil
}

func (m *mockTransport) CallTool(_ context.Context, _ string, _ json.RawMessage) (string, bool, error) {
	return m.content, m.isError, m.err
}

func TestRegistryAddTransport(t *testing.T) {
	transport := &mockTransport{
		tools:   []RawToolInfo{{Name: "echo", Description: "Echoes"}},
		content: "x",
	}
	reg := NewRegistry()
	if err := reg.AddTransport(context.Background(), "remote", McpHTTP, transport); err != nil {
		t.Fatal(err)
	}

	defs := reg.AllDefinitions()
	if len(defs) != 1 || defs[0].Name != "remote_echo" {
		t.Fatalf("expected 'remote_echo', got %v", defs)
	}

	results := reg.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "remote_echo", Args: json.RawMessage(`{}`)}}, nil, nil)
	if results[0].Content != "x" {
		t.Errorf("content = %q, want %q", results[0].Content, "x")
	}
}

func TestRegistryTransportErrorIsolated(t *testing.T) {
	transport := &mockTransport{
		tools: []RawToolInfo{{Name: "broken"}},
		err:   errors.New("transport down"),
	}
	reg := NewRegistry()
	_ = reg.AddTransport(context.Background(), "remote", McpHTTP, transport)

	results := reg.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "remote_broken", Args: json.RawMessage(`{}`)}}, nil, nil)
	if !results[0].IsError {
		t.Error("expected IsError=true on transport failure")
	}
}

// --- Streaming builtin tests ---

type streamingBuiltin struct{}

func (streamingBuiltin) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "progress", Description: "Streams progress"}}
}
func (streamingBuiltin) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "done"}, nil
}
func (streamingBuiltin) ExecuteStream(_ context.Context, _ string, _ json.RawMessage, onChunk func(string)) (ToolResult, error) {
	onChunk("25%")
	onChunk("75%")
	return ToolResult{Content: "done"}, nil
}

func TestRegistryStreamingBuiltinForwardsChunks(t *testing.T) {
	reg := NewRegistry()
	reg.AddBuiltin("srv", streamingBuiltin{})

	var chunks []string
	results := reg.Dispatch(context.Background(), []ToolCall{{ID: "1", Name: "srv_progress", Args: json.RawMessage(`{}`)}}, nil,
		func(toolCallID, name, content string) {
			chunks = append(chunks, content)
		})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 streamed chunks, got %d", len(chunks))
	}
	if results[0].Content != "done" {
		t.Errorf("final content = %q, want %q", results[0].Content, "done")
	}
}
