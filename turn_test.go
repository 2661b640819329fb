package chatcore

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// turnFakeStore gives the turn executor a titled session (so the background
// title-rename path never fires and steal a stub provider result) on top of
// the ordered ctxFakeStore used by the Context Builder tests.
type turnFakeStore struct {
	ctxFakeStore
}

func newTurnFakeStore() *turnFakeStore {
	return &turnFakeStore{ctxFakeStore: *newCtxFakeStore()}
}

func (f *turnFakeStore) GetSession(ctx context.Context, id string) (Session, error) {
	return Session{ID: id, Title: "Existing Title"}, nil
}

var _ Store = (*turnFakeStore)(nil)

// echoBuiltin is a minimal Builtin used to exercise ToolsMaybe.
type echoBuiltin struct {
	fail bool
}

func (e *echoBuiltin) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "echo", Description: "echoes input", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func (e *echoBuiltin) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	if e.fail {
		return ToolResult{IsError: true, Content: "boom"}, nil
	}
	return ToolResult{Content: "x"}, nil
}

func drain(t *testing.T, events *EventChannel, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type == EventDone {
				return out
			}
		case <-deadline:
			t.Fatal("timed out waiting for turn to complete")
			return out
		}
	}
}

func eventTypes(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func hasEvent(events []Event, kind EventKind) bool {
	for _, e := range events {
		if e.Type == kind {
			return true
		}
	}
	return false
}

func TestTurnExecutor_StraightTurn(t *testing.T) {
	store := newTurnFakeStore()
	stub := &stubProvider{results: []stubResult{
		{tokens: []string{"hi ", "there"}, resp: ChatResponse{Content: "hi there"}},
	}}
	exec := NewTurnExecutor(store, NewRegistry(), NewAbortRegistry())

	events := exec.Run(context.Background(), stub, TurnRequest{SessionID: "s1", Config: AiModelConfig{Model: "gpt-4o"}, UserContent: "hello"})
	got := drain(t, events, 2*time.Second)

	kinds := eventTypes(got)
	if kinds[0] != EventStart {
		t.Fatalf("expected first event start, got %v", kinds)
	}
	if !hasEvent(got, EventChunk) {
		t.Errorf("expected at least one chunk event, got %v", kinds)
	}
	if !hasEvent(got, EventComplete) {
		t.Errorf("expected a complete event, got %v", kinds)
	}
	if kinds[len(kinds)-1] != EventDone {
		t.Errorf("expected last event done, got %v", kinds)
	}

	var completeContent string
	for _, e := range got {
		if e.Type == EventComplete {
			var p CompletePayload
			json.Unmarshal(e.Data, &p)
			completeContent = p.Result.Content
		}
	}
	if completeContent != "hi there" {
		t.Errorf("expected complete content %q, got %q", "hi there", completeContent)
	}
	if store.saves != 2 {
		t.Errorf("expected 2 persisted messages (user+assistant), got %d", store.saves)
	}
}

func TestTurnExecutor_SingleToolRound(t *testing.T) {
	store := newTurnFakeStore()
	registry := NewRegistry()
	registry.AddBuiltin("tools", &echoBuiltin{})

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "c1", Name: "tools_echo", Args: json.RawMessage(`{"text":"x"}`)}}}},
		{tokens: []string{"done"}, resp: ChatResponse{Content: "done"}},
	}}
	exec := NewTurnExecutor(store, registry, NewAbortRegistry())

	events := exec.Run(context.Background(), stub, TurnRequest{SessionID: "s1", Config: AiModelConfig{Model: "gpt-4o"}, UserContent: "list tools"})
	got := drain(t, events, 2*time.Second)

	if !hasEvent(got, EventToolsStart) || !hasEvent(got, EventToolsEnd) {
		t.Fatalf("expected tools_start/tools_end, got %v", eventTypes(got))
	}

	var toolResults []ToolResult
	for _, e := range got {
		if e.Type == EventToolsEnd {
			var p ToolsEndPayload
			json.Unmarshal(e.Data, &p)
			toolResults = p.ToolResults
		}
	}
	if len(toolResults) != 1 || toolResults[0].ToolCallID != "c1" || toolResults[0].Content != "x" {
		t.Errorf("unexpected tool results: %+v", toolResults)
	}
	if store.saves != 3 {
		t.Errorf("expected 3 persisted messages (user+tool+assistant), got %d", store.saves)
	}
}

func TestTurnExecutor_ToolFailureContinuesTurn(t *testing.T) {
	store := newTurnFakeStore()
	registry := NewRegistry()
	registry.AddBuiltin("tools", &echoBuiltin{fail: true})

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "tools_echo", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: "tools_echo", Args: json.RawMessage(`{}`)},
		}}},
		{tokens: []string{"ok"}, resp: ChatResponse{Content: "ok"}},
	}}
	exec := NewTurnExecutor(store, registry, NewAbortRegistry())

	events := exec.Run(context.Background(), stub, TurnRequest{SessionID: "s1", Config: AiModelConfig{Model: "gpt-4o"}, UserContent: "go"})
	got := drain(t, events, 2*time.Second)

	var toolResults []ToolResult
	for _, e := range got {
		if e.Type == EventToolsEnd {
			var p ToolsEndPayload
			json.Unmarshal(e.Data, &p)
			toolResults = p.ToolResults
		}
	}
	if len(toolResults) != 2 {
		t.Fatalf("expected both tool results present despite failure, got %d", len(toolResults))
	}
	if toolResults[0].Success {
		t.Error("expected the failing tool call to report success=false")
	}
	if !hasEvent(got, EventComplete) {
		t.Error("expected the turn to continue to completion despite one tool failure")
	}
}

// blockingProvider sends one chunk, signals tokenSent, then blocks on ctx
// cancellation — used to deterministically land an abort mid-stream instead
// of racing a real provider's completion time.
type blockingProvider struct {
	tokenSent chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, nil
}

func (p *blockingProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	ch <- StreamEvent{Type: EventTextDelta, Content: "partial"}
	close(p.tokenSent)
	<-ctx.Done()
	return ChatResponse{}, ctx.Err()
}

var _ Provider = (*blockingProvider)(nil)

func TestTurnExecutor_CancelMidStream(t *testing.T) {
	store := newTurnFakeStore()
	aborts := NewAbortRegistry()
	exec := NewTurnExecutor(store, NewRegistry(), aborts)

	provider := &blockingProvider{tokenSent: make(chan struct{})}

	events := exec.Run(context.Background(), provider, TurnRequest{SessionID: "s-cancel", Config: AiModelConfig{Model: "gpt-4o"}, UserContent: "hello"})

	select {
	case <-provider.tokenSent:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first chunk")
	}
	aborts.Abort("s-cancel")

	got := drain(t, events, 2*time.Second)
	if !hasEvent(got, EventCancelled) {
		t.Errorf("expected cancelled event, got %v", eventTypes(got))
	}
	if hasEvent(got, EventComplete) {
		t.Error("expected no complete event on a cancelled turn")
	}
	if store.saves != 1 {
		t.Errorf("expected only the user row persisted on cancel, got %d saves", store.saves)
	}
}

func TestTurnExecutor_RoundCapEndsGracefully(t *testing.T) {
	store := newTurnFakeStore()
	registry := NewRegistry()
	registry.AddBuiltin("tools", &echoBuiltin{})

	var results []stubResult
	for i := 0; i < 20; i++ {
		results = append(results, stubResult{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "c", Name: "tools_echo", Args: json.RawMessage(`{}`)}}}})
	}
	stub := &stubProvider{results: results}
	exec := NewTurnExecutor(store, registry, NewAbortRegistry())
	exec.MaxRounds = 3

	events := exec.Run(context.Background(), stub, TurnRequest{SessionID: "s1", Config: AiModelConfig{Model: "gpt-4o"}, UserContent: "loop"})
	got := drain(t, events, 2*time.Second)

	if !hasEvent(got, EventComplete) {
		t.Errorf("expected the turn to end gracefully once the round cap is hit, got %v", eventTypes(got))
	}
}

func TestTurnExecutor_ContextOverflowRetriesOnce(t *testing.T) {
	store := newTurnFakeStore()
	store.seed(seedHistory(20)...)
	exec := NewTurnExecutor(store, NewRegistry(), NewAbortRegistry())
	exec.Budget = ContextBudget{MaxContextTokens: 100000, SummaryOptions: SummaryOptions{KeepLastN: 0}}

	stub := &stubProvider{results: []stubResult{
		{err: ErrContextOverflow},
		{resp: ChatResponse{Content: "forced-truncated summary fallback"}}, // summary engine call during retry
		{tokens: []string{"recovered"}, resp: ChatResponse{Content: "recovered"}},
	}}

	events := exec.Run(context.Background(), stub, TurnRequest{SessionID: "s1", Config: AiModelConfig{Model: "gpt-4o"}, UserContent: "hi"})
	got := drain(t, events, 2*time.Second)

	if !hasEvent(got, EventContextSummarizedStart) {
		t.Errorf("expected reactive summarization on overflow, got %v", eventTypes(got))
	}
	if !hasEvent(got, EventComplete) {
		t.Errorf("expected the retried turn to complete, got %v", eventTypes(got))
	}
}
