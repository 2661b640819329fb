package chatcore

import (
	"context"
	"strings"
	"testing"
)

// ctxFakeStore is an ordered, in-memory Store fake for Context Builder tests
// — GetBySession/GetBySessionAfter need deterministic ordering that the
// map-backed fakeStore in store_test.go doesn't provide.
type ctxFakeStore struct {
	fakeStore
	ordered       []Message
	summary       SessionSummary
	hasSummary    bool
	createdSums   []SessionSummary
	markedIDs     []string
}

func newCtxFakeStore() *ctxFakeStore {
	return &ctxFakeStore{fakeStore: *newFakeStore()}
}

func (f *ctxFakeStore) seed(messages ...Message) {
	for _, m := range messages {
		f.messages[m.ID] = m
		f.ordered = append(f.ordered, m)
	}
}

func (f *ctxFakeStore) GetBySession(ctx context.Context, session string, limit int, offset int) ([]Message, error) {
	out := make([]Message, len(f.ordered))
	copy(out, f.ordered)
	return out, nil
}

func (f *ctxFakeStore) GetBySessionAfter(ctx context.Context, session string, cutoff int64, limit int) ([]Message, error) {
	var out []Message
	for _, m := range f.ordered {
		if m.CreatedAt > cutoff {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *ctxFakeStore) LatestSummary(ctx context.Context, session string) (SessionSummary, bool, error) {
	return f.summary, f.hasSummary, nil
}

func (f *ctxFakeStore) CreateSummary(ctx context.Context, s SessionSummary) error {
	f.createdSums = append(f.createdSums, s)
	f.summary = s
	f.hasSummary = true
	return nil
}

func (f *ctxFakeStore) MarkSummarized(ctx context.Context, ids []string, summaryID string, summarizedAt int64) (int, error) {
	f.markedIDs = append(f.markedIDs, ids...)
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			m.SummarizedAt = summarizedAt
			m.SummaryID = summaryID
			f.messages[id] = m
			for i := range f.ordered {
				if f.ordered[i].ID == id {
					f.ordered[i] = m
				}
			}
		}
	}
	return len(ids), nil
}

var _ Store = (*ctxFakeStore)(nil)

func seedHistory(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{ID: string(rune('a' + i)), Role: "user", Content: "turn content", CreatedAt: int64(i + 1)}
	}
	return out
}

func TestBuildContextOnce_NoSummaryUsesFullHistory(t *testing.T) {
	store := newCtxFakeStore()
	store.seed(seedHistory(3)...)

	req, history, err := buildContextOnce(context.Background(), store, AiModelConfig{Model: "gpt-4o"}, "s1", "be helpful", "hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(history))
	}
	// system + 3 history + current user turn
	if len(req.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be helpful" {
		t.Errorf("unexpected leading system message: %+v", req.Messages[0])
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "hi" {
		t.Errorf("unexpected trailing user message: %+v", last)
	}
}

func TestBuildContextOnce_SummaryWrapsSystemPrompt(t *testing.T) {
	store := newCtxFakeStore()
	store.seed(seedHistory(5)...)
	store.summary = SessionSummary{Text: "earlier discussion recap", LastMessageCreatedAt: 2}
	store.hasSummary = true

	req, history, err := buildContextOnce(context.Background(), store, AiModelConfig{Model: "gpt-4o"}, "s1", "be helpful", "hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages strictly after cutoff 2, got %d", len(history))
	}
	if !strings.Contains(req.Messages[0].Content, "earlier discussion recap") {
		t.Errorf("expected summary wrap in leading system message, got %q", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[0].Content, summaryWrapHeader) {
		t.Error("expected summary wrap header present")
	}
}

func TestBuildContextOnce_DropsSummarizedMessages(t *testing.T) {
	store := newCtxFakeStore()
	history := seedHistory(3)
	history[0].SummarizedAt = 999
	store.seed(history...)

	_, kept, err := buildContextOnce(context.Background(), store, AiModelConfig{Model: "gpt-4o"}, "s1", "sys", "hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected summarized message dropped, got %d messages", len(kept))
	}
}

func TestBuildContextOnce_ToolMessageCarriesCallID(t *testing.T) {
	store := newCtxFakeStore()
	store.seed(Message{ID: "t1", Role: "tool", ToolCallID: "call-1", Content: "result", CreatedAt: 1})

	req, _, err := buildContextOnce(context.Background(), store, AiModelConfig{Model: "gpt-4o"}, "s1", "", "hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Messages[0].ToolCallID != "call-1" {
		t.Errorf("expected tool_call_id carried through, got %+v", req.Messages[0])
	}
}

func TestBuildContextOnce_AttachmentsAreNormalized(t *testing.T) {
	store := newCtxFakeStore()
	atts := []Attachment{{ID: "a1", Name: "note.txt", MimeType: "text/plain", Text: "inline content"}}

	req, _, err := buildContextOnce(context.Background(), store, AiModelConfig{Model: "gpt-4o"}, "s1", "", "hi", atts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := req.Messages[len(req.Messages)-1]
	if len(last.Attachments) != 1 || !strings.Contains(last.Attachments[0].Text, "inline content") {
		t.Errorf("expected normalized attachment on current turn, got %+v", last.Attachments)
	}
}

func TestBuildContext_UnderBudgetSkipsSummarization(t *testing.T) {
	store := newCtxFakeStore()
	store.seed(seedHistory(3)...)

	built, err := BuildContext(context.Background(), store, &stubProvider{}, "m", AiModelConfig{Model: "gpt-4o"}, "s1", "sys", "hi", nil, ContextBudget{MaxContextTokens: 100000}, nil, func() int64 { return 1 })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if built.ProducedSummary != nil {
		t.Error("expected no summary produced under budget")
	}
	if len(store.createdSums) != 0 {
		t.Error("expected no summary persisted under budget")
	}
}

func TestBuildContext_OverBudgetSummarizesAndRetries(t *testing.T) {
	store := newCtxFakeStore()
	store.seed(seedHistory(20)...)
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "condensed summary of the first messages"}},
	}}

	built, err := BuildContext(context.Background(), store, stub, "summarizer-model", AiModelConfig{Model: "gpt-4o"}, "s1", "sys", "hi", nil, ContextBudget{MaxContextTokens: 50, SummaryOptions: SummaryOptions{KeepLastN: 2}}, nil, func() int64 { return 100 })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if built.ProducedSummary == nil {
		t.Fatal("expected a summary to be produced once over budget")
	}
	if built.ProducedSummary.Text != "condensed summary of the first messages" {
		t.Errorf("unexpected summary text %q", built.ProducedSummary.Text)
	}
	if len(store.createdSums) != 1 {
		t.Fatalf("expected exactly one summary persisted, got %d", len(store.createdSums))
	}
	if len(store.markedIDs) == 0 {
		t.Error("expected summarized messages marked")
	}
	if !strings.Contains(built.Request.Messages[0].Content, "condensed summary") {
		t.Errorf("expected retried context to carry the new summary wrap, got %q", built.Request.Messages[0].Content)
	}
}

func TestBuildContext_StillOverBudgetAfterRetryFails(t *testing.T) {
	store := newCtxFakeStore()
	store.seed(seedHistory(20)...)
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: strings.Repeat("x", 100000)}},
	}}

	_, err := BuildContext(context.Background(), store, stub, "m", AiModelConfig{Model: "gpt-4o"}, "s1", "sys", "hi", nil, ContextBudget{MaxContextTokens: 1, SummaryOptions: SummaryOptions{KeepLastN: 0}}, nil, func() int64 { return 1 })
	if err != ErrContextOverflow {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
}
