package chatcore

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeStore struct {
	messages map[string]Message
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string]Message)}
}

func (f *fakeStore) CreateSession(ctx context.Context, s Session) error { return nil }
func (f *fakeStore) GetSession(ctx context.Context, id string) (Session, error) {
	return Session{ID: id}, nil
}
func (f *fakeStore) ListSessions(ctx context.Context, userID string, limit int) ([]Session, error) {
	return nil, nil
}
func (f *fakeStore) UpdateSessionTitle(ctx context.Context, id, title string) error { return nil }

func (f *fakeStore) SaveUser(ctx context.Context, session, content string, metadata json.RawMessage) (Message, error) {
	f.saves++
	msg := Message{ID: NewID(), SessionID: session, Role: "user", Content: content, CreatedAt: int64(f.saves)}
	f.messages[msg.ID] = msg
	return msg, nil
}
func (f *fakeStore) SaveAssistant(ctx context.Context, session, content, reasoning string, metadata json.RawMessage, toolCalls []ToolCall) (Message, error) {
	f.saves++
	msg := Message{ID: NewID(), SessionID: session, Role: "assistant", Content: content, Reasoning: reasoning, ToolCalls: toolCalls, CreatedAt: int64(f.saves)}
	f.messages[msg.ID] = msg
	return msg, nil
}
func (f *fakeStore) SaveTool(ctx context.Context, session, content, toolCallID string, metadata json.RawMessage) (Message, error) {
	f.saves++
	msg := Message{ID: NewID(), SessionID: session, Role: "tool", Content: content, ToolCallID: toolCallID, CreatedAt: int64(f.saves)}
	f.messages[msg.ID] = msg
	return msg, nil
}
func (f *fakeStore) GetBySession(ctx context.Context, session string, limit int, offset int) ([]Message, error) {
	var out []Message
	for _, m := range f.messages {
		out = append(out, m)
	}
	return out, nil
}
func (f *fakeStore) GetBySessionAfter(ctx context.Context, session string, cutoff int64, limit int) ([]Message, error) {
	return nil, nil
}
func (f *fakeStore) MarkSummarized(ctx context.Context, ids []string, summaryID string, summarizedAt int64) (int, error) {
	n := 0
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			m.SummaryID = summaryID
			m.SummarizedAt = summarizedAt
			f.messages[id] = m
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) CreateSummary(ctx context.Context, s SessionSummary) error { return nil }
func (f *fakeStore) LatestSummary(ctx context.Context, session string) (SessionSummary, bool, error) {
	return SessionSummary{}, false, nil
}
func (f *fakeStore) Init(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

var _ Store = (*fakeStore)(nil)

func TestCachingStoreWriteThrough(t *testing.T) {
	inner := newFakeStore()
	cs := NewCachingStore(inner, 10)

	msg, err := cs.SaveUser(context.Background(), "s1", "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	cached, ok := cs.cache.get(msg.ID)
	if !ok {
		t.Fatal("expected message to be cached after save")
	}
	if cached.Content != "hello" {
		t.Errorf("cached content = %q, want %q", cached.Content, "hello")
	}
}

func TestCachingStoreEvictsOldestBeyondCapacity(t *testing.T) {
	inner := newFakeStore()
	cs := NewCachingStore(inner, 2)

	m1, _ := cs.SaveUser(context.Background(), "s1", "one", nil)
	_, _ = cs.SaveUser(context.Background(), "s1", "two", nil)
	_, _ = cs.SaveUser(context.Background(), "s1", "three", nil)

	if _, ok := cs.cache.get(m1.ID); ok {
		t.Error("expected oldest entry evicted once capacity exceeded")
	}
}

func TestCachingStoreDefaultCapacity(t *testing.T) {
	cs := NewCachingStore(newFakeStore(), 0)
	if cs.cache.capacity != 100 {
		t.Errorf("default capacity = %d, want 100", cs.cache.capacity)
	}
}

func TestCachingStoreMissFallsThroughToUnderlying(t *testing.T) {
	inner := newFakeStore()
	cs := NewCachingStore(inner, 10)

	msgs, err := cs.GetBySession(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages yet, got %d", len(msgs))
	}
}
