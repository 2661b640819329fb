package chatcore

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
)

// Store is the Message Store's persistence contract: an append-only logical
// log of messages per session, plus session and summary bookkeeping. The
// core ships two concrete backends behind this interface — store/sqlite
// (embedded, file-backed) and store/postgres (network relational) — selected
// by deployment configuration.
type Store interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error

	SaveUser(ctx context.Context, session, content string, metadata json.RawMessage) (Message, error)
	SaveAssistant(ctx context.Context, session, content, reasoning string, metadata json.RawMessage, toolCalls []ToolCall) (Message, error)
	SaveTool(ctx context.Context, session, content, toolCallID string, metadata json.RawMessage) (Message, error)

	// GetBySession returns a session's history in ascending created_at order.
	// limit <= 0 means unbounded.
	GetBySession(ctx context.Context, session string, limit int, offset int) ([]Message, error)
	// GetBySessionAfter returns messages with created_at strictly greater
	// than cutoff — the window starting after a summary's last included
	// message.
	GetBySessionAfter(ctx context.Context, session string, cutoff int64, limit int) ([]Message, error)
	// MarkSummarized stamps every message in ids with summaryID and
	// summarizedAt, returning the number of rows updated.
	MarkSummarized(ctx context.Context, ids []string, summaryID string, summarizedAt int64) (int, error)

	CreateSummary(ctx context.Context, summary SessionSummary) error
	LatestSummary(ctx context.Context, session string) (SessionSummary, bool, error)

	Init(ctx context.Context) error
	Close() error
}

// recencyCache is a bounded, advisory LRU cache of messages keyed by id. It
// never hides a newer persisted value: CachingStore always writes through to
// the underlying Store before updating the cache, so save-then-get within
// the same task is never served stale data.
type recencyCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	id  string
	msg Message
}

func newRecencyCache(capacity int) *recencyCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &recencyCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *recencyCache) put(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[msg.ID]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).msg = msg
		return
	}
	el := c.order.PushFront(&cacheEntry{id: msg.ID, msg: msg})
	c.items[msg.ID] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).id)
		}
	}
}

func (c *recencyCache) get(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return Message{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).msg, true
}

// CachingStore wraps a Store with a bounded recency cache over recently
// written messages. The cache is advisory only — every read that misses it
// falls through to the underlying Store, and every write updates both.
type CachingStore struct {
	Store
	cache *recencyCache
}

// NewCachingStore wraps inner with a recency cache of the given capacity
// (≈100 entries if capacity <= 0).
func NewCachingStore(inner Store, capacity int) *CachingStore {
	return &CachingStore{Store: inner, cache: newRecencyCache(capacity)}
}

func (s *CachingStore) SaveUser(ctx context.Context, session, content string, metadata json.RawMessage) (Message, error) {
	msg, err := s.Store.SaveUser(ctx, session, content, metadata)
	if err == nil {
		s.cache.put(msg)
	}
	return msg, err
}

func (s *CachingStore) SaveAssistant(ctx context.Context, session, content, reasoning string, metadata json.RawMessage, toolCalls []ToolCall) (Message, error) {
	msg, err := s.Store.SaveAssistant(ctx, session, content, reasoning, metadata, toolCalls)
	if err == nil {
		s.cache.put(msg)
	}
	return msg, err
}

func (s *CachingStore) SaveTool(ctx context.Context, session, content, toolCallID string, metadata json.RawMessage) (Message, error) {
	msg, err := s.Store.SaveTool(ctx, session, content, toolCallID, metadata)
	if err == nil {
		s.cache.put(msg)
	}
	return msg, err
}
