package chatcore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/yuin/goldmark"
)

const (
	defaultMaxTickets      = 256
	defaultMaxTicketBytes  = 4 * 1024 * 1024
	defaultReviewTimeout   = 5 * time.Minute
	defaultReviewTimeoutMS = 120_000
)

// ReviewTimeoutReason is the Reason carried by a ReviewDecision produced by
// the ticket's own timer, per §4.10.
const ReviewTimeoutReason = "review_timeout"

// eventsContextKey and sessionContextKey carry a turn's EventChannel and
// session id down through tool dispatch, so a review-aware Builtin can reach
// RequestReview's event sink without the Registry's Dispatch signature
// needing to know about reviews at all.
type eventsContextKey struct{}
type sessionContextKey struct{}

func withEventChannel(ctx context.Context, events *EventChannel) context.Context {
	return context.WithValue(ctx, eventsContextKey{}, events)
}

func eventChannelFromContext(ctx context.Context) *EventChannel {
	ev, _ := ctx.Value(eventsContextKey{}).(*EventChannel)
	return ev
}

func withSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sessionID)
}

func sessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionContextKey{}).(string)
	return id
}

// ReviewDecision is what an out-of-band caller (or the ticket's own timeout
// or eviction) delivers to a pending ticket's waiter.
type ReviewDecision struct {
	Confirmed bool
	Tasks     json.RawMessage
	Reason    string
}

// ReviewTicket is one pending review-required tool call: its drafts plus the
// channel its waiter blocks on, per §4.10's suspend/resume pattern.
type ReviewTicket struct {
	ID        string
	SessionID string
	Drafts    json.RawMessage
	TimeoutMS int
	CreatedAt int64

	decision chan ReviewDecision
	once     sync.Once
	bytes    int
}

func (t *ReviewTicket) release(d ReviewDecision) {
	t.once.Do(func() { t.decision <- d })
}

// ReviewBridge is the process-wide Interactive Review Bridge (§4.10). A
// review-aware tool calls RequestReview to enqueue a ticket, forward
// task_create_review_required on the turn's event channel, and block until
// an out-of-band Confirm/Cancel call, a timeout, or turn cancellation wakes
// it. Retention is bounded by ticket count and total retained-payload bytes;
// admitting a new ticket past either bound evicts the oldest one, waking its
// waiter with a non-confirmed decision.
type ReviewBridge struct {
	mu             sync.Mutex
	order          []string
	tickets        map[string]*ReviewTicket
	maxTickets     int
	maxTicketBytes int
	totalBytes     int
	now            func() int64
}

// NewReviewBridge constructs a bridge with the spec's default retention
// bounds (256 tickets, 4MiB of retained drafts).
func NewReviewBridge() *ReviewBridge {
	return &ReviewBridge{
		tickets:        make(map[string]*ReviewTicket),
		maxTickets:     defaultMaxTickets,
		maxTicketBytes: defaultMaxTicketBytes,
		now:            NowUnix,
	}
}

// RequestReview is the tool's suspension point: it enqueues a ticket for
// drafts, emits task_create_review_required on events (if non-nil), and
// blocks until Confirm/Cancel, timeoutMS elapses, or ctx is cancelled.
func (b *ReviewBridge) RequestReview(ctx context.Context, events *EventChannel, sessionID string, drafts json.RawMessage, timeoutMS int) ReviewDecision {
	ticket := &ReviewTicket{
		ID:        NewID(),
		SessionID: sessionID,
		Drafts:    drafts,
		TimeoutMS: timeoutMS,
		CreatedAt: b.now(),
		decision:  make(chan ReviewDecision, 1),
		bytes:     len(drafts),
	}
	b.admit(ticket)
	defer b.forget(ticket.ID)

	if events != nil {
		events.send(newEvent(EventTaskCreateReviewRequired, b.now(), ReviewRequiredPayload{
			ReviewID:  ticket.ID,
			Drafts:    drafts,
			TimeoutMS: timeoutMS,
		}))
	}

	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultReviewTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ticket.decision:
		return d
	case <-timer.C:
		return ReviewDecision{Confirmed: false, Reason: ReviewTimeoutReason}
	case <-ctx.Done():
		return ReviewDecision{Confirmed: false, Reason: "aborted"}
	}
}

func (b *ReviewBridge) admit(ticket *ReviewTicket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.order) > 0 && (len(b.order) >= b.maxTickets || b.totalBytes+ticket.bytes > b.maxTicketBytes) {
		b.evictOldestLocked()
	}
	b.tickets[ticket.ID] = ticket
	b.order = append(b.order, ticket.ID)
	b.totalBytes += ticket.bytes
}

func (b *ReviewBridge) evictOldestLocked() {
	oldestID := b.order[0]
	b.order = b.order[1:]
	if t, ok := b.tickets[oldestID]; ok {
		delete(b.tickets, oldestID)
		b.totalBytes -= t.bytes
		t.release(ReviewDecision{Confirmed: false, Reason: "evicted"})
	}
}

func (b *ReviewBridge) forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tickets[id]
	if !ok {
		return
	}
	delete(b.tickets, id)
	b.totalBytes -= t.bytes
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Confirm delivers a confirmed decision carrying tasks to ticketID's waiter.
// Returns false if the ticket is no longer pending (already decided, timed
// out, or evicted).
func (b *ReviewBridge) Confirm(ticketID string, tasks json.RawMessage) bool {
	return b.deliver(ticketID, ReviewDecision{Confirmed: true, Tasks: tasks})
}

// Cancel delivers a non-confirmed decision carrying reason to ticketID's
// waiter.
func (b *ReviewBridge) Cancel(ticketID string, reason string) bool {
	if reason == "" {
		reason = "cancelled"
	}
	return b.deliver(ticketID, ReviewDecision{Confirmed: false, Reason: reason})
}

func (b *ReviewBridge) deliver(ticketID string, d ReviewDecision) bool {
	b.mu.Lock()
	t, ok := b.tickets[ticketID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	t.release(d)
	return true
}

// TaskDraft is one candidate task synthesized by add_task before the
// reviewer confirms it. Description is Markdown as authored by the model;
// DescriptionHTML is its rendered form, filled in before the ticket is
// handed to the review bridge so a terminal-style frontend never needs its
// own Markdown renderer.
type TaskDraft struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	DescriptionHTML string `json:"description_html,omitempty"`
}

// renderDraftsMarkdown fills each draft's DescriptionHTML in place. A
// rendering failure leaves DescriptionHTML empty rather than failing the
// tool call — the raw Markdown in Description is still usable by a caller
// that renders client-side.
func renderDraftsMarkdown(tasks []TaskDraft) {
	for i := range tasks {
		if tasks[i].Description == "" {
			continue
		}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(tasks[i].Description), &buf); err == nil {
			tasks[i].DescriptionHTML = buf.String()
		}
	}
}

type addTaskArgs struct {
	Tasks []TaskDraft `json:"tasks"`
}

// TaskReviewBuiltin is the task-manager add_task tool (§4.10's running
// example): it drafts tasks from its arguments, routes them through a
// ReviewBridge, and returns the reviewer's decision as its ToolResult —
// confirmed, cancelled, or review_timeout — without ever failing the turn.
type TaskReviewBuiltin struct {
	Bridge    *ReviewBridge
	TimeoutMS int
}

func (b *TaskReviewBuiltin) Definitions() []ToolDefinition {
	schema := json.RawMessage(`{"type":"object","properties":{"tasks":{"type":"array","items":{"type":"object","properties":{"title":{"type":"string"},"description":{"type":"string"}}}}}}}`)
	return []ToolDefinition{{
		Name:        "add_task",
		Description: "Propose one or more tasks for the user to confirm before they are created.",
		Parameters:  schema,
	}}
}

func (b *TaskReviewBuiltin) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var parsed addTaskArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return ToolResult{Success: false, IsError: true, Content: "invalid arguments"}, nil
	}
	renderDraftsMarkdown(parsed.Tasks)

	drafts, err := json.Marshal(parsed.Tasks)
	if err != nil {
		return ToolResult{Success: false, IsError: true, Content: "invalid task drafts"}, nil
	}

	timeoutMS := b.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultReviewTimeoutMS
	}

	events := eventChannelFromContext(ctx)
	sessionID := sessionIDFromContext(ctx)

	decision := b.Bridge.RequestReview(ctx, events, sessionID, drafts, timeoutMS)
	if !decision.Confirmed {
		reason := decision.Reason
		if reason == "" {
			reason = "cancelled"
		}
		payload, _ := json.Marshal(map[string]string{"status": "cancelled", "reason": reason})
		return ToolResult{Success: true, Content: string(payload)}, nil
	}

	payload, _ := json.Marshal(struct {
		Status string          `json:"status"`
		Tasks  json.RawMessage `json:"tasks"`
	}{Status: "confirmed", Tasks: decision.Tasks})
	return ToolResult{Success: true, Content: string(payload)}, nil
}

var _ Builtin = (*TaskReviewBuiltin)(nil)
