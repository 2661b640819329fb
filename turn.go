package chatcore

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

const (
	defaultMaxRounds          = 12
	defaultMaxToolOutputBytes = 2 * 1024 * 1024
	titlePlaceholder          = "New Conversation"
	titleMaxTokens            = 32
)

// TurnRequest is one inbound turn: a user's message plus the model/session
// context it runs against.
type TurnRequest struct {
	SessionID    string
	Config       AiModelConfig
	SystemPrompt string
	UserContent  string
	Attachments  []Attachment
}

// TurnExecutor runs the Start→Context→Model→ToolsMaybe→(Model|Done)→Terminal
// state machine for one turn, per §4.9.
type TurnExecutor struct {
	Store  Store
	Tools  *Registry
	Aborts *AbortRegistry
	Tracer Tracer
	Budget ContextBudget

	MaxRounds          int
	MaxToolOutputBytes int

	Now func() int64

	logger *slog.Logger
}

// NewTurnExecutor builds an executor with the spec's default guards (round
// cap 12, tool-output cap 2MiB).
func NewTurnExecutor(store Store, tools *Registry, aborts *AbortRegistry) *TurnExecutor {
	return &TurnExecutor{
		Store:              store,
		Tools:              tools,
		Aborts:             aborts,
		MaxRounds:          defaultMaxRounds,
		MaxToolOutputBytes: defaultMaxToolOutputBytes,
		Now:                NowUnix,
		logger:             slog.Default(),
	}
}

// Run starts one turn against provider, returning the EventChannel the
// caller streams to its subscriber. The turn runs on its own goroutine;
// Run returns immediately after kicking it off.
func (t *TurnExecutor) Run(ctx context.Context, provider Provider, req TurnRequest) *EventChannel {
	events := newEventChannel(64)
	go t.run(ctx, provider, req, events)
	return events
}

func (t *TurnExecutor) run(ctx context.Context, provider Provider, req TurnRequest, events *EventChannel) {
	now := t.now()
	defer func() {
		events.closeChannel(t.now())
		t.Aborts.Forget(req.SessionID)
	}()

	span, ctx := t.startSpan(ctx, req)
	defer span.End()

	normalized, err := ValidateTurnInput(req.SessionID, req.UserContent)
	if err != nil {
		events.send(newEvent(EventError, now, ErrorPayload{Error: err.Error()}))
		return
	}
	req.UserContent = normalized

	t.Aborts.Reset(req.SessionID)
	events.send(newEvent(EventStart, now, StartPayload{SessionID: req.SessionID, Timestamp: now}))

	t.maybeScheduleTitleRename(provider, req)

	if _, err := t.Store.SaveUser(ctx, req.SessionID, req.UserContent, nil); err != nil {
		events.send(newEvent(EventError, t.now(), ErrorPayload{Error: err.Error()}))
		return
	}

	built, err := BuildContext(ctx, t.Store, provider, req.Config.Model, req.Config, req.SessionID, req.SystemPrompt, req.UserContent, req.Attachments, t.Budget, events, t.Now)
	if err != nil {
		events.send(newEvent(EventError, t.now(), ErrorPayload{Error: err.Error()}))
		return
	}

	chatReq := built.Request
	if t.Tools != nil {
		chatReq.Tools = t.Tools.AllDefinitions()
	}
	chatReq.ThinkingLevel = req.Config.ThinkingLevel

	var (
		result          TurnResult
		toolOutputBytes int
		overflowRetried bool
		surfacedErr     error
		sawChunk        bool
	)

	for round := 0; round < t.MaxRounds; round++ {
		if t.Aborts.IsAborted(req.SessionID) {
			break
		}

		roundCtx, cancel := context.WithCancel(ctx)
		t.Aborts.SetController(req.SessionID, cancel)

		resp, streamedAny, err := t.callModel(roundCtx, provider, chatReq, events, &sawChunk)
		cancel()

		if err != nil {
			if !overflowRetried && isContextOverflowError(err) {
				overflowRetried = true
				retried, rerr := t.retryAfterOverflow(ctx, provider, req, chatReq, events)
				if rerr != nil {
					surfacedErr = rerr
					break
				}
				chatReq = retried
				round--
				continue
			}
			if t.Aborts.IsAborted(req.SessionID) {
				break
			}
			surfacedErr = err
			break
		}
		_ = streamedAny

		result = TurnResult{Content: resp.Content, Reasoning: resp.Reasoning, Usage: &resp.Usage}

		if len(resp.ToolCalls) == 0 || round == t.MaxRounds-1 {
			if len(resp.ToolCalls) != 0 {
				t.logger.Warn("turn executor: round cap reached with pending tool calls", "session_id", req.SessionID, "rounds", t.MaxRounds)
			}
			break
		}

		previews := make([]ToolCallPreview, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			previews[i] = ToolCallPreview{ID: tc.ID, Name: tc.Name, ArgumentsPreview: previewArgs(tc.Args)}
		}
		events.send(newEvent(EventToolsStart, t.now(), ToolsStartPayload{ToolCalls: previews}))

		toolCtx := withSessionID(withEventChannel(ctx, events), req.SessionID)
		results := t.Tools.Dispatch(toolCtx, resp.ToolCalls, func() bool { return t.Aborts.IsAborted(req.SessionID) }, func(toolCallID, name, content string) {
			events.send(newEvent(EventToolsStream, t.now(), ToolsStreamPayload{ToolCallID: toolCallID, Name: name, Content: content}))
		})

		for i := range results {
			results[i].Content, toolOutputBytes = t.capToolOutput(results[i].Content, toolOutputBytes)
		}

		events.send(newEvent(EventToolsEnd, t.now(), ToolsEndPayload{ToolResults: results}))

		for _, tr := range results {
			if _, err := t.Store.SaveTool(ctx, req.SessionID, tr.Content, tr.ToolCallID, nil); err != nil {
				t.logger.Warn("turn executor: persist tool result failed", "session_id", req.SessionID, "error", err)
			}
		}

		assistantMsg := ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		chatReq.Messages = append(chatReq.Messages, assistantMsg)
		for _, tr := range results {
			chatReq.Messages = append(chatReq.Messages, ToolResultMessage(tr.ToolCallID, tr.Content))
		}

		if t.Aborts.IsAborted(req.SessionID) {
			break
		}
	}

	aborted := t.Aborts.IsAborted(req.SessionID)

	// A cancelled turn never persists a partial assistant row — only the
	// user turn that triggered it survives (S3).
	if !aborted && surfacedErr == nil {
		if _, err := t.Store.SaveAssistant(ctx, req.SessionID, result.Content, result.Reasoning, nil, nil); err != nil {
			t.logger.Warn("turn executor: persist assistant message failed", "session_id", req.SessionID, "error", err)
		}
	}

	switch {
	case aborted:
		events.send(newEvent(EventCancelled, t.now(), nil))
	case surfacedErr != nil:
		span.Error(surfacedErr)
		events.send(newEvent(EventError, t.now(), ErrorPayload{Error: surfacedErr.Error()}))
	default:
		if !sawChunk && result.Content != "" {
			events.send(newEvent(EventChunk, t.now(), ChunkPayload{Content: result.Content}))
		}
		events.send(newEvent(EventComplete, t.now(), CompletePayload{Result: result}))
	}
}

// callModel streams one Model Adapter call, forwarding chunk/thinking events
// live and reporting whether any content delta was ever sent. A stream that
// ends in a transient transport error is followed by one non-streaming Chat
// call, whose response and error replace the stream's.
func (t *TurnExecutor) callModel(ctx context.Context, provider Provider, req ChatRequest, events *EventChannel, sawChunk *bool) (ChatResponse, bool, error) {
	ch := make(chan StreamEvent, 16)
	streamedAny := false

	done := make(chan struct{})
	var resp ChatResponse
	var err error
	go func() {
		defer close(done)
		resp, err = provider.ChatStream(ctx, req, ch)
	}()

	for ev := range ch {
		switch ev.Type {
		case EventTextDelta:
			streamedAny = true
			*sawChunk = true
			events.send(newEvent(EventChunk, t.now(), ChunkPayload{Content: ev.Content}))
		case EventReasoningDelta:
			events.send(newEvent(EventThinking, t.now(), ChunkPayload{Content: ev.Content}))
		}
	}
	<-done
	if err != nil && isTransient(err) {
		resp, err = provider.Chat(ctx, req)
	}
	return resp, streamedAny, err
}

// retryAfterOverflow unconditionally runs the Summary Engine with
// keep_last_n=0 forced, per §4.6's reactive trigger policy, then rebuilds the
// prompt window. Unlike BuildContext's own overflow path, this never
// consults estimateTokens first — the model itself has already rejected the
// window, regardless of what the heuristic estimate says.
func (t *TurnExecutor) retryAfterOverflow(ctx context.Context, provider Provider, req TurnRequest, chatReq ChatRequest, events *EventChannel) (ChatRequest, error) {
	opts := t.Budget.SummaryOptions
	opts.KeepLastN = 0

	_, history, err := buildContextOnce(ctx, t.Store, req.Config, req.SessionID, req.SystemPrompt, req.UserContent, req.Attachments)
	if err != nil {
		return ChatRequest{}, err
	}
	if _, err := summarizeOverflow(ctx, t.Store, provider, req.Config.Model, req.SessionID, history, opts, events, t.Now); err != nil {
		return ChatRequest{}, err
	}

	built, _, err := buildContextOnce(ctx, t.Store, req.Config, req.SessionID, req.SystemPrompt, req.UserContent, req.Attachments)
	if err != nil {
		return ChatRequest{}, err
	}
	retried := built
	retried.Tools = chatReq.Tools
	retried.ThinkingLevel = chatReq.ThinkingLevel
	return retried, nil
}

// capToolOutput truncates content, preserving its tail, so the turn's
// cumulative tool output never exceeds MaxToolOutputBytes.
func (t *TurnExecutor) capToolOutput(content string, usedBytes int) (string, int) {
	limit := t.MaxToolOutputBytes
	if limit <= 0 {
		limit = defaultMaxToolOutputBytes
	}
	remaining := limit - usedBytes
	if remaining <= 0 {
		return "[tool output omitted: turn output budget exhausted]", usedBytes
	}
	if len(content) <= remaining {
		return content, usedBytes + len(content)
	}
	truncated := "[truncated]\n" + content[len(content)-remaining:]
	return truncated, usedBytes + len(truncated)
}

// maybeScheduleTitleRename fires a best-effort background title generation
// when the session has no real title yet, per §4.9 Start state. It runs
// detached from the turn's context so cancelling the turn doesn't cancel it.
func (t *TurnExecutor) maybeScheduleTitleRename(provider Provider, req TurnRequest) {
	session, err := t.Store.GetSession(context.Background(), req.SessionID)
	if err != nil {
		return
	}
	title := strings.TrimSpace(session.Title)
	if title != "" && title != titlePlaceholder {
		return
	}

	go func() {
		bgCtx := context.Background()
		resp, err := provider.Chat(bgCtx, ChatRequest{
			Model: req.Config.Model,
			Messages: []ChatMessage{
				SystemMessage("Produce a concise 3-6 word title for this conversation. Reply with the title only."),
				UserMessage(req.UserContent),
			},
			MaxTokens: titleMaxTokens,
		})
		if err != nil {
			return
		}
		title := strings.Trim(strings.TrimSpace(resp.Content), "\"")
		if title == "" {
			return
		}
		_ = t.Store.UpdateSessionTitle(bgCtx, req.SessionID, title)
	}()
}

func (t *TurnExecutor) startSpan(ctx context.Context, req TurnRequest) (Span, context.Context) {
	if t.Tracer == nil {
		return noopSpan{}, ctx
	}
	newCtx, span := t.Tracer.Start(ctx, "turn", StringAttr("session_id", req.SessionID), StringAttr("model", req.Config.Model))
	return span, newCtx
}

func (t *TurnExecutor) now() int64 {
	if t.Now != nil {
		return t.Now()
	}
	return NowUnix()
}

// noopSpan is used when no Tracer is configured.
type noopSpan struct{}

func (noopSpan) SetAttr(attrs ...SpanAttr)       {}
func (noopSpan) Event(name string, a ...SpanAttr) {}
func (noopSpan) Error(err error)                 {}
func (noopSpan) End()                            {}

var _ Span = noopSpan{}

func previewArgs(args json.RawMessage) string {
	const previewCap = 200
	s := string(args)
	if len(s) <= previewCap {
		return s
	}
	return s[:previewCap] + "…"
}
