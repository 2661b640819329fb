package chatcore

import (
	"context"
	"fmt"
)

// ContextBudget bounds one Context Builder pass and configures the Summary
// Engine it falls back to on overflow.
type ContextBudget struct {
	MaxContextTokens int
	SummaryOptions   SummaryOptions
}

// BuiltContext is the Context Builder's output: a ready-to-send ChatRequest
// plus the SessionSummary it produced, if overflow forced one this round.
type BuiltContext struct {
	Request         ChatRequest
	ProducedSummary *SessionSummary
}

// estimateTokens is the module's one token-counting heuristic: roughly four
// bytes of English/code text per token. It is deliberately approximate —
// only the Context Builder's overflow trigger depends on it, and that trigger
// already retries once on the model's own rejection.
func estimateTokens(req ChatRequest) int {
	n := len(req.Instructions)
	for _, m := range req.Messages {
		n += len(m.Content)
		for _, a := range m.Attachments {
			n += len(a.Text)
		}
	}
	return n / 4
}

// BuildContext assembles one round's prompt window per §4.5, summarizing and
// retrying once if the result is over budget.
func BuildContext(
	ctx context.Context,
	store Store,
	summaryProvider Provider,
	summaryModel string,
	cfg AiModelConfig,
	sessionID string,
	systemPrompt string,
	userContent string,
	attachments []Attachment,
	budget ContextBudget,
	events *EventChannel,
	now func() int64,
) (BuiltContext, error) {
	req, history, err := buildContextOnce(ctx, store, cfg, sessionID, systemPrompt, userContent, attachments)
	if err != nil {
		return BuiltContext{}, err
	}

	if budget.MaxContextTokens <= 0 || estimateTokens(req) < budget.MaxContextTokens {
		return BuiltContext{Request: req}, nil
	}

	summary, err := summarizeOverflow(ctx, store, summaryProvider, summaryModel, sessionID, history, budget.SummaryOptions, events, now)
	if err != nil {
		return BuiltContext{}, err
	}

	req, _, err = buildContextOnce(ctx, store, cfg, sessionID, systemPrompt, userContent, attachments)
	if err != nil {
		return BuiltContext{}, err
	}

	if budget.MaxContextTokens > 0 && estimateTokens(req) >= budget.MaxContextTokens {
		return BuiltContext{}, ErrContextOverflow
	}

	return BuiltContext{Request: req, ProducedSummary: summary}, nil
}

// buildContextOnce runs steps 1-5 of §4.5 without any overflow handling. It
// also returns the raw (post-drop) history so a caller that decides to
// summarize doesn't need to refetch it.
func buildContextOnce(
	ctx context.Context,
	store Store,
	cfg AiModelConfig,
	sessionID string,
	systemPrompt string,
	userContent string,
	attachments []Attachment,
) (ChatRequest, []Message, error) {
	latest, hasSummary, err := store.LatestSummary(ctx, sessionID)
	if err != nil {
		return ChatRequest{}, nil, fmt.Errorf("load latest summary: %w", err)
	}

	var history []Message
	if hasSummary {
		history, err = store.GetBySessionAfter(ctx, sessionID, latest.LastMessageCreatedAt, 0)
	} else {
		history, err = store.GetBySession(ctx, sessionID, 0, 0)
	}
	if err != nil {
		return ChatRequest{}, nil, fmt.Errorf("load session history: %w", err)
	}

	history = dropSummarized(history)

	messages := make([]ChatMessage, 0, len(history)+2)

	leading := systemPrompt
	if hasSummary {
		leading += "\n\n" + summaryWrapHeader + latest.Text + "\n" + summaryContinueInstruction
	}
	if leading != "" {
		messages = append(messages, SystemMessage(leading))
	}

	for _, m := range history {
		messages = append(messages, chatMessageFromHistory(m))
	}

	userAttachments := NormalizeAttachments(attachments, cfg)
	messages = append(messages, ChatMessage{Role: "user", Content: userContent, Attachments: userAttachments})

	req := ChatRequest{
		Model:         cfg.Model,
		Messages:      messages,
		ThinkingLevel: cfg.ThinkingLevel,
	}
	return req, history, nil
}

func chatMessageFromHistory(m Message) ChatMessage {
	cm := ChatMessage{Role: m.Role, Content: m.Content}
	if m.Role == "tool" {
		cm.ToolCallID = m.ToolCallID
	}
	if m.Role == "assistant" {
		cm.ToolCalls = m.ToolCalls
	}
	return cm
}

func dropSummarized(history []Message) []Message {
	out := history[:0:0]
	for _, m := range history {
		if m.SummarizedAt != 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// summarizeOverflow runs the Summary Engine on the oldest uncovered prefix of
// history, persists the resulting SessionSummary, and marks the summarized
// messages, per §4.5 step 6 / §4.6's OverflowRetry trigger.
func summarizeOverflow(
	ctx context.Context,
	store Store,
	provider Provider,
	model string,
	sessionID string,
	history []Message,
	opts SummaryOptions,
	events *EventChannel,
	now func() int64,
) (*SessionSummary, error) {
	if len(history) == 0 {
		return nil, ErrContextOverflow
	}

	result, err := Summarize(ctx, provider, model, history, opts, events, now)
	if err != nil {
		return nil, fmt.Errorf("summarize overflow prefix: %w", err)
	}
	if !result.Summarized || len(result.SummarizedMessages) == 0 {
		return nil, ErrContextOverflow
	}

	ts := now()
	first := result.SummarizedMessages[0]
	last := result.SummarizedMessages[len(result.SummarizedMessages)-1]

	summary := SessionSummary{
		ID:                    NewID(),
		SessionID:             sessionID,
		Text:                  result.SummaryText,
		Model:                 model,
		Trigger:               TriggerOverflowRetry,
		SourceStartMessageID:  first.ID,
		SourceEndMessageID:    last.ID,
		LastMessageCreatedAt:  last.CreatedAt,
		SourceMessageCount:    len(result.SummarizedMessages),
		SourceEstimatedTokens: result.Stats.InputTokens,
		Status:                SummaryDone,
		CreatedAt:             ts,
		UpdatedAt:             ts,
	}

	if err := store.CreateSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("persist summary: %w", err)
	}

	ids := make([]string, len(result.SummarizedMessages))
	for i, m := range result.SummarizedMessages {
		ids[i] = m.ID
	}
	if _, err := store.MarkSummarized(ctx, ids, summary.ID, ts); err != nil {
		return nil, fmt.Errorf("mark summarized: %w", err)
	}

	return &summary, nil
}
