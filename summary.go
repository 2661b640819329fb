package chatcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SummaryOptions configures one Summary Engine run (§4.6).
type SummaryOptions struct {
	TargetSummaryTokens int
	MergeTargetTokens   int
	BisectMinMessages   int
	BisectMaxDepth      int
	KeepLastN           int
}

// DefaultSummaryOptions returns the Summary Engine's baseline tuning.
func DefaultSummaryOptions() SummaryOptions {
	return SummaryOptions{
		TargetSummaryTokens: 600,
		MergeTargetTokens:   400,
		BisectMinMessages:   4,
		BisectMaxDepth:      4,
		KeepLastN:           6,
	}
}

func (o SummaryOptions) withDefaults() SummaryOptions {
	if o.TargetSummaryTokens <= 0 {
		o.TargetSummaryTokens = 600
	}
	if o.MergeTargetTokens <= 0 {
		o.MergeTargetTokens = 400
	}
	if o.BisectMinMessages <= 0 {
		o.BisectMinMessages = 2
	}
	if o.BisectMaxDepth <= 0 {
		o.BisectMaxDepth = 4
	}
	return o
}

// SummaryStats reports the token accounting and recursion shape of one
// Summarize run.
type SummaryStats struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	ChunkCount       int     `json:"chunk_count"`
	MaxDepth         int     `json:"max_depth"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// SummaryResult is the Summary Engine's output for one run.
type SummaryResult struct {
	Summarized           bool
	SummaryText          string
	SystemPromptEnvelope string
	KeptMessages         []Message
	SummarizedMessages   []Message
	Truncated            bool
	Stats                SummaryStats
}

const (
	summaryWrapHeader          = "【Conversation summary so far】\n"
	summaryContinueInstruction = "Continue the conversation naturally from this state."
	summarizerSystemPrompt     = "You summarize conversation history concisely, preserving decisions, facts, tool outcomes, and open threads. Do not invent details."
	summarizerMergePrompt      = "You merge two partial conversation summaries into one coherent summary, preserving every distinct fact from both."
)

// isContextOverflowError matches the substring/status heuristics §4.6/§7
// define for a model's context-length rejection, since providers don't
// return a typed error for this.
func isContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextOverflow) {
		return true
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) && httpErr.Status == 413 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"context_length_exceeded", "maximum context length", "too many tokens"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// keepTailBoundary returns the prefix length to summarize: the newest
// keepLastN messages are kept verbatim, extended backward past any tool-role
// run so the kept window never starts with a bare tool reply and the
// summarized prefix never ends with one.
func keepTailBoundary(messages []Message, keepLastN int) int {
	if keepLastN <= 0 {
		return len(messages)
	}
	if keepLastN >= len(messages) {
		return 0
	}
	cut := len(messages) - keepLastN
	for cut > 0 && (messages[cut].Role == "tool" || messages[cut-1].Role == "tool") {
		cut--
	}
	return cut
}

// safeSplit picks a bisection point that never separates an assistant's
// tool_calls message from its tool-role replies.
func safeSplit(messages []Message) int {
	mid := len(messages) / 2
	if mid == 0 {
		mid = 1
	}
	for mid < len(messages) && messages[mid].Role == "tool" {
		mid++
	}
	if mid >= len(messages) {
		mid = len(messages) - 1
	}
	if mid <= 0 {
		mid = 1
	}
	return mid
}

func renderPrefix(prefix []Message) string {
	var b strings.Builder
	for _, m := range prefix {
		if m.Role == "tool" {
			fmt.Fprintf(&b, "tool[%s]: %s\n", m.ToolCallID, m.Content)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// forcedTruncatedSummary produces the deterministic fallback once recursion
// and segment-size guards are exhausted: a role/preview listing rather than
// a model-generated summary.
func forcedTruncatedSummary(prefix []Message) string {
	var b strings.Builder
	b.WriteString("[forced-truncated summary]\n")
	for _, m := range prefix {
		preview := m.Content
		if len(preview) > 80 {
			preview = preview[:80] + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, preview)
	}
	return b.String()
}

// summarizer holds the state threaded through one recursive Summarize call.
type summarizer struct {
	provider Provider
	model    string
	opts     SummaryOptions
	events   *EventChannel
	now      func() int64
	stats    SummaryStats
}

// Summarize reduces messages to a fixed-size textual summary per §4.6,
// recursing and bisecting when the model's own context window can't hold
// the prefix being summarized.
func Summarize(ctx context.Context, provider Provider, model string, messages []Message, opts SummaryOptions, events *EventChannel, now func() int64) (SummaryResult, error) {
	opts = opts.withDefaults()
	cut := keepTailBoundary(messages, opts.KeepLastN)
	prefix := messages[:cut]
	kept := messages[cut:]

	if len(prefix) == 0 {
		return SummaryResult{KeptMessages: kept}, nil
	}

	if events != nil {
		events.send(newEvent(EventContextSummarizedStart, now(), SummaryProgressPayload{}))
	}

	s := &summarizer{provider: provider, model: model, opts: opts, events: events, now: now}
	text, truncated, err := s.summarize(ctx, prefix, 0)
	if err != nil {
		if events != nil {
			events.send(newEvent(EventContextSummarizedEnd, now(), SummaryProgressPayload{}))
		}
		return SummaryResult{}, err
	}

	if s.stats.InputTokens > 0 {
		s.stats.CompressionRatio = float64(s.stats.OutputTokens) / float64(s.stats.InputTokens)
	}

	envelope := summaryWrapHeader + text + "\n" + summaryContinueInstruction

	if events != nil {
		events.send(newEvent(EventContextSummarizedEnd, now(), SummaryProgressPayload{Content: text}))
	}

	return SummaryResult{
		Summarized:           true,
		SummaryText:          text,
		SystemPromptEnvelope: envelope,
		KeptMessages:         kept,
		SummarizedMessages:   prefix,
		Truncated:            truncated,
		Stats:                s.stats,
	}, nil
}

func (s *summarizer) summarize(ctx context.Context, prefix []Message, depth int) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.stats.ChunkCount++
	if depth > s.stats.MaxDepth {
		s.stats.MaxDepth = depth
	}

	budget := s.opts.TargetSummaryTokens
	if depth > 0 {
		budget = s.opts.MergeTargetTokens
	}

	req := ChatRequest{
		Model: s.model,
		Messages: []ChatMessage{
			SystemMessage(summarizerSystemPrompt),
			UserMessage(fmt.Sprintf("%s\n\nProduce a summary in no more than %d tokens.", renderPrefix(prefix), budget)),
		},
		MaxTokens: budget,
	}

	resp, err := s.provider.Chat(ctx, req)
	if err == nil {
		s.stats.InputTokens += resp.Usage.InputTokens
		s.stats.OutputTokens += resp.Usage.OutputTokens
		if s.events != nil {
			s.events.send(newEvent(EventContextSummarizedStream, s.now(), SummaryProgressPayload{Content: resp.Content}))
		}
		return resp.Content, false, nil
	}

	if !isContextOverflowError(err) {
		return "", false, err
	}

	if depth >= s.opts.BisectMaxDepth || len(prefix) < s.opts.BisectMinMessages*2 {
		return forcedTruncatedSummary(prefix), true, nil
	}

	mid := safeSplit(prefix)
	left, leftTruncated, err := s.summarize(ctx, prefix[:mid], depth+1)
	if err != nil {
		return "", false, err
	}
	right, rightTruncated, err := s.summarize(ctx, prefix[mid:], depth+1)
	if err != nil {
		return "", false, err
	}

	merged, mergedTruncated := s.merge(ctx, left, right, depth+1)
	return merged, leftTruncated || rightTruncated || mergedTruncated, nil
}

// merge combines two child summaries into one. On overflow or any other
// model error it falls back to plain concatenation rather than losing the
// already-produced child summaries.
func (s *summarizer) merge(ctx context.Context, left, right string, depth int) (string, bool) {
	req := ChatRequest{
		Model: s.model,
		Messages: []ChatMessage{
			SystemMessage(summarizerMergePrompt),
			UserMessage(fmt.Sprintf("Summary A:\n%s\n\nSummary B:\n%s\n\nMerge into one summary in no more than %d tokens.", left, right, s.opts.MergeTargetTokens)),
		},
		MaxTokens: s.opts.MergeTargetTokens,
	}
	resp, err := s.provider.Chat(ctx, req)
	if err != nil {
		return left + "\n" + right, true
	}
	s.stats.InputTokens += resp.Usage.InputTokens
	s.stats.OutputTokens += resp.Usage.OutputTokens
	return resp.Content, false
}
