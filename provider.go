package chatcore

import "context"

// Provider abstracts one Model Adapter implementation. ChatRequest already
// carries Tools, ThinkingLevel, and ResponseSchema, so a single Chat/ChatStream
// pair covers both tool-free and tool-calling turns.
type Provider interface {
	// Chat sends req and returns the complete response, including any tool
	// calls the model asked to make.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams low-level deltas into ch as the response decodes,
	// then returns the final accumulated response. ch is always closed
	// before ChatStream returns, whether it returns an error or not.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name identifies the provider: "gemini" for the Gemini adapter; for an
	// openaicompat Provider, the name set with WithName (default "openai").
	Name() string
}
