// File path: internal/llm/providers/provider.go
package providers

import "context"

type Message struct {
	Role    string
	Content string
}

// Request is one chat completion call. System rides separately so
// providers can place it per their API's convention.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is the completed answer plus token usage when the provider
// reports it.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider abstracts the chat backend. ChatStream forwards deltas as they
// arrive and returns the assembled response; a non-nil error from onDelta
// aborts the stream.
type Provider interface {
	Chat(ctx context.Context, req Request) (Response, error)
	ChatStream(ctx context.Context, req Request, onDelta func(delta string) error) (Response, error)
	Name() string
}
