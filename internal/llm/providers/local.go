// File path: internal/llm/providers/local.go
package providers

import (
	"context"
	"fmt"
	"strings"
)

// LocalProvider answers without an external model. It is used when no API
// key is configured so the service stays testable end to end.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (l *LocalProvider) Name() string {
	return "local"
}

func (l *LocalProvider) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	content := l.respond(req)
	return Response{Content: content, CompletionTokens: len(strings.Fields(content))}, nil
}

func (l *LocalProvider) ChatStream(ctx context.Context, req Request, onDelta func(string) error) (Response, error) {
	content := l.respond(req)
	words := strings.Fields(content)
	var builder strings.Builder
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		piece := word
		if i < len(words)-1 {
			piece += " "
		}
		builder.WriteString(piece)
		if onDelta != nil {
			if err := onDelta(piece); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Content: builder.String(), CompletionTokens: len(words)}, nil
}

func (l *LocalProvider) respond(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return "No question was provided."
	}
	return fmt.Sprintf("Local analysis for: %s", last)
}
