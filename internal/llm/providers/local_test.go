// File path: internal/llm/providers/local_test.go
package providers

import (
	"context"
	"strings"
	"testing"
)

func TestLocalProviderChat(t *testing.T) {
	provider := NewLocalProvider()
	resp, err := provider.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "how does ingestion work?"}},
	})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if !strings.Contains(resp.Content, "how does ingestion work?") {
		t.Fatalf("unexpected response: %q", resp.Content)
	}
}

func TestLocalProviderStreamMatchesChat(t *testing.T) {
	provider := NewLocalProvider()
	req := Request{Messages: []Message{{Role: "user", Content: "describe the chunker"}}}

	var streamed strings.Builder
	resp, err := provider.ChatStream(context.Background(), req, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if streamed.String() != resp.Content {
		t.Fatalf("streamed %q, response %q", streamed.String(), resp.Content)
	}

	direct, err := provider.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	if direct.Content != resp.Content {
		t.Fatalf("stream and chat diverge: %q vs %q", resp.Content, direct.Content)
	}
}

func TestLocalProviderStreamAbortsOnDeltaError(t *testing.T) {
	provider := NewLocalProvider()
	req := Request{Messages: []Message{{Role: "user", Content: "a b c d"}}}
	calls := 0
	_, err := provider.ChatStream(context.Background(), req, func(string) error {
		calls++
		if calls == 2 {
			return context.Canceled
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected delta error to propagate")
	}
	if calls != 2 {
		t.Fatalf("expected 2 delta calls, got %d", calls)
	}
}
