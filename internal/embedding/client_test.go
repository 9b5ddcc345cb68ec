// File path: internal/embedding/client_test.go
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond, Budget: 200 * time.Millisecond}
}

type fakeJina struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	rateLimit bool
	dim       int
}

func (f *fakeJina) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls++
	shouldFail := f.calls <= f.failFirst
	rateLimit := f.rateLimit
	dim := f.dim
	f.mu.Unlock()
	if shouldFail {
		if rateLimit {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var payload struct {
		Input []string `json:"input"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	data := make([]map[string]interface{}, len(payload.Input))
	for i := range payload.Input {
		vec := make([]float64, dim)
		for d := range vec {
			vec[d] = float64(i + d)
		}
		data[i] = map[string]interface{}{"index": i, "embedding": vec}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func (f *fakeJina) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newJinaForTest(t *testing.T, fake *fakeJina) *JinaProvider {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return NewJinaProvider(Config{JinaBaseURL: server.URL, JinaModel: "test-model", Timeout: time.Second})
}

func TestEmbedBatchesInOrder(t *testing.T) {
	fake := &fakeJina{dim: 4}
	provider := newJinaForTest(t, fake)
	client := NewClient(provider, nil, 2, fastPolicy())
	client.batchDelay = 0

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := client.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	if fake.callCount() != 3 {
		t.Fatalf("expected 3 batches of <=2, got %d calls", fake.callCount())
	}
	if client.Dimension() != 4 {
		t.Fatalf("expected pinned dimension 4, got %d", client.Dimension())
	}
}

func TestEmbedPacesBatches(t *testing.T) {
	fake := &fakeJina{dim: 2}
	provider := newJinaForTest(t, fake)
	client := NewClient(provider, nil, 1, fastPolicy())
	if client.batchDelay != 100*time.Millisecond {
		t.Fatalf("unexpected default batch delay %v", client.batchDelay)
	}

	client.batchDelay = 20 * time.Millisecond
	start := time.Now()
	if _, err := client.Embed(context.Background(), []string{"a", "b", "c"}); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected two inter-batch pauses, elapsed %v", elapsed)
	}
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	fake := &fakeJina{dim: 3, failFirst: 2}
	provider := newJinaForTest(t, fake)
	client := NewClient(provider, nil, 8, fastPolicy())

	vectors, err := client.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != 3 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
	if fake.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.callCount())
	}
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	fake := &fakeJina{dim: 3, failFirst: 1, rateLimit: true}
	provider := newJinaForTest(t, fake)
	client := NewClient(provider, nil, 8, fastPolicy())

	if _, err := client.Embed(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if fake.callCount() != 2 {
		t.Fatalf("expected retry after 429, got %d calls", fake.callCount())
	}
}

func TestEmbedFallsBackAfterBudget(t *testing.T) {
	fake := &fakeJina{dim: 3, failFirst: 1000}
	primary := newJinaForTest(t, fake)
	fallback := NewMockProvider(3)
	client := NewClient(primary, fallback, 8, fastPolicy())

	vectors, err := client.Embed(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 3 {
		t.Fatalf("unexpected fallback vectors: %v", vectors)
	}
	if client.Dimension() != 3 {
		t.Fatalf("expected dimension 3, got %d", client.Dimension())
	}
}

func TestFallbackDimensionMismatchFails(t *testing.T) {
	fake := &fakeJina{dim: 4}
	primary := newJinaForTest(t, fake)
	fallback := NewMockProvider(8)
	client := NewClient(primary, fallback, 8, fastPolicy())

	// Pin dimension 4 with the healthy primary.
	if _, err := client.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("priming embed failed: %v", err)
	}

	// Now break the primary; the fallback's width 8 must be rejected,
	// not silently mixed into the collection.
	fake.mu.Lock()
	fake.failFirst = 1000
	fake.calls = 0
	fake.mu.Unlock()
	_, err := client.Embed(context.Background(), []string{"b"})
	if err == nil || !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
}

func TestMockProviderDeterministic(t *testing.T) {
	provider := NewMockProvider(6)
	a, err := provider.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, _ := provider.Embed(context.Background(), []string{"hello"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatal("mock embeddings not deterministic")
		}
	}
	other, _ := provider.Embed(context.Background(), []string{"world"})
	same := true
	for i := range a[0] {
		if a[0][i] != other[0][i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different texts should embed differently")
	}
}
