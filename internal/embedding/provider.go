// File path: internal/embedding/provider.go
package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// Provider produces one embedding per input text, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// MockProvider returns deterministic hash-derived unit vectors. It backs
// tests and offline runs.
type MockProvider struct {
	Dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 8
	}
	return &MockProvider{Dim: dim}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.Dim)
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		seed := h.Sum64()
		for d := range vec {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[d] = float32(int64(seed>>33)) / float32(1<<30)
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}
