// File path: internal/embedding/jina.go
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// JinaProvider is the primary embedder, speaking the Jina embeddings API.
type JinaProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewJinaProvider(cfg Config) *JinaProvider {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &JinaProvider{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.JinaBaseURL, "/"),
		apiKey:     cfg.JinaAPIKey,
		model:      cfg.JinaModel,
	}
}

func (p *JinaProvider) Name() string { return "jina" }

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// rateLimitError carries the server's Retry-After hint when one was sent.
type rateLimitError struct {
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	if e.retryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
	}
	return "rate limited"
}

// RetryAfter extracts a Retry-After hint from err, when present.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *rateLimitError
	if errors.As(err, &rl) && rl.retryAfter > 0 {
		return rl.retryAfter, true
	}
	return 0, false
}

// transientError marks failures worth retrying (5xx, transport).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err is retryable: rate limits, server errors,
// or transport failures.
func IsTransient(err error) bool {
	var rl *rateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var tr *transientError
	return errors.As(err, &tr)
}

func (p *JinaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload := map[string]interface{}{
		"model": p.model,
		"input": texts,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := p.baseURL + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("jina embed: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, &rateLimitError{retryAfter: retryAfter}
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return nil, &transientError{err: fmt.Errorf("jina embed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("jina embed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("jina embed: decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("jina embed: got %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, item := range parsed.Data {
		vec := make([]float32, len(item.Embedding))
		for d, v := range item.Embedding {
			vec[d] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
