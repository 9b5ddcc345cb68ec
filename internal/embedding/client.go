// File path: internal/embedding/client.go
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/common/telemetry"
	"github.com/nicodishanthj/codeatlas/internal/retry"
)

// ErrDimensionMismatch means a provider produced vectors whose width does
// not match the pinned dimension. Mixing widths in one collection would
// silently corrupt similarity search, so the batch fails instead.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Client batches texts through a primary provider with a fallback arm.
// The first successful batch pins the dimension; every later batch,
// fallback included, must match it.
type Client struct {
	primary    Provider
	fallback   Provider
	batchSize  int
	batchDelay time.Duration
	policy     retry.Policy

	mu  sync.Mutex
	dim int
}

func NewClient(primary, fallback Provider, batchSize int, policy retry.Policy) *Client {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Client{
		primary:    primary,
		fallback:   fallback,
		batchSize:  batchSize,
		batchDelay: 100 * time.Millisecond,
		policy:     policy,
	}
}

// Dimension reports the pinned vector width, 0 until the first batch lands.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// Embed returns one vector per text, in order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		// Pause between batches so provider rate limits are not hammered.
		if start > 0 && c.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.batchDelay):
			}
		}
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	start := time.Now()
	vectors, err := c.embedWith(ctx, c.primary, batch)
	if err != nil && c.fallback != nil && !errors.Is(err, ErrDimensionMismatch) && ctx.Err() == nil {
		common.Logger().Warn("embedding: primary exhausted, falling back",
			"primary", c.primary.Name(), "fallback", c.fallback.Name(), "error", err)
		vectors, err = c.embedWith(ctx, c.fallback, batch)
	}
	if err != nil {
		return nil, err
	}
	telemetry.RecordEmbedBatch(len(batch), time.Since(start))
	return vectors, nil
}

func (c *Client) embedWith(ctx context.Context, provider Provider, batch []string) ([][]float32, error) {
	var vectors [][]float32
	attempt := 0
	err := c.policy.Do(ctx, "embed "+provider.Name(), func(ctx context.Context) error {
		if attempt > 0 {
			telemetry.RecordEmbedRetry()
		}
		attempt++
		got, err := provider.Embed(ctx, batch)
		if err != nil {
			// Honor the server's pacing hint before the backoff kicks in.
			if wait, ok := RetryAfter(err); ok {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
			return err
		}
		if err := c.checkDimension(provider, got); err != nil {
			return retry.Permanent(err)
		}
		vectors = got
		return nil
	}, IsTransient)
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (c *Client) checkDimension(provider Provider, vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, vec := range vectors {
		if len(vec) == 0 {
			return fmt.Errorf("%s returned an empty vector: %w", provider.Name(), ErrDimensionMismatch)
		}
		if c.dim == 0 {
			c.dim = len(vec)
			continue
		}
		if len(vec) != c.dim {
			return fmt.Errorf("%s returned dimension %d, pinned to %d: %w", provider.Name(), len(vec), c.dim, ErrDimensionMismatch)
		}
	}
	return nil
}
