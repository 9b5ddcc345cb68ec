// File path: internal/retry/retry.go
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/common"
)

// Policy describes an exponential backoff schedule with an overall budget.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Budget     time.Duration
}

// DefaultPolicy matches the ingestion activity schedule: 2s doubling up to
// 60s per wait, 30 minutes overall.
func DefaultPolicy() Policy {
	return Policy{Initial: 2 * time.Second, Multiplier: 2.0, Max: 60 * time.Second, Budget: 30 * time.Minute}
}

func (p Policy) applyDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 2 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.Max <= 0 {
		p.Max = 60 * time.Second
	}
	if p.Budget <= 0 {
		p.Budget = 30 * time.Minute
	}
	return p
}

// Permanent wraps an error so Do stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm permanentError
	return errors.As(err, &perm)
}

// Do runs op until it succeeds, the budget runs out, the context is
// canceled, or the error is permanent. retryable may be nil, in which case
// every non-permanent error retries. Waits carry 20 percent jitter.
func (p Policy) Do(ctx context.Context, name string, op func(context.Context) error, retryable func(error) bool) error {
	p = p.applyDefaults()
	logger := common.Logger()
	deadline := time.Now().Add(p.Budget)
	wait := p.Initial
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", name, attempt-1, lastErr)
			}
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%s retry budget exhausted after %d attempts: %w", name, attempt, lastErr)
		}
		logger.Warn("retry: attempt failed", "op", name, "attempt", attempt, "wait", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", name, lastErr)
		case <-time.After(jitter(wait)):
		}
		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait > p.Max {
			wait = p.Max
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
