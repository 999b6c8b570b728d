package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrEmbeddingFailure is returned once an embedding call has exhausted its
// retry budget. Callers treat it as a signal to roll back whatever write
// the embedding was part of.
var ErrEmbeddingFailure = errors.New("embedding failed after retries")

const defaultMaxAttempts = 3

// RetryingEmbedder wraps another Embedder with bounded exponential-backoff
// retries. Context cancellation stops the retry loop immediately.
type RetryingEmbedder struct {
	inner       Embedder
	maxAttempts uint64
	interval    time.Duration
}

// NewRetryingEmbedder wraps inner. maxAttempts counts the first call too;
// values below 1 fall back to the default of 3.
func NewRetryingEmbedder(inner Embedder, maxAttempts int) *RetryingEmbedder {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	return &RetryingEmbedder{
		inner:       inner,
		maxAttempts: uint64(maxAttempts),
		interval:    200 * time.Millisecond,
	}
}

func (e *RetryingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.interval
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	var vec Vector
	var lastErr error
	op := func() error {
		v, err := e.inner.Embed(ctx, text)
		if err != nil {
			lastErr = err
			return err
		}
		vec = v
		return nil
	}
	err := backoff.Retry(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, e.maxAttempts-1), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, lastErr)
	}
	return vec, nil
}

func (e *RetryingEmbedder) Dims() int { return e.inner.Dims() }
