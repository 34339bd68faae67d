package embeddings

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	defaultRetries        = 2
	defaultInitialBackoff = 500 * time.Millisecond
)

// RetryEmbedder wraps an Embedder with a bounded retry budget and doubling
// backoff. Provider and transport failures are transient here; only oversize
// input surfaces immediately, since retrying cannot shrink it.
type RetryEmbedder struct {
	inner          Embedder
	retries        int
	initialBackoff time.Duration
	logger         *log.Logger
}

func NewRetryEmbedder(inner Embedder, retries int, logger *log.Logger) *RetryEmbedder {
	if retries < 0 {
		retries = defaultRetries
	}
	if logger == nil {
		logger = log.Default()
	}

	return &RetryEmbedder{
		inner:          inner,
		retries:        retries,
		initialBackoff: defaultInitialBackoff,
		logger:         logger,
	}
}

func (e *RetryEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := e.initialBackoff

	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("embedding aborted: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		vectors, err := e.inner.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}

		if errors.Is(err, ErrInputTooLong) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		e.logger.Printf("embedding attempt %d/%d failed: %v", attempt+1, e.retries+1, err)
	}

	return nil, fmt.Errorf("embedding retries exhausted: %w", lastErr)
}

var _ Embedder = (*RetryEmbedder)(nil)
