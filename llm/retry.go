package llm

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

// RetryClient wraps a Client with a per-attempt deadline and a bounded retry
// budget with doubling backoff. Only timeout and provider errors are retried;
// everything else surfaces immediately.
type RetryClient struct {
	inner          Client
	retries        int
	attemptTimeout time.Duration
	initialBackoff time.Duration
	logger         *log.Logger
}

func NewRetryClient(inner Client, retries int, attemptTimeout time.Duration, logger *log.Logger) *RetryClient {
	if retries < 0 {
		retries = defaultRetries
	}
	if logger == nil {
		logger = log.Default()
	}

	return &RetryClient{
		inner:          inner,
		retries:        retries,
		attemptTimeout: attemptTimeout,
		initialBackoff: defaultInitialBackoff,
		logger:         logger,
	}
}

func (c *RetryClient) Generate(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	backoff := c.initialBackoff

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("generation aborted: %w", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		answer, err := c.generateOnce(ctx, messages)
		if err == nil {
			return answer, nil
		}

		if !errors.Is(err, ErrProvider) && !errors.Is(err, ErrGenerationTimeout) {
			return "", err
		}

		lastErr = err
		c.logger.Printf("generation attempt %d/%d failed: %v", attempt+1, c.retries+1, err)
	}

	return "", fmt.Errorf("generation retries exhausted: %w", lastErr)
}

func (c *RetryClient) generateOnce(ctx context.Context, messages []Message) (string, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}

	answer, err := c.inner.Generate(ctx, messages)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrGenerationTimeout) {
		return "", fmt.Errorf("%v: %w", err, ErrGenerationTimeout)
	}
	return answer, err
}

var _ Client = (*RetryClient)(nil)
