package embeddings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"
)

type flakyEmbedder struct {
	failures int
	calls    int
	err      error
	vector   []float32
}

func (e *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.calls <= e.failures {
		return nil, e.err
	}
	results := make([][]float32, len(texts))
	for i := range texts {
		results[i] = e.vector
	}
	return results, nil
}

func newTestRetryEmbedder(inner Embedder, retries int) *RetryEmbedder {
	embedder := NewRetryEmbedder(inner, retries, log.New(io.Discard, "", 0))
	embedder.initialBackoff = time.Millisecond
	return embedder
}

func TestRetryEmbedderSucceedsAfterTransientFailures(t *testing.T) {
	inner := &flakyEmbedder{failures: 2, err: errors.New("connection refused"), vector: []float32{0.5}}
	embedder := newTestRetryEmbedder(inner, 2)

	vectors, err := embedder.Embed(context.Background(), []string{"what is ASIL D?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 || vectors[0][0] != 0.5 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryEmbedderExhaustsBudget(t *testing.T) {
	inner := &flakyEmbedder{failures: 10, err: errors.New("upstream unavailable")}
	embedder := newTestRetryEmbedder(inner, 2)

	if _, err := embedder.Embed(context.Background(), []string{"q"}); err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryEmbedderDoesNotRetryOversizeInput(t *testing.T) {
	inner := &flakyEmbedder{failures: 10, err: fmt.Errorf("text 0 is too long: %w", ErrInputTooLong)}
	embedder := newTestRetryEmbedder(inner, 2)

	_, err := embedder.Embed(context.Background(), []string{"q"})
	if !errors.Is(err, ErrInputTooLong) {
		t.Fatalf("expected ErrInputTooLong, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.calls)
	}
}

func TestRetryEmbedderHonorsContextCancellation(t *testing.T) {
	inner := &flakyEmbedder{failures: 10, err: errors.New("connection refused")}
	embedder := NewRetryEmbedder(inner, 5, log.New(io.Discard, "", 0))
	embedder.initialBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := embedder.Embed(ctx, []string{"q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", inner.calls)
	}
}
