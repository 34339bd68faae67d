package embeddings

import (
	"context"
	"errors"
	"testing"
)

type countingEmbedder struct {
	calls  int
	vector []float32
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	results := make([][]float32, len(texts))
	for i := range texts {
		results[i] = e.vector
	}
	return results, nil
}

func TestCachedEmbedderSkipsProviderOnHit(t *testing.T) {
	inner := &countingEmbedder{vector: []float32{0.1, 0.2}}
	cached, err := NewCachedEmbedder(inner, 8)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	first, err := cached.Embed(context.Background(), []string{"what is ASIL D?"})
	if err != nil {
		t.Fatalf("first embed: %v", err)
	}

	second, err := cached.Embed(context.Background(), []string{"what is ASIL D?"})
	if err != nil {
		t.Fatalf("second embed: %v", err)
	}

	if inner.calls != 1 {
		t.Fatalf("expected a single provider call, got %d", inner.calls)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one vector per call")
	}
	if first[0][0] != second[0][0] {
		t.Fatal("cached vector differs from the original")
	}
}

func TestCachedEmbedderFetchesOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{vector: []float32{1}}
	cached, err := NewCachedEmbedder(inner, 8)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}

	if _, err := cached.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("seed embed: %v", err)
	}

	results, err := cached.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("mixed embed: %v", err)
	}
	if len(results) != 2 || results[0] == nil || results[1] == nil {
		t.Fatalf("expected both vectors resolved, got %v", results)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", inner.calls)
	}
}

func TestCheckInputLength(t *testing.T) {
	if err := checkInputLength([]string{"short"}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := checkInputLength([]string{"this is far too long"}, 5); !errors.Is(err, ErrInputTooLong) {
		t.Fatalf("expected ErrInputTooLong, got %v", err)
	}
	if err := checkInputLength([]string{"anything"}, 0); err != nil {
		t.Fatalf("expected no limit when max is zero: %v", err)
	}
}
