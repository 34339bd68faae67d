package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func snapshot(dim int, passages []Passage, vectors [][]float32) *Snapshot {
	return &Snapshot{Dimension: dim, Passages: passages, Vectors: vectors}
}

func TestSearchEmptyIndex(t *testing.T) {
	index := NewMemoryIndex()
	if _, err := index.Search(context.Background(), []float32{1, 0}, 5); !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex, got %v", err)
	}
}

func TestSearchOrderedByScore(t *testing.T) {
	index := NewMemoryIndex()
	err := index.Swap(snapshot(2,
		[]Passage{
			{ID: "p0", SourceLabel: "a", Ordinal: 0, Text: "far"},
			{ID: "p1", SourceLabel: "b", Ordinal: 1, Text: "near"},
			{ID: "p2", SourceLabel: "c", Ordinal: 2, Text: "middle"},
		},
		[][]float32{
			{0, 1},
			{1, 0},
			{1, 1},
		},
	))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	results, err := index.Search(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Fatalf("scores not non-increasing at %d: %f > %f", i, results[i].Score, results[i-1].Score)
		}
	}
	if results[0].Passage.ID != "p1" {
		t.Fatalf("expected the aligned vector first, got %s", results[0].Passage.ID)
	}
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	index := NewMemoryIndex()
	err := index.Swap(snapshot(2,
		[]Passage{
			{ID: "first", Ordinal: 0},
			{ID: "second", Ordinal: 1},
		},
		[][]float32{
			{1, 0},
			{1, 0},
		},
	))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	results, err := index.Search(context.Background(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results[0].Passage.ID != "first" || results[1].Passage.ID != "second" {
		t.Fatalf("tie not broken by insertion order: %s, %s", results[0].Passage.ID, results[1].Passage.ID)
	}
}

func TestSearchFewerThanK(t *testing.T) {
	index := NewMemoryIndex()
	if err := index.Swap(snapshot(2, []Passage{{ID: "only"}}, [][]float32{{1, 0}})); err != nil {
		t.Fatalf("swap: %v", err)
	}

	results, err := index.Search(context.Background(), []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestSearchRoundTripExactText(t *testing.T) {
	text := "ASIL D requires the highest rigor of verification"
	index := NewMemoryIndex()
	err := index.Swap(snapshot(3,
		[]Passage{
			{ID: "p0", SourceLabel: "clause_9.2", Text: text},
			{ID: "p1", SourceLabel: "clause_1.1", Text: "something else"},
		},
		[][]float32{
			{0.3, 0.2, 0.9},
			{0.9, 0.1, 0.1},
		},
	))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	// Identical query vector must return the stored text unmodified, top-1.
	results, err := index.Search(context.Background(), []float32{0.3, 0.2, 0.9}, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results[0].Passage.Text != text {
		t.Fatalf("round trip modified the text: %q", results[0].Passage.Text)
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected a non-zero similarity score, got %f", results[0].Score)
	}
}

func TestSwapReplacesWholeSnapshot(t *testing.T) {
	index := NewMemoryIndex()
	if err := index.Swap(snapshot(2, []Passage{{ID: "old"}}, [][]float32{{1, 0}})); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := index.Swap(snapshot(2, []Passage{{ID: "new"}}, [][]float32{{1, 0}})); err != nil {
		t.Fatalf("swap: %v", err)
	}

	results, err := index.Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Passage.ID != "new" {
		t.Fatalf("expected only the new snapshot to serve, got %+v", results)
	}
}

func TestSwapRejectsMismatchedSnapshot(t *testing.T) {
	index := NewMemoryIndex()
	if err := index.Swap(snapshot(2, []Passage{{ID: "p"}}, nil)); err == nil {
		t.Fatal("expected error for mismatched passages/vectors")
	}
	if err := index.Swap(snapshot(3, []Passage{{ID: "p"}}, [][]float32{{1, 0}})); err == nil {
		t.Fatal("expected error for wrong dimension")
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.idx")

	original := snapshot(2,
		[]Passage{{ID: "p0", SourceLabel: "clause_9.2", Text: "text", StartOffset: 0, EndOffset: 4}},
		[][]float32{{0.5, 0.5}},
	)
	if err := SaveArtifact(path, original); err != nil {
		t.Fatalf("save artifact: %v", err)
	}

	loaded, err := LoadArtifact(path)
	if err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if len(loaded.Passages) != 1 || loaded.Passages[0].Text != "text" {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}
	if loaded.Dimension != 2 {
		t.Fatalf("unexpected dimension: %d", loaded.Dimension)
	}
}
